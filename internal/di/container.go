// Package di provides dependency injection configuration for the plantree server.
package di

import (
	"github.com/samber/do/v2"

	"github.com/civicplan/plantree/internal/config"
	"github.com/civicplan/plantree/internal/di/providers"
	"github.com/civicplan/plantree/internal/logger"
	"github.com/civicplan/plantree/internal/metrics"
	"github.com/civicplan/plantree/internal/service"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideMetrics)

	// Storage layer
	do.Provide(injector, providers.ProvideStore)
	do.Provide(injector, providers.ProvideDecorationCache)
	do.Provide(injector, providers.ProvideSiteRegistry)

	// Events
	do.Provide(injector, providers.ProvideSSEManager)

	// Business services
	do.Provide(injector, providers.ProvideTreeService)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services. Invoking the HTTP server last starts
// it listening once everything it depends on is ready.
func Bootstrap(injector *do.RootScope) error {
	if _, err := do.Invoke[*config.Config](injector); err != nil {
		return err
	}
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*metrics.Metrics](injector)

	if _, err := do.Invoke[*providers.StoreHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.SiteRegistryHandle](injector); err != nil {
		return err
	}
	_ = do.MustInvoke[*providers.DecorationCacheHandle](injector)
	_ = do.MustInvoke[*providers.SSEManagerHandle](injector)
	_ = do.MustInvoke[*service.TreeService](injector)

	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	return nil
}
