package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/civicplan/plantree/internal/config"
	"github.com/civicplan/plantree/internal/logger"
	"github.com/civicplan/plantree/internal/metrics"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/siteconfig"
	"github.com/civicplan/plantree/internal/tree"
)

// ProvideMetrics provides the Prometheus collectors.
func ProvideMetrics(i do.Injector) (*metrics.Metrics, error) {
	return metrics.New(), nil
}

// DecorationCacheHandle wraps the annotation cache with shutdown capability.
type DecorationCacheHandle struct {
	*tree.RistrettoCache
}

// Shutdown implements do.Shutdownable.
func (h *DecorationCacheHandle) Shutdown() error {
	h.Close()
	return nil
}

// ProvideDecorationCache provides the cache of decorated nodes.
func ProvideDecorationCache(i do.Injector) (*DecorationCacheHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	c, err := tree.NewRistrettoCache(cfg.Tree.DecorationCacheSize)
	if err != nil {
		return nil, err
	}
	log.Info("Decoration cache ready", "size", cfg.Tree.DecorationCacheSize)
	return &DecorationCacheHandle{RistrettoCache: c}, nil
}

// SiteRegistryHandle wraps the site registry and its file watcher.
type SiteRegistryHandle struct {
	*siteconfig.Registry
	cancel context.CancelFunc
}

// Shutdown implements do.Shutdownable.
func (h *SiteRegistryHandle) Shutdown() error {
	h.cancel()
	return nil
}

// ProvideSiteRegistry provides per-site settings, reloaded when the file changes.
func ProvideSiteRegistry(i do.Injector) (*SiteRegistryHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	registry := siteconfig.NewRegistry(cfg.Site.DefaultSiteID, log.ForComponent("siteconfig").Logger)
	ctx, cancel := context.WithCancel(context.Background())
	handle := &SiteRegistryHandle{Registry: registry, cancel: cancel}

	if cfg.Site.ConfigPath == "" {
		log.Info("No site configuration file, using built-in defaults")
		return handle, nil
	}
	if err := registry.Load(cfg.Site.ConfigPath); err != nil {
		cancel()
		return nil, err
	}
	if cfg.Site.Watch {
		if err := registry.Watch(ctx, cfg.Site.ConfigPath); err != nil {
			// Non-fatal: the loaded configuration stays in effect.
			log.Warn("Site configuration watch unavailable", "path", cfg.Site.ConfigPath, "error", err)
		} else {
			log.Info("Watching site configuration", "path", cfg.Site.ConfigPath)
		}
	}
	return handle, nil
}

// ProvideTreeService provides the tree service.
func ProvideTreeService(i do.Injector) (*service.TreeService, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	sites := do.MustInvoke[*SiteRegistryHandle](i)
	cache := do.MustInvoke[*DecorationCacheHandle](i)
	sseHandle := do.MustInvoke[*SSEManagerHandle](i)
	m := do.MustInvoke[*metrics.Metrics](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewTreeService(
		storeHandle.Store,
		sites.Registry,
		m.InstrumentCache(cache.RistrettoCache),
		sseHandle.Manager,
		m,
		log.ForComponent("trees").Logger,
	), nil
}
