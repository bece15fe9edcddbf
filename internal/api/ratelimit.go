package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	domainerrors "github.com/civicplan/plantree/internal/errors"
)

// limitMutations is a huma middleware that throttles mutations per tree and client.
func (s *Server) limitMutations(ctx huma.Context, next func(huma.Context)) {
	if s.limiter == nil {
		next(ctx)
		return
	}

	key := ctx.Param("treeID") + "|" + clientIP(ctx)
	if !s.limiter.Allow(key) {
		s.logger.Warn("mutation rate limit exceeded",
			"tree_id", ctx.Param("treeID"),
			"operation", ctx.Operation().OperationID,
			"client", clientIP(ctx))
		_ = huma.WriteErr(s.api, ctx, http.StatusTooManyRequests, "too many mutations",
			domainerrors.RateLimited("too many mutations, try again shortly"))
		return
	}
	next(ctx)
}

// clientIP extracts the client IP. Checks X-Forwarded-For before falling back to
// the remote address, which chi's RealIP middleware has already resolved.
func clientIP(ctx huma.Context) string {
	if xff := ctx.Header("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	addr := ctx.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
