package router

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultProbeInterval is how often every provider is re-probed.
const DefaultProbeInterval = 30 * time.Second

// RunHealthChecks probes all providers in parallel on the interval until
// ctx is cancelled. An immediate first pass runs before the ticker so
// startup does not wait a full interval for real health.
func (r *Router) RunHealthChecks(ctx context.Context) error {
	r.probeAll(ctx)

	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	g, probeCtx := errgroup.WithContext(ctx)
	for _, p := range r.providers {
		g.Go(func() error {
			healthy := p.Available(probeCtx)
			r.setHealth(p.Name(), healthy)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.WarnContext(ctx, "Health probe pass failed", slog.String("error", err.Error()))
	}
}
