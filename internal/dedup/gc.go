package dedup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/enterprise-email/mailplane/internal/objectstore"
)

// Default cadence and batch size for the orphan reconciliation pass.
const (
	DefaultGCInterval = time.Hour
	gcBatchSize       = 200
)

// GC deletes blob objects whose refcount stayed at zero through the
// quarantine window.
type GC struct {
	repo     *Repository
	store    objectstore.Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewGC creates a new orphan GC.
func NewGC(repo *Repository, store objectstore.Store, interval time.Duration, logger *slog.Logger) *GC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return &GC{
		repo:     repo,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "dedup_gc")),
		now:      time.Now,
	}
}

// Run executes sweeps on the configured interval until ctx is cancelled.
func (g *GC) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.ErrorContext(ctx, "Orphan sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep deletes every blob past its quarantine deadline. A blob revived by
// a new reference between the scan and the delete is skipped. Returns the
// number of blobs collected.
func (g *GC) Sweep(ctx context.Context) (int, error) {
	blobs, err := g.repo.QueryExpiredQuarantine(ctx, g.now(), gcBatchSize)
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return collected, err
		}

		if err := g.repo.DeleteBlob(ctx, blob); err != nil {
			if errors.Is(err, ErrRefCountConflict) {
				// Revived during quarantine.
				continue
			}
			g.logger.ErrorContext(ctx, "Failed to delete blob row",
				slog.String("blob_id", blob.BlobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := g.store.Delete(ctx, blob.StorageKey); err != nil {
			// The row is gone; the object will be caught by a later
			// storage-level reconciliation. Log and continue.
			g.logger.ErrorContext(ctx, "Failed to delete blob object",
				slog.String("blob_id", blob.BlobID),
				slog.String("storage_key", blob.StorageKey),
				slog.String("error", err.Error()),
			)
			continue
		}

		collected++
		g.logger.InfoContext(ctx, "Collected orphan blob",
			slog.String("org_id", blob.OrgID),
			slog.String("blob_id", blob.BlobID),
			slog.Int64("size", blob.Size),
		)
	}
	return collected, nil
}
