package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/storagekey"
)

// DefaultReconcileInterval is how often drift correction runs.
const DefaultReconcileInterval = 6 * time.Hour

// Reconciler corrects usage drift left by crashes mid-commit. It only
// lowers counters: user-level truth comes from summing the backing store,
// and each parent is lowered to the sum of its children. Raising usage
// without a backing scan would risk double-counting, so it never does.
type Reconciler struct {
	repo     *Repository
	store    objectstore.Store
	interval time.Duration
	orgIDs   func(ctx context.Context) ([]string, error)
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. orgIDs supplies the set of orgs to
// reconcile each pass.
func NewReconciler(repo *Repository, store objectstore.Store, interval time.Duration, orgIDs func(ctx context.Context) ([]string, error), logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Reconciler{
		repo:     repo,
		store:    store,
		interval: interval,
		orgIDs:   orgIDs,
		logger:   logger.With(slog.String("component", "quota_reconciler")),
	}
}

// Run reconciles on the configured interval until ctx is cancelled.
func (rc *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			orgs, err := rc.orgIDs(ctx)
			if err != nil {
				rc.logger.ErrorContext(ctx, "Failed to list orgs for reconcile", slog.String("error", err.Error()))
				continue
			}
			for _, orgID := range orgs {
				if err := rc.ReconcileOrg(ctx, orgID); err != nil && !errors.Is(err, context.Canceled) {
					rc.logger.ErrorContext(ctx, "Org reconcile failed",
						slog.String("org_id", orgID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// ReconcileOrg walks the org's quota tree bottom-up: users are lowered to
// their measured storage footprint, then domains to the sum of their
// users, then the org to the sum of its domains.
func (rc *Reconciler) ReconcileOrg(ctx context.Context, orgID string) error {
	domains, err := rc.repo.ListChildren(ctx, orgID)
	if err != nil {
		return err
	}

	var orgBytes, orgCount int64
	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			return err
		}
		domBytes, domCount, err := rc.reconcileDomain(ctx, orgID, domain)
		if err != nil {
			return err
		}
		orgBytes += domBytes
		orgCount += domCount
	}

	if len(domains) > 0 {
		lowered, err := rc.repo.LowerUsage(ctx, LevelOrg, orgID, orgBytes, orgCount)
		if err != nil {
			return err
		}
		if lowered {
			rc.logger.InfoContext(ctx, "Lowered org quota usage",
				slog.String("org_id", orgID),
				slog.Int64("used_bytes", orgBytes),
			)
		}
	}
	return nil
}

func (rc *Reconciler) reconcileDomain(ctx context.Context, orgID string, domain *Quota) (int64, int64, error) {
	users, err := rc.repo.ListChildren(ctx, domain.EntityID)
	if err != nil {
		return 0, 0, err
	}

	var domBytes, domCount int64
	for _, user := range users {
		bytes, count, err := rc.store.PrefixSize(ctx, storagekey.UserPrefix(orgID, domain.EntityID, user.EntityID))
		if err != nil {
			// Leave this user untouched; an unmeasured subtree must not
			// be lowered.
			rc.logger.WarnContext(ctx, "Failed to measure user storage",
				slog.String("user_id", user.EntityID),
				slog.String("error", err.Error()),
			)
			domBytes += user.UsedBytes
			domCount += user.ObjectCount
			continue
		}
		if _, err := rc.repo.LowerUsage(ctx, LevelUser, user.EntityID, bytes, count); err != nil {
			return 0, 0, err
		}
		if bytes < user.UsedBytes {
			domBytes += bytes
			domCount += count
		} else {
			domBytes += user.UsedBytes
			domCount += user.ObjectCount
		}
	}

	if len(users) > 0 {
		if _, err := rc.repo.LowerUsage(ctx, LevelDomain, domain.EntityID, domBytes, domCount); err != nil {
			return 0, 0, err
		}
		if domBytes < domain.UsedBytes {
			return domBytes, domCount, nil
		}
	}
	return domain.UsedBytes, domain.ObjectCount, nil
}
