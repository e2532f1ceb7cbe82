package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/storagekey"
)

// DefaultSweepInterval is the cadence of retention passes.
const DefaultSweepInterval = time.Hour

// ArchiveTierCold is the storage tier hint stamped on archived messages.
const ArchiveTierCold = "cold"

// DeletionEnqueuer hands expired messages to the deletion pipeline.
// Sweeps enqueue; they never delete inline.
type DeletionEnqueuer interface {
	EnqueueExpired(ctx context.Context, m *message.Message, policyID string) error
}

// Sweeper runs scheduled retention passes over each domain's messages.
type Sweeper struct {
	repo      *Repository
	messages  *message.Repository
	store     objectstore.Store
	evaluator *Evaluator
	enqueuer  DeletionEnqueuer
	interval  time.Duration
	domainIDs func(ctx context.Context) ([]string, error)
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper. domainIDs supplies the domains swept each
// pass.
func NewSweeper(repo *Repository, messages *message.Repository, store objectstore.Store, evaluator *Evaluator, enqueuer DeletionEnqueuer, interval time.Duration, domainIDs func(ctx context.Context) ([]string, error), logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		repo:      repo,
		messages:  messages,
		store:     store,
		evaluator: evaluator,
		enqueuer:  enqueuer,
		interval:  interval,
		domainIDs: domainIDs,
		logger:    logger.With(slog.String("component", "retention_sweeper")),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			domains, err := s.domainIDs(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to list domains for sweep", slog.String("error", err.Error()))
				continue
			}
			for _, domainID := range domains {
				summary, err := s.SweepDomain(ctx, domainID)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					s.logger.ErrorContext(ctx, "Domain sweep failed",
						slog.String("domain_id", domainID),
						slog.String("error", err.Error()),
					)
					continue
				}
				s.logger.InfoContext(ctx, "Domain sweep finished",
					slog.String("domain_id", domainID),
					slog.Int("processed", summary.Processed),
					slog.Int("deleted", summary.Deleted),
					slog.Int("archived", summary.Archived),
					slog.Int("skipped", summary.Skipped),
					slog.Int("failed", summary.Failed),
					slog.Int64("bytes_reclaimed", summary.BytesReclaimed),
					slog.Duration("duration", summary.Duration),
				)
			}
		}
	}
}

// SweepDomain evaluates every candidate message in the domain once and
// applies the winning expired policy's action. Expired messages under an
// active legal hold are skipped.
func (s *Sweeper) SweepDomain(ctx context.Context, domainID string) (*SweepSummary, error) {
	started := s.now()
	summary := &SweepSummary{DomainID: domainID}

	policies, err := s.repo.ListPolicies(ctx, domainID)
	if err != nil {
		return nil, err
	}
	enabled := policies[:0]
	minDays := 0
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		enabled = append(enabled, p)
		if p.RetentionDays > 0 && (minDays == 0 || p.RetentionDays < minDays) {
			minDays = p.RetentionDays
		}
	}
	if len(enabled) == 0 || minDays == 0 {
		summary.Duration = s.now().Sub(started)
		return summary, nil
	}
	SortPolicies(enabled)

	// Nothing younger than the tightest retention window can be expired.
	cutoff := s.now().Add(-time.Duration(minDays) * 24 * time.Hour)
	holdsByOrg := make(map[string][]*Hold)

	var startKey map[string]dynamoAttr
	for {
		msgs, next, err := s.messages.QueryDomainOlderThan(ctx, domainID, cutoff, startKey)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Processed++

			verdict := s.evaluator.Evaluate(m, enabled)
			if !verdict.Expired {
				continue
			}

			holds, ok := holdsByOrg[m.OrgID]
			if !ok {
				holds, err = s.repo.ListHolds(ctx, m.OrgID)
				if err != nil {
					return summary, err
				}
				holdsByOrg[m.OrgID] = holds
			}
			if s.evaluator.IsHeld(ctx, m, holds) {
				summary.Skipped++
				s.logger.InfoContext(ctx, "Retention suppressed by legal hold",
					slog.String("message_id", m.MessageID),
					slog.String("policy_id", verdict.Policy.PolicyID),
				)
				continue
			}

			switch verdict.Policy.Action {
			case ActionArchive:
				if err := s.archive(ctx, m); err != nil {
					summary.Failed++
					s.logger.ErrorContext(ctx, "Archive failed",
						slog.String("message_id", m.MessageID),
						slog.String("error", err.Error()),
					)
					continue
				}
				summary.Archived++
			case ActionDelete:
				if err := s.enqueuer.EnqueueExpired(ctx, m, verdict.Policy.PolicyID); err != nil {
					summary.Failed++
					s.logger.ErrorContext(ctx, "Deletion enqueue failed",
						slog.String("message_id", m.MessageID),
						slog.String("error", err.Error()),
					)
					continue
				}
				summary.Deleted++
				summary.BytesReclaimed += m.Size
			}
		}
		if len(next) == 0 {
			break
		}
		startKey = next
	}

	summary.Duration = s.now().Sub(started)
	return summary, nil
}

// archive moves the message body to the archive path and stamps the cold
// tier hint on its metadata.
func (s *Sweeper) archive(ctx context.Context, m *message.Message) error {
	key, err := storagekey.ForArchive(m.OrgID, m.DomainID, m.UserID, m.MessageID, m.CreatedAt)
	if err != nil {
		return err
	}
	dest := key.String()
	if err := s.store.Move(ctx, m.StorageKey, dest); err != nil {
		return err
	}
	return s.messages.SetStorage(ctx, m.MailboxID, m.MessageID, dest, ArchiveTierCold)
}
