package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/enterprise-email/mailplane/internal/dedup"
	"github.com/enterprise-email/mailplane/internal/jobs"
	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/objectstore"
	"github.com/enterprise-email/mailplane/internal/quota"
	"github.com/enterprise-email/mailplane/internal/retention"
)

// DefaultWorkers is the default deletion pool size.
const DefaultWorkers = 2

var deletionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailplane_deletion_jobs_total",
	Help: "Deletion job outcomes by terminal status.",
}, []string{"status"})

// errCancelled aborts a run when the job record flipped to cancelled.
var errCancelled = errors.New("job cancelled")

// Worker claims and executes approved deletion jobs. Legal holds are
// re-checked at execution time: an approval does not override a hold
// placed after it.
type Worker struct {
	repo      *Repository
	audit     *AuditTrail
	messages  *message.Repository
	store     objectstore.Store
	index     *dedup.Index
	quotas    *quota.Engine
	holds     *retention.Repository
	evaluator *retention.Evaluator
	owner     string
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker creates a Worker. owner identifies this process in leases.
func NewWorker(repo *Repository, audit *AuditTrail, messages *message.Repository, store objectstore.Store, index *dedup.Index, quotas *quota.Engine, holds *retention.Repository, evaluator *retention.Evaluator, owner string, logger *slog.Logger) *Worker {
	return &Worker{
		repo:      repo,
		audit:     audit,
		messages:  messages,
		store:     store,
		index:     index,
		quotas:    quotas,
		holds:     holds,
		evaluator: evaluator,
		owner:     owner,
		logger:    logger.With(slog.String("component", "deletion_worker")),
		now:       time.Now,
	}
}

// Process claims the job and runs the cascade to a terminal state. A job
// not yet approved, already claimed, or already finished is not an
// error.
func (w *Worker) Process(ctx context.Context, domainID, jobID string) error {
	ctx, span := otel.Tracer("mailplane/deletion").Start(ctx, "DeletionJob",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.String("domain_id", domainID),
		))
	defer span.End()

	job, err := w.repo.Claim(ctx, domainID, jobID, w.owner)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) {
			w.logger.DebugContext(ctx, "Deletion job not claimable",
				slog.String("job_id", jobID),
			)
			return nil
		}
		return err
	}

	w.logger.InfoContext(ctx, "Deletion job started",
		slog.String("job_id", job.JobID),
		slog.String("domain_id", job.DomainID),
		slog.String("kind", string(job.Kind)),
		slog.String("compliance", string(job.Compliance)),
	)
	if err := w.audit.Append(ctx, &Event{JobID: job.JobID, Type: EventStarted, Actor: w.owner}); err != nil {
		return err
	}

	runErr := w.run(ctx, job)
	switch {
	case errors.Is(runErr, errCancelled):
		deletionOutcomes.WithLabelValues(string(jobs.StatusCancelled)).Inc()
		w.logger.InfoContext(ctx, "Deletion job cancelled", slog.String("job_id", job.JobID))
		return w.audit.Append(ctx, &Event{JobID: job.JobID, Type: EventCancelled, Actor: w.owner})
	case runErr != nil:
		deletionOutcomes.WithLabelValues(string(jobs.StatusFailed)).Inc()
		w.logger.ErrorContext(ctx, "Deletion job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", runErr.Error()),
		)
		if err := w.repo.Finish(ctx, job.DomainID, job.JobID, w.owner, jobs.StatusFailed, runErr.Error()); err != nil && !errors.Is(err, ErrNotLeaseOwner) {
			return err
		}
		return w.audit.Append(ctx, &Event{JobID: job.JobID, Type: EventFinished, Detail: "failed: " + runErr.Error()})
	}

	if err := w.repo.Finish(ctx, job.DomainID, job.JobID, w.owner, jobs.StatusCompleted, ""); err != nil {
		return err
	}
	deletionOutcomes.WithLabelValues(string(jobs.StatusCompleted)).Inc()
	w.logger.InfoContext(ctx, "Deletion job completed",
		slog.String("job_id", job.JobID),
		slog.Int("deleted", job.Deleted),
		slog.Int("skipped", job.Skipped),
		slog.Int64("bytes_freed", job.BytesFreed),
	)
	return w.audit.Append(ctx, &Event{JobID: job.JobID, Type: EventFinished, Detail: "completed"})
}

func (w *Worker) run(ctx context.Context, job *Job) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var cancelled atomic.Bool
	go w.heartbeat(runCtx, job, &cancelled)

	targets, err := w.resolveTargets(runCtx, job)
	if err != nil {
		return err
	}
	holds, err := w.holds.ListHolds(runCtx, job.OrgID)
	if err != nil {
		return err
	}

	deleted, skipped, failed := 0, 0, 0
	var bytesFreed int64
	var firstErr error

	for _, m := range targets {
		if err := runCtx.Err(); err != nil {
			return err
		}
		if cancelled.Load() {
			return errCancelled
		}

		if w.evaluator.IsHeld(runCtx, m, holds) {
			skipped++
			if err := w.audit.Append(runCtx, &Event{
				JobID:     job.JobID,
				Type:      EventSkippedHold,
				MessageID: m.MessageID,
			}); err != nil {
				return err
			}
			continue
		}

		if err := w.deleteOne(runCtx, m); err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", m.MessageID, err)
			}
			w.logger.WarnContext(runCtx, "Object deletion failed",
				slog.String("job_id", job.JobID),
				slog.String("message_id", m.MessageID),
				slog.String("error", err.Error()),
			)
		} else {
			deleted++
			bytesFreed += m.Size
			if err := w.audit.Append(runCtx, &Event{
				JobID:     job.JobID,
				Type:      EventObjectDeleted,
				MessageID: m.MessageID,
			}); err != nil {
				return err
			}
		}

		job.Deleted, job.Skipped, job.Failed, job.BytesFreed = deleted, skipped, failed, bytesFreed
		if err := w.repo.SetProgress(runCtx, job.DomainID, job.JobID, w.owner, deleted, skipped, failed, bytesFreed); err != nil {
			if errors.Is(err, ErrNotLeaseOwner) {
				return errCancelled
			}
			return err
		}
	}

	// Completed means every target is deleted or legitimately skipped.
	if failed > 0 {
		return firstErr
	}
	return nil
}

// deleteOne runs the cascade for a single message: dedup references,
// then the stored body object, then the metadata row, then the quota
// release. References only drop refcounts: shared blobs are reclaimed
// by the quarantine GC, but the body object belongs to this message
// alone and is always removed here. Each step is idempotent, so a
// crashed cascade re-runs cleanly.
func (w *Worker) deleteOne(ctx context.Context, m *message.Message) error {
	refs, err := w.index.ReferencesForMessage(ctx, m.OrgID, m.MessageID)
	if err != nil {
		return err
	}
	for _, refID := range refs {
		if _, err := w.index.RemoveReference(ctx, m.OrgID, refID); err != nil {
			return err
		}
	}
	if err := w.store.Delete(ctx, m.StorageKey); err != nil {
		return err
	}

	if err := w.messages.Delete(ctx, m.MailboxID, m.MessageID); err != nil {
		return err
	}

	scope := quota.Scope{
		OrgID:     m.OrgID,
		DomainID:  m.DomainID,
		UserID:    m.UserID,
		MailboxID: m.MailboxID,
	}
	return w.quotas.Commit(ctx, scope, -m.Size, -1)
}

// resolveTargets expands the job's kind and target spec to concrete
// messages. A selective target naming an absent message is dropped, not
// failed: a retried job must not break on work it already did.
func (w *Worker) resolveTargets(ctx context.Context, job *Job) ([]*message.Message, error) {
	var candidates []*message.Message

	switch job.Kind {
	case KindSelective:
		for _, id := range job.Target.MessageIDs {
			m, err := w.messages.Get(ctx, job.Target.MailboxID, id)
			if err != nil {
				if errors.Is(err, message.ErrMessageNotFound) {
					continue
				}
				return nil, err
			}
			candidates = append(candidates, m)
		}
	case KindMailbox:
		var startKey map[string]dynamoAttr
		for {
			msgs, next, err := w.messages.QueryByMailbox(ctx, job.Target.MailboxID, startKey)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, msgs...)
			if len(next) == 0 {
				break
			}
			startKey = next
		}
	case KindUser:
		var startKey map[string]dynamoAttr
		for {
			msgs, next, err := w.messages.QueryByUser(ctx, job.Target.UserID, startKey)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, msgs...)
			if len(next) == 0 {
				break
			}
			startKey = next
		}
	case KindDomain:
		cutoff := job.Target.OlderThan
		if cutoff.IsZero() {
			cutoff = w.now()
		}
		var startKey map[string]dynamoAttr
		for {
			msgs, next, err := w.messages.QueryDomainOlderThan(ctx, job.DomainID, cutoff, startKey)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, msgs...)
			if len(next) == 0 {
				break
			}
			startKey = next
		}
	default:
		return nil, fmt.Errorf("unknown deletion kind %q", job.Kind)
	}

	if job.Target.OlderThan.IsZero() || job.Kind == KindDomain {
		return candidates, nil
	}
	filtered := candidates[:0]
	for _, m := range candidates {
		if m.CreatedAt.Before(job.Target.OlderThan) {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// heartbeat stamps the lease on the interval and watches for external
// cancellation of the job record.
func (w *Worker) heartbeat(ctx context.Context, job *Job, cancelled *atomic.Bool) {
	ticker := time.NewTicker(jobs.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(ctx, job.DomainID, job.JobID, w.owner); err != nil {
				if errors.Is(err, ErrNotLeaseOwner) {
					cancelled.Store(true)
					return
				}
				w.logger.WarnContext(ctx, "Heartbeat failed",
					slog.String("job_id", job.JobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			current, err := w.repo.Get(ctx, job.DomainID, job.JobID)
			if err == nil && current.Status == jobs.StatusCancelled {
				cancelled.Store(true)
				return
			}
		}
	}
}
