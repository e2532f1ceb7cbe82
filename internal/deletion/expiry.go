package deletion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/enterprise-email/mailplane/internal/message"
	"github.com/enterprise-email/mailplane/internal/queue"
	"github.com/enterprise-email/mailplane/internal/retention"
)

// Enqueuer turns retention-expired messages into deletion jobs. Policy
// expiry needs no human approval: the retention policy is the approval,
// so the job is created pre-approved and the worker is woken
// immediately. Satisfies retention.DeletionEnqueuer.
type Enqueuer struct {
	repo      *Repository
	audit     *AuditTrail
	publisher *queue.Publisher
	newID     func() string
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(repo *Repository, audit *AuditTrail, publisher *queue.Publisher) *Enqueuer {
	return &Enqueuer{
		repo:      repo,
		audit:     audit,
		publisher: publisher,
		newID:     uuid.NewString,
	}
}

// EnqueueExpired creates a pre-approved selective deletion job for one
// expired message and publishes its wake-up notice. A lost notice is
// recovered by the worker's claim sweep; a duplicate enqueue for a
// message already deleted resolves as a skip at execution time.
func (e *Enqueuer) EnqueueExpired(ctx context.Context, m *message.Message, policyID string) error {
	actor := "policy:" + policyID
	job := &Job{
		JobID:       e.newID(),
		OrgID:       m.OrgID,
		DomainID:    m.DomainID,
		Kind:        KindSelective,
		Compliance:  ComplianceRetention,
		Target: Target{
			MailboxID:  m.MailboxID,
			MessageIDs: []string{m.MessageID},
		},
		RequestedBy: actor,
		Reason:      "retention policy expiry",
	}
	if err := e.repo.Create(ctx, job); err != nil {
		if errors.Is(err, ErrJobExists) {
			return nil
		}
		return fmt.Errorf("enqueue expired message: %w", err)
	}
	if err := e.audit.Append(ctx, &Event{JobID: job.JobID, Type: EventCreated, Actor: actor}); err != nil {
		return err
	}

	if err := e.approveSystem(ctx, job, actor); err != nil {
		return err
	}
	return e.publisher.Publish(ctx, queue.JobNotice{
		Kind:     queue.KindDeletion,
		JobID:    job.JobID,
		DomainID: job.DomainID,
	})
}

// approveSystem flips the fresh job straight to approved. The self-
// approval guard compares actors, so the approver is the policy rather
// than the enqueuing process.
func (e *Enqueuer) approveSystem(ctx context.Context, job *Job, policyActor string) error {
	if err := e.repo.Approve(ctx, job.DomainID, job.JobID, "system:retention"); err != nil {
		return err
	}
	return e.audit.Append(ctx, &Event{
		JobID:  job.JobID,
		Type:   EventApproved,
		Actor:  "system:retention",
		Detail: policyActor,
	})
}

var _ retention.DeletionEnqueuer = (*Enqueuer)(nil)
