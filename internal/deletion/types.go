// Package deletion runs compliance deletions: approval-gated bulk jobs
// plus the single-message expiry stream fed by retention sweeps. Every
// destructive step leaves an audit event; nothing is deleted while a
// legal hold covers it.
package deletion

import (
	"time"

	"github.com/enterprise-email/mailplane/internal/jobs"
)

// Kind scopes what a deletion job removes.
type Kind string

const (
	KindDomain    Kind = "domain"
	KindUser      Kind = "user"
	KindMailbox   Kind = "mailbox"
	KindSelective Kind = "selective"
)

// ValidKind reports whether k names a deletion scope.
func ValidKind(k Kind) bool {
	switch k {
	case KindDomain, KindUser, KindMailbox, KindSelective:
		return true
	}
	return false
}

// Compliance records the legal basis for a deletion job.
type Compliance string

const (
	ComplianceGDPR      Compliance = "gdpr"
	ComplianceRetention Compliance = "retention"
	ComplianceLegal     Compliance = "legal"
	ComplianceManual    Compliance = "manual"
)

// Target narrows a job beyond its kind. Kind decides which fields apply:
// user jobs read UserID, mailbox jobs MailboxID, selective jobs
// MessageIDs within MailboxID. OlderThan, when set, restricts any kind
// to messages received before it.
type Target struct {
	UserID     string    `json:"userId,omitempty"`
	MailboxID  string    `json:"mailboxId,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
	OlderThan  time.Time `json:"olderThan,omitempty"`
}

// Job is one deletion job record. Jobs are created pending and must be
// approved by a second actor before any worker may claim them. A job
// with ScheduledFor set stays unclaimable until that instant passes,
// even once approved.
type Job struct {
	JobID        string      `json:"jobId"`
	OrgID        string      `json:"orgId"`
	DomainID     string      `json:"domainId"`
	Kind         Kind        `json:"kind"`
	Compliance   Compliance  `json:"compliance"`
	Target       Target      `json:"target"`
	RequestedBy  string      `json:"requestedBy"`
	Reason       string      `json:"reason"`
	ScheduledFor time.Time   `json:"scheduledFor,omitempty"`
	ApprovedBy   string      `json:"approvedBy,omitempty"`
	ApprovedAt   time.Time   `json:"approvedAt,omitempty"`
	Status       jobs.Status `json:"status"`
	Deleted      int         `json:"deleted"`
	Skipped      int         `json:"skipped"`
	Failed       int         `json:"failed"`
	BytesFreed   int64       `json:"bytesFreed"`
	Error        string      `json:"error,omitempty"`
	LeaseOwner   string      `json:"-"`
	HeartbeatAt  time.Time   `json:"-"`
	RequestedAt  time.Time   `json:"requestedAt"`
	FinishedAt   time.Time   `json:"finishedAt,omitempty"`
}

// EventType is one audit trail entry type.
type EventType string

const (
	EventCreated       EventType = "created"
	EventApproved      EventType = "approved"
	EventStarted       EventType = "started"
	EventObjectDeleted EventType = "object-deleted"
	EventSkippedHold   EventType = "skipped-hold"
	EventFinished      EventType = "finished"
	EventCancelled     EventType = "cancelled"
)

// Event is one immutable audit trail entry. Entries are append-only and
// read back in chronological order.
type Event struct {
	JobID     string    `json:"jobId"`
	Seq       int       `json:"seq"`
	At        time.Time `json:"at"`
	Type      EventType `json:"type"`
	Actor     string    `json:"actor,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
