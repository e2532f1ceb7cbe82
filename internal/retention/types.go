// Package retention evaluates retention policies against message
// metadata, honors legal holds, and sweeps expired messages into
// archival or deletion.
package retention

import (
	"time"

	"github.com/enterprise-email/mailplane/internal/message"
)

// Action is what happens to a message whose retention expired.
type Action string

const (
	ActionDelete  Action = "delete"
	ActionArchive Action = "archive"
)

// FolderAll is the selector matching every folder in the domain.
const FolderAll = "all"

// Default priorities by selector specificity. A policy naming a specific
// folder outranks one naming a folder type, which outranks the catch-all.
const (
	PriorityAll      = 10
	PriorityStandard = 50
	PriorityCustom   = 100
)

// Policy is one retention rule. RetentionDays zero means no expiry: the
// policy matches but never produces an action, shadowing lower-priority
// rules for its folder.
type Policy struct {
	PolicyID       string   `json:"policyId"`
	DomainID       string   `json:"domainId"`
	FolderType     string   `json:"folderType,omitempty"` // or FolderAll
	FolderID       string   `json:"folderId,omitempty"`
	RetentionDays  int      `json:"retentionDays"`
	Action         Action   `json:"action"`
	Enabled        bool     `json:"enabled"`
	Priority       int      `json:"priority"`
	ExcludeStarred bool     `json:"excludeStarred"`
	ExcludeLabels  []string `json:"excludeLabels,omitempty"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DefaultPriority derives a priority from selector specificity.
func (p *Policy) DefaultPriority() int {
	switch {
	case p.FolderID != "":
		return PriorityCustom
	case p.FolderType != "" && p.FolderType != FolderAll:
		return PriorityStandard
	default:
		return PriorityAll
	}
}

// Matches reports whether the policy's folder selector covers the message.
// Domain scoping is the caller's responsibility.
func (p *Policy) Matches(m *message.Message) bool {
	if !p.Enabled {
		return false
	}
	if p.FolderID != "" {
		return p.FolderID == m.FolderID
	}
	if p.FolderType != "" && p.FolderType != FolderAll {
		return p.FolderType == m.FolderType
	}
	return true
}

// ExpiryAt computes when the message leaves retention under this policy.
// The zero time means the policy never expires it.
func (p *Policy) ExpiryAt(m *message.Message) time.Time {
	if p.RetentionDays <= 0 {
		return time.Time{}
	}
	return m.CreatedAt.Add(time.Duration(p.RetentionDays) * 24 * time.Hour)
}

// HoldScope identifies what a legal hold covers.
type HoldScope string

const (
	HoldScopeOrg    HoldScope = "org"
	HoldScopeDomain HoldScope = "domain"
	HoldScopeUser   HoldScope = "user"
)

// Hold is a legal hold. While active it suppresses retention actions and
// deletions for every covered message, including messages created before
// StartDate. Empty Keywords covers all messages in scope; otherwise a
// message is covered only when a keyword appears in its subject or body.
type Hold struct {
	HoldID    string    `json:"holdId"`
	OrgID     string    `json:"orgId"`
	Scope     HoldScope `json:"scope"`
	ScopeID   string    `json:"scopeId"` // org, domain, or user id per Scope
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate,omitempty"` // zero = indefinite
	Keywords  []string  `json:"keywords,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time
}

// ActiveAt reports whether the hold is in force at the given instant.
func (h *Hold) ActiveAt(at time.Time) bool {
	if !h.Active {
		return false
	}
	if !h.EndDate.IsZero() && !at.Before(h.EndDate) {
		return false
	}
	return true
}

// ScopeCovers reports whether the hold's scope includes the message.
func (h *Hold) ScopeCovers(m *message.Message) bool {
	switch h.Scope {
	case HoldScopeOrg:
		return h.ScopeID == m.OrgID
	case HoldScopeDomain:
		return h.ScopeID == m.DomainID
	case HoldScopeUser:
		return h.ScopeID == m.UserID
	}
	return false
}

// SweepSummary is one domain's tally for a sweep pass.
type SweepSummary struct {
	DomainID       string        `json:"domainId"`
	Processed      int           `json:"processed"`
	Deleted        int           `json:"deleted"`
	Archived       int           `json:"archived"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	BytesReclaimed int64         `json:"bytesReclaimed"`
	Duration       time.Duration `json:"duration"`
}
