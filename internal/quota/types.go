// Package quota implements hierarchical storage quota admission and
// accounting across org, domain, user, and mailbox levels.
package quota

import "time"

// Default advisory and blocking thresholds, as percentages of totalBytes.
const (
	DefaultSoftLimitPct = 85
	DefaultHardLimitPct = 100
)

// Level identifies a tier in the quota hierarchy.
type Level string

const (
	LevelOrg     Level = "org"
	LevelDomain  Level = "domain"
	LevelUser    Level = "user"
	LevelMailbox Level = "mailbox"
)

// LimitKind distinguishes advisory from blocking breaches.
type LimitKind string

const (
	LimitNone LimitKind = ""
	LimitSoft LimitKind = "soft"
	LimitHard LimitKind = "hard"
)

// Quota is one node in the hierarchy. UsedBytes and ObjectCount are
// mutated only through Commit and the reconciler.
type Quota struct {
	Level        Level  `json:"level"`
	EntityID     string `json:"entityId"`
	ParentID     string `json:"parentId,omitempty"`
	TotalBytes   int64  `json:"totalBytes"`
	UsedBytes    int64  `json:"usedBytes"`
	ObjectCount  int64  `json:"objectCount"`
	SoftLimitPct int    `json:"softLimitPct"`
	HardLimitPct int    `json:"hardLimitPct"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HardLimitBytes is the admission ceiling for this node.
func (q *Quota) HardLimitBytes() int64 {
	return q.TotalBytes * int64(q.HardLimitPct) / 100
}

// SoftLimitBytes is the advisory threshold for this node.
func (q *Quota) SoftLimitBytes() int64 {
	return q.TotalBytes * int64(q.SoftLimitPct) / 100
}

// UsedPct is current usage as a percentage of totalBytes.
func (q *Quota) UsedPct() float64 {
	if q.TotalBytes <= 0 {
		return 0
	}
	return float64(q.UsedBytes) / float64(q.TotalBytes) * 100
}

// Scope names the hierarchy chain an object belongs to. UserID and
// MailboxID may be empty for objects not owned by a user or mailbox.
type Scope struct {
	OrgID     string
	DomainID  string
	UserID    string
	MailboxID string
}

// levelRef is one (level, entity) pair in commit order.
type levelRef struct {
	level    Level
	entityID string
}

// chain returns the scope's populated levels in commit order,
// mailbox first, org last.
func (s Scope) chain() []levelRef {
	refs := make([]levelRef, 0, 4)
	if s.MailboxID != "" {
		refs = append(refs, levelRef{LevelMailbox, s.MailboxID})
	}
	if s.UserID != "" {
		refs = append(refs, levelRef{LevelUser, s.UserID})
	}
	if s.DomainID != "" {
		refs = append(refs, levelRef{LevelDomain, s.DomainID})
	}
	if s.OrgID != "" {
		refs = append(refs, levelRef{LevelOrg, s.OrgID})
	}
	return refs
}

// CheckResult is the admission verdict for a prospective write.
type CheckResult struct {
	Allowed    bool      `json:"allowed"`
	Level      Level     `json:"level,omitempty"`
	LimitKind  LimitKind `json:"limitKind,omitempty"`
	CurrentPct float64   `json:"currentPct"`
}

// LevelUsage is one level's slice of a usage snapshot.
type LevelUsage struct {
	Level        Level   `json:"level"`
	EntityID     string  `json:"entityId"`
	TotalBytes   int64   `json:"totalBytes"`
	UsedBytes    int64   `json:"usedBytes"`
	ObjectCount  int64   `json:"objectCount"`
	UsedPct      float64 `json:"usedPct"`
	SoftBreached bool    `json:"softBreached"`
}

// Usage is a consistent snapshot for a scope, innermost level first,
// including direct-child aggregates of the innermost level.
type Usage struct {
	Scope          []LevelUsage `json:"scope"`
	ChildUsedBytes int64        `json:"childUsedBytes"`
	ChildCount     int          `json:"childCount"`
	TakenAt        time.Time    `json:"takenAt"`
}
