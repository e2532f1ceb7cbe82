// Package jobs defines the shared job state machine and lease timing used
// by the export and deletion workers.
package jobs

import "time"

// Status is a job's lifecycle state. Jobs move monotonically; cancelled
// and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Lease timing. A worker stamps heartbeatAt every HeartbeatInterval while
// running; a lease whose heartbeat is older than StaleAfter may be
// reclaimed by another worker.
const (
	HeartbeatInterval = 30 * time.Second
	StaleAfter        = 3 * HeartbeatInterval
)

// transitions maps each status to the set it may move to.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusApproved:  true,
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusApproved: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Cancellable reports whether a job in this status may still be cancelled.
func (s Status) Cancellable() bool {
	return transitions[s][StatusCancelled]
}
