package workspace

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Action string

const (
	ActionCreate    Action = "CREATE"
	ActionUpdate    Action = "UPDATE"
	ActionDelete    Action = "DELETE"
	ActionSyncStart Action = "SYNC_START"
	ActionSyncEnd   Action = "SYNC_END"
	ActionError     Action = "ERROR"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// SyncRunLog is one audit entry. Entries are never changed once appended.
type SyncRunLog struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Status    Status    `json:"status"`
	Email     string    `json:"email,omitempty"`
	Details   any       `json:"details,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RunContext accumulates the audit entries and counters of one run. It is
// created per run and passed explicitly; nothing about a run lives on the
// reconciler itself.
type RunContext struct {
	ID       string
	Strategy Strategy
	Started  time.Time

	now     func() time.Time
	mu      sync.Mutex
	entries []SyncRunLog
	details SyncDetails
}

func NewRunContext(strategy Strategy) *RunContext {
	return newRunContextAt(strategy, time.Now)
}

func newRunContextAt(strategy Strategy, now func() time.Time) *RunContext {
	return &RunContext{
		ID:       ulid.Make().String(),
		Strategy: strategy,
		Started:  now().UTC(),
		now:      now,
	}
}

// Append records an entry stamped with the current time.
func (rc *RunContext) Append(action Action, status Status, email string, details any, err error) {
	var entry = SyncRunLog{
		RunID:     rc.ID,
		Timestamp: rc.now().UTC(),
		Action:    action,
		Status:    status,
		Email:     email,
		Details:   details,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	rc.mu.Lock()
	rc.entries = append(rc.entries, entry)
	rc.mu.Unlock()
}

func (rc *RunContext) count(fn func(*SyncDetails)) {
	rc.mu.Lock()
	fn(&rc.details)
	rc.mu.Unlock()
}

// Entries returns a copy of the entries appended so far.
func (rc *RunContext) Entries() []SyncRunLog {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]SyncRunLog(nil), rc.entries...)
}

func (rc *RunContext) Details() SyncDetails {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.details
}
