package queue

import (
	"time"

	"github.com/koinelab/trilha/internal/progress/schema"
)

// Kind is the cloud operation a task performs.
type Kind string

const (
	KindSave   Kind = "save"
	KindDelete Kind = "delete"
	KindBackup Kind = "backup"
)

// State is the lifecycle position of a task.
//
//	pending -> in-flight -> done
//	                     -> retry-scheduled -> in-flight ...
//	                     -> abandoned
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in-flight"
	StateRetrying  State = "retry-scheduled"
	StateDone      State = "done"
	StateAbandoned State = "abandoned"
)

// Task is one pending cloud operation.
type Task struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	UserID   string `json:"user_id"`
	ModuleID string `json:"module_id,omitempty"`

	Record *schema.ProgressRecord `json:"record,omitempty"`
	Backup *schema.Backup         `json:"backup,omitempty"`

	// Attempt counts failed deliveries so far.
	Attempt       int       `json:"attempt"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	State         State     `json:"state"`
	LastError     string    `json:"last_error,omitempty"`

	seq uint64
}

// Key identifies the slot a task occupies. Saves and deletes of the same
// module share a slot so the newest intent replaces older ones.
func (t *Task) Key() string {
	if t.Kind == KindBackup {
		return "backup:" + t.ID
	}
	return "module:" + t.UserID + "/" + t.ModuleID
}

// Due reports whether the task may be attempted at now.
func (t *Task) Due(now time.Time) bool {
	if t.State != StatePending && t.State != StateRetrying {
		return false
	}
	return t.NextAttemptAt.IsZero() || !now.Before(t.NextAttemptAt)
}

// UpdatedAt returns the client timestamp of the record carried by a save.
func (t *Task) UpdatedAt() time.Time {
	if t.Record == nil {
		return time.Time{}
	}
	return t.Record.UpdatedAt
}
