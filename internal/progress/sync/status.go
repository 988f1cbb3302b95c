package sync

import (
	"context"
	"time"

	"github.com/koinelab/trilha/internal/progress/localstore"
	"github.com/koinelab/trilha/internal/progress/queue"
)

// EventType names a kind of sync activity.
type EventType string

const (
	EventTaskDone      EventType = "task_done"
	EventTaskRetry     EventType = "task_retry"
	EventTaskAbandoned EventType = "task_abandoned"
	EventFullSync      EventType = "full_sync"
)

// Event describes sync activity, for dashboards and logs.
type Event struct {
	Type          EventType       `json:"type"`
	At            time.Time       `json:"at"`
	TaskID        string          `json:"task_id,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	ModuleID      string          `json:"module_id,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	Error         string          `json:"error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	Result        *FullSyncResult `json:"result,omitempty"`
}

// Status is a snapshot of sync health.
type Status struct {
	CanSync        bool              `json:"can_sync" yaml:"can_sync"`
	Online         bool              `json:"online" yaml:"online"`
	CloudEnabled   bool              `json:"cloud_enabled" yaml:"cloud_enabled"`
	SyncInProgress bool              `json:"sync_in_progress" yaml:"sync_in_progress"`
	PendingTasks   int               `json:"pending_tasks" yaml:"pending_tasks"`
	LastSyncAt     *time.Time        `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	LastError      string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastFullSync   *FullSyncResult   `json:"last_full_sync,omitempty" yaml:"last_full_sync,omitempty"`
	Queue          queue.Stats       `json:"queue" yaml:"queue"`
	Local          *localstore.Stats `json:"local,omitempty" yaml:"local,omitempty"`
}

// Status reports sync health. Local store counts are omitted when the store
// cannot be read.
func (m *Manager) Status(ctx context.Context) Status {
	qs := m.queue.Stats()
	s := Status{
		CanSync:        m.cloud.CanSync(),
		Online:         m.online.Load(),
		CloudEnabled:   m.cloud.Enabled(),
		SyncInProgress: m.fullSyncing.Load() || m.queue.Draining(),
		PendingTasks:   qs.Pending,
		Queue:          qs,
	}

	m.statusMu.Lock()
	if !m.lastSyncAt.IsZero() {
		t := m.lastSyncAt
		s.LastSyncAt = &t
	}
	s.LastError = m.lastError
	if m.lastFullSync != nil {
		r := *m.lastFullSync
		s.LastFullSync = &r
	}
	m.statusMu.Unlock()

	if ls, err := m.local.Stats(ctx); err == nil {
		s.Local = ls
	} else {
		m.log.Debug("local stats unavailable", "error", err)
	}
	return s
}
