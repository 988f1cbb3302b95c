package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/koinelab/trilha/internal/progress/cloudstore"
	"github.com/koinelab/trilha/internal/progress/queue"
	"github.com/koinelab/trilha/internal/progress/schema"
)

// errOffline is returned to the queue while the device is offline. It is
// retryable, so the task waits for its next scheduled attempt.
var errOffline = &cloudstore.SyncError{Op: "send", Transient: true, Err: errors.New("device is offline")}

// send delivers one queued task through the cloud gate.
func (m *Manager) send(ctx context.Context, t queue.Task) (time.Time, error) {
	if !m.online.Load() {
		return time.Time{}, errOffline
	}

	switch t.Kind {
	case queue.KindSave:
		return m.cloud.Set(ctx, t.UserID, t.ModuleID, t.Record)
	case queue.KindDelete:
		if err := m.cloud.Delete(ctx, t.UserID, t.ModuleID); err != nil {
			return time.Time{}, err
		}
		return m.clock.Now().UTC(), nil
	case queue.KindBackup:
		return m.cloud.PutBackup(ctx, t.UserID, t.Backup)
	}
	return time.Time{}, fmt.Errorf("unknown task kind %q", t.Kind)
}

func (m *Manager) handleDone(t queue.Task, syncedAt time.Time) {
	if syncedAt.IsZero() {
		syncedAt = m.clock.Now().UTC()
	}

	if t.Kind == queue.KindSave {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		ok, err := m.local.MarkSynced(ctx, t.ModuleID, t.UpdatedAt(), syncedAt)
		cancel()
		if err != nil {
			m.log.Warn("failed to mark progress synced", "module", t.ModuleID, "error", err)
		}
		if ok {
			m.setCachedState(t.ModuleID, t.UpdatedAt(), schema.StateSynced, &syncedAt)
		}
	}

	m.noteSync(syncedAt)
	m.emit(Event{Type: EventTaskDone, TaskID: t.ID, Kind: string(t.Kind), ModuleID: t.ModuleID, Attempt: t.Attempt})
}

func (m *Manager) handleRetry(t queue.Task, err error) {
	m.noteError(err)
	m.emit(Event{
		Type: EventTaskRetry, TaskID: t.ID, Kind: string(t.Kind), ModuleID: t.ModuleID,
		Attempt: t.Attempt, Error: err.Error(), NextAttemptAt: t.NextAttemptAt,
	})
}

func (m *Manager) handleAbandon(t queue.Task, err error) {
	m.noteError(err)

	if t.Kind == queue.KindSave {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		ferr := m.local.MarkUnsynced(ctx, t.ModuleID, t.UpdatedAt())
		cancel()
		if ferr != nil {
			m.log.Warn("failed to flag progress for resync", "module", t.ModuleID, "error", ferr)
		}
		m.setCachedState(t.ModuleID, t.UpdatedAt(), schema.StateLocalOnly, nil)
	}

	m.emit(Event{Type: EventTaskAbandoned, TaskID: t.ID, Kind: string(t.Kind), ModuleID: t.ModuleID, Attempt: t.Attempt, Error: err.Error()})
}

// setCachedState updates the in-memory copy if it is still the version
// identified by updatedAt.
func (m *Manager) setCachedState(moduleID string, updatedAt time.Time, state schema.SyncState, syncedAt *time.Time) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	rec, ok := m.cache[moduleID]
	if !ok || !rec.UpdatedAt.Equal(updatedAt) {
		return
	}
	rec.SyncState = state
	if syncedAt != nil {
		t := *syncedAt
		rec.SyncedAt = &t
	}
}

// Backup queues a cloud snapshot of every local record and returns its id.
func (m *Manager) Backup(ctx context.Context) (string, error) {
	if !m.cloud.CanSync() {
		return "", ErrSyncDisabled
	}

	records, err := m.local.ListContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list local progress: %w", err)
	}

	b := &schema.Backup{
		ID:        uuid.NewString(),
		UserID:    m.cloud.UserID(),
		CreatedAt: m.clock.Now().UTC(),
		Records:   records,
	}
	if _, err := m.queue.Enqueue(queue.Task{ID: b.ID, Kind: queue.KindBackup, UserID: b.UserID, Backup: b}); err != nil {
		return "", fmt.Errorf("failed to queue backup: %w", err)
	}

	m.log.Info("queued progress backup", "backup", b.ID, "records", len(records))
	return b.ID, nil
}

// Flush runs one drain pass and flags every save still queued afterwards as
// needing a resync, so it survives the end of the process. Queued deletes
// and backups that could not be delivered are logged and dropped.
func (m *Manager) Flush(ctx context.Context) (queue.DrainResult, error) {
	res, _ := m.queue.Drain(ctx)

	var errs []error
	for _, t := range m.queue.Pending() {
		if t.Kind != queue.KindSave {
			m.log.Warn("dropping undelivered cloud task", "task", t.ID, "kind", string(t.Kind), "module", t.ModuleID)
			continue
		}
		if err := m.local.MarkUnsynced(ctx, t.ModuleID, t.UpdatedAt()); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Close flushes pending cloud writes. The stores are owned by the caller.
func (m *Manager) Close(ctx context.Context) error {
	_, err := m.Flush(ctx)
	return err
}
