package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koinelab/trilha/internal/progress/merge"
	"github.com/koinelab/trilha/internal/progress/schema"
)

// outcome is what reconciling one module did.
type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeDownloaded
	outcomeUploaded
	outcomeMerged
)

// FullSyncResult summarizes a FullSync pass.
type FullSyncResult struct {
	Downloaded int       `json:"downloaded" yaml:"downloaded"`
	Uploaded   int       `json:"uploaded" yaml:"uploaded"`
	Merged     int       `json:"merged" yaml:"merged"`
	Unchanged  int       `json:"unchanged" yaml:"unchanged"`
	Failed     int       `json:"failed" yaml:"failed"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Changed returns the number of modules written on either side.
func (r *FullSyncResult) Changed() int {
	return r.Downloaded + r.Uploaded + r.Merged
}

func (r *FullSyncResult) add(o outcome) {
	switch o {
	case outcomeDownloaded:
		r.Downloaded++
	case outcomeUploaded:
		r.Uploaded++
	case outcomeMerged:
		r.Merged++
	default:
		r.Unchanged++
	}
}

// reconcile resolves local against the cloud copy and writes the result
// back to whichever side is stale. The caller must hold the module lock.
// A nil cloud leaves local untouched, and so does a cloud write still queued
// for the module: the cloud copy is older than that write and must not
// undo a delete or reset.
func (m *Manager) reconcile(ctx context.Context, local, cloud *schema.ProgressRecord) (*schema.ProgressRecord, outcome, error) {
	if cloud == nil {
		return local, outcomeUnchanged, nil
	}

	if kind, ok := m.queue.PendingKind(m.cloud.UserID(), local.ModuleID); ok {
		m.log.Debug("cloud write pending, keeping local progress", "module", local.ModuleID, "task", string(kind))
		return local, outcomeUnchanged, nil
	}

	if local.IsDefault() {
		rec := cloud.Clone()
		return rec, outcomeDownloaded, m.store(ctx, rec)
	}

	if merge.Equivalent(local, cloud) {
		if local.SyncState != schema.StateSynced && cloud.SyncedAt != nil {
			ok, err := m.local.MarkSynced(ctx, local.ModuleID, local.UpdatedAt, *cloud.SyncedAt)
			if err != nil {
				m.log.Warn("failed to mark progress synced", "module", local.ModuleID, "error", err)
			}
			if ok {
				synced := *cloud.SyncedAt
				local.SyncState = schema.StateSynced
				local.SyncedAt = &synced
				m.remember(local)
			}
		}
		return local, outcomeUnchanged, nil
	}

	merged := merge.Merge(local, cloud, m.stamp(local.UpdatedAt))

	if merge.Equivalent(merged, cloud) {
		// Only the local side is stale. Keep the cloud content, stamped
		// after the local version it replaces.
		rec := cloud.Clone()
		rec.UpdatedAt = merged.UpdatedAt
		m.log.Debug("took cloud progress", "module", rec.ModuleID)
		return rec, outcomeDownloaded, m.store(ctx, rec)
	}

	o := outcomeMerged
	if merge.Equivalent(merged, local) {
		o = outcomeUploaded
	}
	err := m.commit(ctx, merged)
	m.log.Info("merged local and cloud progress",
		"module", merged.ModuleID,
		"blocks", len(merged.CompletedBlocks),
		"conflicts", merge.Conflicts(local, cloud))
	return merged, o, err
}

// store writes rec to the local store and the in-memory fallback.
func (m *Manager) store(ctx context.Context, rec *schema.ProgressRecord) error {
	m.remember(rec)
	if err := m.local.PutContext(ctx, rec); err != nil {
		m.log.Error("failed to save progress locally", "module", rec.ModuleID, "error", err)
		return err
	}
	return nil
}

// FullSync reconciles every module present locally or in the cloud.
// Cloud-only records are downloaded, local-only records are queued for
// upload and records present on both sides are merged.
func (m *Manager) FullSync(ctx context.Context) (*FullSyncResult, error) {
	if !m.cloudReady() {
		return nil, ErrSyncDisabled
	}
	if !m.fullSyncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer m.fullSyncing.Store(false)

	res := &FullSyncResult{StartedAt: m.clock.Now().UTC()}
	m.log.Info("starting full sync")

	var locals, clouds []*schema.ProgressRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		locals, err = m.local.ListContext(gctx)
		if err != nil {
			return fmt.Errorf("failed to list local progress: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		clouds, err = m.cloud.List(gctx)
		if err != nil {
			return fmt.Errorf("failed to list cloud progress: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		m.noteError(err)
		m.log.Warn("full sync aborted", "error", err)
		return nil, err
	}

	cloudByID := make(map[string]*schema.ProgressRecord, len(clouds))
	ids := make(map[string]struct{}, len(locals)+len(clouds))
	for _, r := range clouds {
		cloudByID[r.ModuleID] = r
		ids[r.ModuleID] = struct{}{}
	}
	for _, r := range locals {
		ids[r.ModuleID] = struct{}{}
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o, err := m.syncModule(ctx, id, cloudByID[id])
		if err != nil {
			res.Failed++
			m.log.Warn("failed to sync module", "module", id, "error", err)
			continue
		}
		res.add(o)
	}

	res.FinishedAt = m.clock.Now().UTC()
	m.statusMu.Lock()
	m.lastFullSync = res
	m.statusMu.Unlock()
	m.noteSync(res.FinishedAt)
	m.queue.Kick()

	m.log.Info("full sync completed",
		"downloaded", res.Downloaded, "uploaded", res.Uploaded,
		"merged", res.Merged, "unchanged", res.Unchanged, "failed", res.Failed)
	m.emit(Event{Type: EventFullSync, Result: res})
	return res, nil
}

func (m *Manager) syncModule(ctx context.Context, moduleID string, cloud *schema.ProgressRecord) (outcome, error) {
	unlock := m.locks.lock(moduleID)
	defer unlock()

	local := m.readLocal(ctx, moduleID)
	if cloud != nil {
		_, o, err := m.reconcile(ctx, local, cloud)
		return o, err
	}
	if local.IsDefault() {
		return outcomeUnchanged, nil
	}

	// Present only on this device.
	local.SyncState = schema.StateLocalOnly
	local.SyncedAt = nil
	return outcomeUploaded, m.commit(ctx, local)
}

// ResyncPending queues a cloud save for every record whose earlier cloud
// write was abandoned or skipped while offline. It returns the number of
// records queued.
func (m *Manager) ResyncPending(ctx context.Context) (int, error) {
	if !m.cloudReady() {
		return 0, nil
	}

	pending, err := m.local.ListUnsynced(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unsynced progress: %w", err)
	}

	n := 0
	for _, r := range pending {
		unlock := m.locks.lock(r.ModuleID)
		current := m.readLocal(ctx, r.ModuleID)
		if !current.IsDefault() {
			m.enqueueSave(current)
			n++
		}
		unlock()
	}

	if n > 0 {
		m.log.Info("queued offline changes", "count", n)
	}
	return n, nil
}
