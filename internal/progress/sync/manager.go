package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/cloudstore"
	"github.com/koinelab/trilha/internal/progress/localstore"
	"github.com/koinelab/trilha/internal/progress/merge"
	"github.com/koinelab/trilha/internal/progress/queue"
	"github.com/koinelab/trilha/internal/progress/schema"
)

// LocalStore is the durable on-device record store. *localstore.DB
// implements it.
type LocalStore interface {
	GetContext(ctx context.Context, moduleID string) (*schema.ProgressRecord, error)
	PutContext(ctx context.Context, rec *schema.ProgressRecord) error
	DeleteContext(ctx context.Context, moduleID string) error
	ListContext(ctx context.Context) ([]*schema.ProgressRecord, error)
	ListUnsynced(ctx context.Context) ([]*schema.ProgressRecord, error)
	MarkSynced(ctx context.Context, moduleID string, updatedAt, syncedAt time.Time) (bool, error)
	MarkUnsynced(ctx context.Context, moduleID string, updatedAt time.Time) error
	Stats(ctx context.Context) (*localstore.Stats, error)
}

var _ LocalStore = (*localstore.DB)(nil)

var (
	// ErrSyncInProgress is returned by FullSync when another full sync is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrSyncDisabled is returned by operations that need cloud sync when the
	// learner is signed out, not entitled, or no backend is configured.
	ErrSyncDisabled = errors.New("cloud sync is not available")
)

// hookTimeout bounds local bookkeeping done from queue callbacks.
const hookTimeout = 5 * time.Second

// Config holds Manager configuration.
type Config struct {
	// Queue configures retry policy. Its hooks are chained after the
	// Manager's own bookkeeping.
	Queue *queue.Config

	Clock  queue.Clock
	Logger *logger.Logger

	// OnEvent receives sync activity for status displays. It must not block.
	OnEvent func(Event)

	// StartOffline starts the Manager in offline mode.
	StartOffline bool
}

// DefaultConfig returns the standard Manager configuration.
func DefaultConfig() *Config {
	return &Config{
		Queue: queue.DefaultConfig(),
		Clock: queue.SystemClock,
	}
}

// Manager is the progress façade.
type Manager struct {
	local LocalStore
	cloud *cloudstore.Gate
	queue *queue.Queue
	clock queue.Clock
	log   *logger.Logger

	onEvent func(Event)
	locks   moduleLocks

	cacheMu stdsync.RWMutex
	cache   map[string]*schema.ProgressRecord

	online      atomic.Bool
	fullSyncing atomic.Bool

	statusMu     stdsync.Mutex
	lastSyncAt   time.Time
	lastError    string
	lastFullSync *FullSyncResult
}

// New creates a Manager over local and cloud. A nil cloud gate runs the
// Manager in local-only mode.
//
// If config is nil, DefaultConfig is used. If config.Logger is nil, a
// default logger writing to stderr is used.
func New(local LocalStore, cloud *cloudstore.Gate, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	clock := config.Clock
	if clock == nil {
		clock = queue.SystemClock
	}
	log := config.Logger
	if log == nil {
		log = logger.Default()
	}

	m := &Manager{
		local:   local,
		cloud:   cloud,
		clock:   clock,
		log:     log.With("component", "progress"),
		onEvent: config.OnEvent,
		locks:   moduleLocks{locks: make(map[string]*stdsync.Mutex)},
		cache:   make(map[string]*schema.ProgressRecord),
	}
	m.online.Store(!config.StartOffline)

	qcfg := queue.DefaultConfig()
	if config.Queue != nil {
		c := *config.Queue
		qcfg = &c
	}
	qcfg.Clock = clock
	if qcfg.Logger == nil {
		qcfg.Logger = log
	}
	qcfg.OnDone = chainDone(m.handleDone, qcfg.OnDone)
	qcfg.OnRetry = chainErr(m.handleRetry, qcfg.OnRetry)
	qcfg.OnAbandon = chainErr(m.handleAbandon, qcfg.OnAbandon)
	m.queue = queue.New(queue.SenderFunc(m.send), qcfg)

	return m
}

// Queue returns the Manager's sync queue, for the worker started by the daemon.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// Cloud returns the cloud gate. It may be nil.
func (m *Manager) Cloud() *cloudstore.Gate {
	return m.cloud
}

// SaveProgress applies patch to the module's local record and schedules a
// cloud save. The updated record is returned without waiting for the cloud.
func (m *Manager) SaveProgress(ctx context.Context, moduleID string, patch schema.Patch) (*schema.ProgressRecord, error) {
	return m.Update(ctx, moduleID, func(r *schema.ProgressRecord) error {
		patch.Apply(r)
		return nil
	})
}

// Update runs fn on a copy of the module's current record while holding the
// module lock, then saves the result. If fn returns an error nothing is
// saved.
func (m *Manager) Update(ctx context.Context, moduleID string, fn func(*schema.ProgressRecord) error) (*schema.ProgressRecord, error) {
	if moduleID == "" {
		return nil, fmt.Errorf("module id is required")
	}

	unlock := m.locks.lock(moduleID)
	defer unlock()

	current := m.readLocal(ctx, moduleID)
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ModuleID = moduleID
	next.Normalize()
	next.Touch(m.stamp(current.UpdatedAt))
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid progress for %s: %w", moduleID, err)
	}

	err := m.commit(ctx, next)
	return next.Clone(), err
}

// MarkBlockCompleted adds block to the module's completed set.
func (m *Manager) MarkBlockCompleted(ctx context.Context, moduleID, block string) (*schema.ProgressRecord, error) {
	if block == "" {
		return nil, fmt.Errorf("block id is required")
	}
	return m.Update(ctx, moduleID, func(r *schema.ProgressRecord) error {
		r.CompleteBlock(block)
		return nil
	})
}

// SaveBlockAnswer records the learner's answer for block.
func (m *Manager) SaveBlockAnswer(ctx context.Context, moduleID, block, value string, isCorrect bool) (*schema.ProgressRecord, error) {
	if block == "" {
		return nil, fmt.Errorf("block id is required")
	}
	answeredAt := m.clock.Now().UTC()
	return m.Update(ctx, moduleID, func(r *schema.ProgressRecord) error {
		r.SetAnswer(block, schema.Answer{Value: value, IsCorrect: isCorrect, AnsweredAt: answeredAt})
		return nil
	})
}

// AddStudyTime adds minutes to the module's study time.
func (m *Manager) AddStudyTime(ctx context.Context, moduleID string, minutes int) (*schema.ProgressRecord, error) {
	if minutes < 0 {
		return nil, fmt.Errorf("minutes must be non-negative (got %d)", minutes)
	}
	return m.Update(ctx, moduleID, func(r *schema.ProgressRecord) error {
		r.AddTime(minutes)
		return nil
	})
}

// ToggleFavoriteBlock flips block's favorite flag.
func (m *Manager) ToggleFavoriteBlock(ctx context.Context, moduleID, block string) (*schema.ProgressRecord, error) {
	if block == "" {
		return nil, fmt.Errorf("block id is required")
	}
	return m.Update(ctx, moduleID, func(r *schema.ProgressRecord) error {
		r.ToggleFavorite(block)
		return nil
	})
}

// UpdateNotes replaces the module's personal notes.
func (m *Manager) UpdateNotes(ctx context.Context, moduleID, notes string) (*schema.ProgressRecord, error) {
	return m.Update(ctx, moduleID, func(r *schema.ProgressRecord) error {
		r.Notes = notes
		return nil
	})
}

// ResetProgress replaces the module's record with an empty one, locally and
// in the cloud.
func (m *Manager) ResetProgress(ctx context.Context, moduleID string) (*schema.ProgressRecord, error) {
	return m.Update(ctx, moduleID, func(r *schema.ProgressRecord) error {
		*r = *schema.NewRecord(moduleID)
		return nil
	})
}

// DeleteProgress removes the module's record locally and schedules the
// cloud delete. A pending cloud save for the module is superseded.
func (m *Manager) DeleteProgress(ctx context.Context, moduleID string) error {
	if moduleID == "" {
		return fmt.Errorf("module id is required")
	}

	unlock := m.locks.lock(moduleID)
	defer unlock()

	m.forget(moduleID)
	if err := m.local.DeleteContext(ctx, moduleID); err != nil {
		m.log.Error("failed to delete local progress", "module", moduleID, "error", err)
		return err
	}

	if m.cloud.CanSync() {
		if _, err := m.queue.Enqueue(queue.Task{Kind: queue.KindDelete, UserID: m.cloud.UserID(), ModuleID: moduleID}); err != nil {
			m.log.Warn("failed to queue cloud delete", "module", moduleID, "error", err)
		}
	}
	m.log.Info("deleted progress", "module", moduleID)
	return nil
}

// LoadProgress returns the module's progress, reconciled with the cloud
// when possible. It never fails because of the cloud.
func (m *Manager) LoadProgress(ctx context.Context, moduleID string) (*schema.ProgressRecord, error) {
	if moduleID == "" {
		return nil, fmt.Errorf("module id is required")
	}

	unlock := m.locks.lock(moduleID)
	defer unlock()

	local := m.readLocal(ctx, moduleID)
	if !m.cloudReady() {
		return local, nil
	}

	cloud, err := m.cloud.Get(ctx, moduleID)
	if err != nil {
		m.noteError(err)
		m.log.Warn("cloud read failed, using local progress", "module", moduleID, "error", err)
		return local, nil
	}

	rec, _, err := m.reconcile(ctx, local, cloud)
	if err != nil {
		m.log.Warn("reconciled progress not stored locally", "module", moduleID, "error", err)
	}
	return rec, nil
}

// ImportRecord merges an externally supplied record into local progress,
// as if it came from another device.
func (m *Manager) ImportRecord(ctx context.Context, rec *schema.ProgressRecord) (*schema.ProgressRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is nil")
	}
	incoming := rec.Clone()
	incoming.Normalize()
	if err := incoming.Validate(); err != nil {
		return nil, fmt.Errorf("invalid imported record: %w", err)
	}
	incoming.SyncedAt = nil

	unlock := m.locks.lock(incoming.ModuleID)
	defer unlock()

	local := m.readLocal(ctx, incoming.ModuleID)
	if local.SameContent(incoming) && !local.IsDefault() {
		return local, nil
	}

	next := merge.Merge(local, incoming, m.stamp(local.UpdatedAt))
	if local.IsDefault() {
		next.Touch(m.stamp(local.UpdatedAt))
	}
	err := m.commit(ctx, next)
	m.log.Info("imported progress", "module", next.ModuleID, "blocks", len(next.CompletedBlocks))
	return next.Clone(), err
}

// SetOnline records a connectivity change. Going online wakes the queue.
func (m *Manager) SetOnline(online bool) {
	was := m.online.Swap(online)
	if was == online {
		return
	}
	if online {
		m.log.Info("connection restored")
		m.queue.Kick()
	} else {
		m.log.Info("connection lost, changes will be saved locally")
	}
}

// Online reports the last known connectivity.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// CanSync reports whether cloud writes are currently allowed.
func (m *Manager) CanSync() bool {
	return m.cloud.CanSync()
}

func (m *Manager) cloudReady() bool {
	return m.online.Load() && m.cloud.CanSync()
}

// readLocal returns the stored record, falling back to the last record seen
// in this process or an empty record when the store fails.
func (m *Manager) readLocal(ctx context.Context, moduleID string) *schema.ProgressRecord {
	rec, err := m.local.GetContext(ctx, moduleID)
	if err == nil {
		m.remember(rec)
		return rec
	}

	m.log.Warn("local read failed, using in-memory progress", "module", moduleID, "error", err)
	m.cacheMu.RLock()
	cached := m.cache[moduleID]
	m.cacheMu.RUnlock()
	if cached != nil {
		return cached.Clone()
	}
	return schema.NewRecord(moduleID)
}

// commit writes rec locally and schedules its cloud save. The caller must
// hold the module lock. A local write failure is returned after the record
// has been cached and queued.
func (m *Manager) commit(ctx context.Context, rec *schema.ProgressRecord) error {
	canSync := m.cloud.CanSync()
	online := m.online.Load()
	if canSync && online && rec.SyncState == schema.StateLocalOnly {
		rec.SyncState = schema.StateQueued
	}

	putErr := m.store(ctx, rec)

	switch {
	case !canSync:
	case !online:
		if err := m.local.MarkUnsynced(ctx, rec.ModuleID, rec.UpdatedAt); err != nil {
			m.log.Warn("failed to flag progress for resync", "module", rec.ModuleID, "error", err)
		}
	default:
		m.enqueueSave(rec)
	}
	return putErr
}

func (m *Manager) enqueueSave(rec *schema.ProgressRecord) {
	_, err := m.queue.Enqueue(queue.Task{Kind: queue.KindSave, UserID: m.cloud.UserID(), Record: rec.Clone()})
	if err != nil {
		m.log.Warn("failed to queue cloud save", "module", rec.ModuleID, "error", err)
	}
}

// stamp returns a mutation time strictly after prev, so every saved
// version of a record has a distinct UpdatedAt.
func (m *Manager) stamp(prev time.Time) time.Time {
	now := m.clock.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (m *Manager) remember(rec *schema.ProgressRecord) {
	m.cacheMu.Lock()
	m.cache[rec.ModuleID] = rec.Clone()
	m.cacheMu.Unlock()
}

func (m *Manager) forget(moduleID string) {
	m.cacheMu.Lock()
	delete(m.cache, moduleID)
	m.cacheMu.Unlock()
}

func (m *Manager) noteError(err error) {
	m.statusMu.Lock()
	m.lastError = err.Error()
	m.statusMu.Unlock()
}

func (m *Manager) noteSync(at time.Time) {
	m.statusMu.Lock()
	if at.After(m.lastSyncAt) {
		m.lastSyncAt = at
	}
	m.statusMu.Unlock()
}

func (m *Manager) emit(e Event) {
	if m.onEvent == nil {
		return
	}
	if e.At.IsZero() {
		e.At = m.clock.Now().UTC()
	}
	m.onEvent(e)
}

// moduleLocks hands out one mutex per module id.
type moduleLocks struct {
	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

func (l *moduleLocks) lock(moduleID string) func() {
	l.mu.Lock()
	mu, ok := l.locks[moduleID]
	if !ok {
		mu = &stdsync.Mutex{}
		l.locks[moduleID] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
