// Package daemon runs the background side of progress sync.
//
// The daemon:
//  1. Reconciles local and cloud progress on startup
//  2. Runs the sync queue worker
//  3. Drains the queue and runs a full sync on fixed schedules
//  4. Probes the cloud backend and reports connectivity changes
//  5. Imports record files dropped into an inbox directory
//  6. Flushes undelivered writes on shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/koinelab/trilha/internal/logger"
	progsync "github.com/koinelab/trilha/internal/progress/sync"
	"github.com/koinelab/trilha/internal/progress/schema"
)

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often the queue is drained on a timer, in
	// addition to the drains triggered by new writes.
	DrainInterval time.Duration

	// FullSyncInterval is how often every module is reconciled. Zero
	// disables periodic full syncs.
	FullSyncInterval time.Duration

	// ProbeInterval is how often the cloud backend is pinged to detect
	// connectivity changes. Zero disables probing.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// InboxDir, when set, is watched for record files to import.
	InboxDir string

	// DebounceInterval is how long an inbox file must be quiet before it
	// is imported. This batches the writes of one file together.
	DebounceInterval time.Duration

	// ShutdownTimeout bounds the final flush.
	ShutdownTimeout time.Duration

	Logger *logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:    15 * time.Second,
		FullSyncInterval: 10 * time.Minute,
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Daemon orchestrates background sync for one Manager.
type Daemon struct {
	mgr    *progsync.Manager
	config *Config
	log    *logger.Logger

	scheduler *gocron.Scheduler
	inbox     *InboxWatcher

	pending   map[string]time.Time // inbox path -> last event
	pendingMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with default configuration.
func New(mgr *progsync.Manager) (*Daemon, error) {
	return NewWithConfig(mgr, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(mgr *progsync.Manager, config *Config) (*Daemon, error) {
	if mgr == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	log := config.Logger
	if log == nil {
		log = logger.Default()
	}

	d := &Daemon{
		mgr:       mgr,
		config:    config,
		log:       log.With("component", "daemon"),
		scheduler: gocron.NewScheduler(time.UTC),
		pending:   make(map[string]time.Time),
	}

	if config.InboxDir != "" {
		if err := os.MkdirAll(config.InboxDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
		inbox, err := NewInboxWatcher()
		if err != nil {
			return nil, err
		}
		d.inbox = inbox
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Info("starting daemon",
		"drain_interval", d.config.DrainInterval.String(),
		"full_sync_interval", d.config.FullSyncInterval.String(),
		"inbox", d.config.InboxDir)

	d.Probe()
	d.InitialSync()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.mgr.Queue().Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("queue worker stopped", "error", err)
		}
	}()

	if err := d.schedule(); err != nil {
		d.cancel()
		d.wg.Wait()
		return err
	}
	d.scheduler.StartAsync()

	if d.inbox != nil {
		if err := d.inbox.Start(d.config.InboxDir); err != nil {
			_ = d.Stop()
			return err
		}
		d.scanInbox()
		d.wg.Add(2)
		go d.watchInbox()
		go d.processInbox()
		d.log.Info("watching inbox", "dir", d.inbox.Dir())
	}

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts the daemon down and flushes pending writes.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.log.Info("stopping daemon")

		d.cancel()
		d.scheduler.Stop()

		if d.inbox != nil {
			if werr := d.inbox.Stop(); werr != nil {
				d.log.Warn("error closing inbox watcher", "error", werr)
			}
		}
		d.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout)
		defer cancel()
		res, ferr := d.mgr.Flush(ctx)
		if ferr != nil {
			err = fmt.Errorf("failed to flush pending writes: %w", ferr)
		}

		d.log.Info("daemon stopped", "delivered", res.Succeeded, "pending", d.mgr.Queue().Len())
	})
	return err
}

func (d *Daemon) schedule() error {
	d.scheduler.SingletonModeAll()
	if _, err := d.scheduler.Every(d.config.DrainInterval).WaitForSchedule().Do(d.Drain); err != nil {
		return fmt.Errorf("failed to schedule queue drain: %w", err)
	}
	if d.config.ProbeInterval > 0 {
		if _, err := d.scheduler.Every(d.config.ProbeInterval).WaitForSchedule().Do(d.Probe); err != nil {
			return fmt.Errorf("failed to schedule connectivity probe: %w", err)
		}
	}
	if d.config.FullSyncInterval > 0 {
		if _, err := d.scheduler.Every(d.config.FullSyncInterval).WaitForSchedule().Do(d.FullSync); err != nil {
			return fmt.Errorf("failed to schedule full sync: %w", err)
		}
	}
	return nil
}

// InitialSync resends changes left unsynced by earlier runs and reconciles
// every module.
func (d *Daemon) InitialSync() {
	if !d.mgr.CanSync() || !d.mgr.Online() {
		d.log.Info("cloud sync unavailable, running local-only")
		return
	}
	if _, err := d.mgr.ResyncPending(d.ctx); err != nil {
		d.log.Warn("failed to resend offline changes", "error", err)
	}
	d.FullSync()
}

// Drain runs one queue pass.
func (d *Daemon) Drain() {
	res, ran := d.mgr.Queue().Drain(d.ctx)
	if ran && res.Attempted > 0 {
		d.log.Debug("queue drained",
			"attempted", res.Attempted, "succeeded", res.Succeeded,
			"retrying", res.Retrying, "abandoned", res.Abandoned)
	}
}

// FullSync reconciles every module. Errors are logged.
func (d *Daemon) FullSync() {
	if !d.mgr.CanSync() || !d.mgr.Online() {
		return
	}
	if _, err := d.mgr.FullSync(d.ctx); err != nil && !errors.Is(err, progsync.ErrSyncInProgress) {
		d.log.Warn("full sync failed", "error", err)
	}
}

// Probe pings the cloud backend and records the result as the current
// connectivity. Coming back online resends changes made while offline.
func (d *Daemon) Probe() {
	gate := d.mgr.Cloud()
	if !gate.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.config.ProbeTimeout)
	err := gate.Ping(ctx)
	cancel()

	online := err == nil
	was := d.mgr.Online()
	d.mgr.SetOnline(online)

	switch {
	case online && !was:
		if _, err := d.mgr.ResyncPending(d.ctx); err != nil {
			d.log.Warn("failed to resend offline changes", "error", err)
		}
	case !online && was:
		d.log.Warn("cloud backend unreachable", "error", err)
	}
}

// scanInbox queues record files already present when the daemon starts.
func (d *Daemon) scanInbox() {
	matches, err := filepath.Glob(filepath.Join(d.inbox.Dir(), "*.json"))
	if err != nil {
		d.log.Warn("failed to scan inbox", "error", err)
		return
	}
	for _, path := range matches {
		d.queueChange(path)
	}
}

// watchInbox forwards watcher events to the debounce queue.
func (d *Daemon) watchInbox() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.inbox.Events():
			if !ok {
				return
			}
			d.log.Debug("inbox event", "op", ev.Op.String(), "path", ev.Path)
			d.queueChange(ev.Path)

		case err, ok := <-d.inbox.Errors():
			if !ok {
				return
			}
			d.log.Warn("inbox watcher error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[path] = time.Now()
}

// processInbox imports files that have been quiet for DebounceInterval.
func (d *Daemon) processInbox() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.pendingMu.Lock()
	var ready []string
	for path, at := range d.pending {
		if now.Sub(at) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.pending, path)
	}
	d.pendingMu.Unlock()

	for _, path := range ready {
		if err := d.importFile(path); err != nil {
			d.log.Warn("failed to import record file", "path", path, "error", err)
		}
	}
}

// importFile merges one inbox record into local progress. Imported files
// are renamed to *.imported and unreadable ones to *.rejected.
func (d *Daemon) importFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	rec, err := schema.ReadRecordFile(path)
	if err != nil {
		d.archive(path, ".rejected")
		return err
	}

	merged, err := d.mgr.ImportRecord(d.ctx, rec)
	if err != nil && merged == nil {
		d.archive(path, ".rejected")
		return err
	}

	d.archive(path, ".imported")
	d.log.Info("imported record file", "path", filepath.Base(path), "module", rec.ModuleID)
	return err
}

func (d *Daemon) archive(path, suffix string) {
	target := strings.TrimSuffix(path, ".json") + suffix
	if err := os.Rename(path, target); err != nil {
		d.log.Warn("failed to archive inbox file", "path", path, "error", err)
	}
}
