// Package queue delivers pending cloud writes in the background.
//
// A Queue holds at most one task per module. Enqueueing a newer save or
// delete for a module replaces the pending one, so only the latest intent is
// delivered. A single drain pass runs at a time; concurrent Drain calls
// return immediately. Failed tasks are retried on a linear backoff schedule
// and abandoned after MaxRetries failed retries or on a terminal error.
//
// Time is read from an injected Clock, so retry behaviour can be tested
// without sleeping.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/koinelab/trilha/internal/logger"
)

// Sender performs the cloud operation described by a task and returns the
// server-assigned write time.
type Sender interface {
	Send(ctx context.Context, t Task) (time.Time, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, t Task) (time.Time, error)

func (f SenderFunc) Send(ctx context.Context, t Task) (time.Time, error) { return f(ctx, t) }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Config holds queue configuration.
type Config struct {
	// FirstRetryDelay is the wait after the first failure (default 30s).
	FirstRetryDelay time.Duration

	// RetryStep is the linear backoff unit for later retries: retry n
	// (n >= 2) is scheduled (n-1)*RetryStep after the previous failure.
	RetryStep time.Duration

	// MaxRetries is how many retries follow the first failure before the
	// task is abandoned (default 3).
	MaxRetries int

	// AttemptTimeout bounds a single delivery. Zero leaves it to ctx.
	AttemptTimeout time.Duration

	Clock  Clock
	Logger *logger.Logger

	// Hooks run on the draining goroutine after the queue lock is released.
	OnDone    func(t Task, syncedAt time.Time)
	OnRetry   func(t Task, err error)
	OnAbandon func(t Task, err error)
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() *Config {
	return &Config{
		FirstRetryDelay: 30 * time.Second,
		RetryStep:       60 * time.Second,
		MaxRetries:      3,
		AttemptTimeout:  30 * time.Second,
		Clock:           SystemClock,
	}
}

// RetryDelay returns the wait before retry n (1-based).
func (c *Config) RetryDelay(n int) time.Duration {
	if n <= 1 {
		return c.FirstRetryDelay
	}
	return time.Duration(n-1) * c.RetryStep
}

// Stats counts queue activity since creation.
type Stats struct {
	Pending       int       `json:"pending" yaml:"pending"`
	Enqueued      int       `json:"enqueued" yaml:"enqueued"`
	Coalesced     int       `json:"coalesced" yaml:"coalesced"`
	Done          int       `json:"done" yaml:"done"`
	Retried       int       `json:"retried" yaml:"retried"`
	Abandoned     int       `json:"abandoned" yaml:"abandoned"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty" yaml:"last_success_at,omitempty"`
	LastError     string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int
	Succeeded int
	Retrying  int
	Abandoned int
}

// Queue is the process-wide dispatcher of cloud writes.
type Queue struct {
	sender Sender
	config *Config
	log    *logger.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	seq   uint64
	stats Stats

	draining atomic.Bool
	kick     chan struct{}
}

// New creates a queue that delivers tasks through sender.
func New(sender Sender, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.FirstRetryDelay <= 0 {
		config.FirstRetryDelay = defaults.FirstRetryDelay
	}
	if config.RetryStep <= 0 {
		config.RetryStep = defaults.RetryStep
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	log := config.Logger
	if log == nil {
		log = logger.Default()
	}

	return &Queue{
		sender: sender,
		config: config,
		log:    log.With("component", "sync-queue"),
		tasks:  make(map[string]*Task),
		kick:   make(chan struct{}, 1),
	}
}

// Enqueue adds t and signals the worker. A pending task for the same module
// is replaced. The stored copy is returned with its id and state assigned.
func (q *Queue) Enqueue(t Task) (Task, error) {
	switch t.Kind {
	case KindSave:
		if t.Record == nil {
			return Task{}, fmt.Errorf("save task for %s has no record", t.ModuleID)
		}
		t.ModuleID = t.Record.ModuleID
	case KindDelete:
		if t.ModuleID == "" {
			return Task{}, fmt.Errorf("delete task has no module id")
		}
	case KindBackup:
		if t.Backup == nil {
			return Task{}, fmt.Errorf("backup task has no payload")
		}
	default:
		return Task{}, fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if t.UserID == "" {
		return Task{}, fmt.Errorf("%s task for %s has no user", t.Kind, t.ModuleID)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == KindBackup && t.Backup.ID == "" {
		t.Backup.ID = t.ID
	}
	t.EnqueuedAt = q.config.Clock.Now()
	t.State = StatePending
	t.Attempt = 0
	t.NextAttemptAt = time.Time{}
	t.LastError = ""

	q.mu.Lock()
	q.seq++
	t.seq = q.seq
	stored := t
	key := stored.Key()
	if prev, ok := q.tasks[key]; ok {
		q.stats.Coalesced++
		q.log.Debug("replacing queued task", "module", t.ModuleID, "old", prev.ID, "new", t.ID, "old_state", string(prev.State))
	}
	q.tasks[key] = &stored
	q.stats.Enqueued++
	out := stored
	q.mu.Unlock()

	q.Kick()
	return out, nil
}

// Kick wakes the worker started by Run. It never blocks.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Draining reports whether a drain pass is active.
func (q *Queue) Draining() bool {
	return q.draining.Load()
}

// Drain attempts every task that is due. It returns false without doing
// anything when another drain is already running.
func (q *Queue) Drain(ctx context.Context) (DrainResult, bool) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{}, false
	}
	defer q.draining.Store(false)

	var res DrainResult
	due := q.due()
	for i, t := range due {
		if ctx.Err() != nil {
			q.release(due[i:])
			break
		}
		q.attempt(ctx, t, &res)
	}
	return res, true
}

// release returns tasks marked in flight to their waiting state.
func (q *Queue) release(tasks []*Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		if t.State != StateInFlight {
			continue
		}
		if t.NextAttemptAt.IsZero() {
			t.State = StatePending
		} else {
			t.State = StateRetrying
		}
	}
}

// due returns the due tasks in enqueue order, marking them in flight.
func (q *Queue) due() []*Task {
	now := q.config.Clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Task
	for _, t := range q.tasks {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, t := range due {
		t.State = StateInFlight
	}
	return due
}

func (q *Queue) attempt(ctx context.Context, t *Task, res *DrainResult) {
	q.mu.Lock()
	if q.tasks[t.Key()] != t {
		// replaced after this pass started
		t.State = StateAbandoned
		q.mu.Unlock()
		return
	}
	snapshot := *t
	q.mu.Unlock()
	res.Attempted++

	sendCtx := ctx
	if q.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, q.config.AttemptTimeout)
		defer cancel()
	}
	syncedAt, err := q.sender.Send(sendCtx, snapshot)
	now := q.config.Clock.Now()

	q.mu.Lock()
	key := t.Key()
	current := q.tasks[key] == t

	if err == nil {
		t.State = StateDone
		if current {
			delete(q.tasks, key)
		}
		q.stats.Done++
		q.stats.LastSuccessAt = now
		done := *t
		q.mu.Unlock()

		res.Succeeded++
		q.log.Debug("task delivered", "task", t.ID, "kind", string(t.Kind), "module", t.ModuleID, "attempt", t.Attempt+1)
		if q.config.OnDone != nil {
			q.config.OnDone(done, syncedAt)
		}
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; it does not count as a failure.
		q.mu.Unlock()
		q.release([]*Task{t})
		return
	}

	t.Attempt++
	t.LastError = err.Error()
	q.stats.LastError = err.Error()

	if !current {
		// A newer task for this module was enqueued while this one was in
		// flight; it carries the latest snapshot and will be delivered instead.
		t.State = StateAbandoned
		q.mu.Unlock()
		q.log.Debug("dropping retry of superseded task", "task", t.ID, "module", t.ModuleID, "error", err)
		return
	}

	if !Retryable(err) || t.Attempt > q.config.MaxRetries {
		t.State = StateAbandoned
		delete(q.tasks, key)
		q.stats.Abandoned++
		abandoned := *t
		q.mu.Unlock()

		res.Abandoned++
		q.log.Warn("abandoning cloud task",
			"task", t.ID, "kind", string(t.Kind), "module", t.ModuleID,
			"attempts", t.Attempt, "retryable", Retryable(err), "error", err)
		if q.config.OnAbandon != nil {
			q.config.OnAbandon(abandoned, err)
		}
		return
	}

	t.State = StateRetrying
	t.NextAttemptAt = now.Add(q.config.RetryDelay(t.Attempt))
	q.stats.Retried++
	retrying := *t
	q.mu.Unlock()

	res.Retrying++
	q.log.Info("cloud task failed, retry scheduled",
		"task", t.ID, "module", t.ModuleID, "retry", t.Attempt, "next_attempt_at", t.NextAttemptAt, "error", err)
	if q.config.OnRetry != nil {
		q.config.OnRetry(retrying, err)
	}
}

// Retryable reports whether err may succeed on another attempt. Errors that
// do not classify themselves are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// NextDue returns the earliest time a waiting task becomes due.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for _, t := range q.tasks {
		if t.State != StatePending && t.State != StateRetrying {
			continue
		}
		at := t.NextAttemptAt
		if at.IsZero() {
			at = t.EnqueuedAt
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// Run drains the queue whenever it is kicked or a retry becomes due, until
// ctx is cancelled. It is the queue's single worker.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if next, ok := q.NextDue(); ok {
			wait = next.Sub(q.config.Clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.kick:
		case <-timer.C:
		}
		if _, ran := q.Drain(ctx); !ran {
			// another pass is active; let it finish before polling again
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// Pending returns a snapshot of queued tasks in enqueue order.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// PendingKind returns the kind of the task queued for the user's module.
// A task stays queued while in flight or waiting to retry.
func (q *Queue) PendingKind(userID, moduleID string) (Kind, bool) {
	key := (&Task{UserID: userID, ModuleID: moduleID}).Key()

	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[key]
	if !ok {
		return "", false
	}
	return t.Kind, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Stats returns activity counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.tasks)
	return s
}
