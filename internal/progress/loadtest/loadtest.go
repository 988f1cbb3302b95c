// Package loadtest drives a progress Manager with concurrent learner
// sessions against a flaky in-memory cloud and checks that nothing is lost.
//
// Sessions share a small set of modules so per-module serialization is
// exercised, and a fraction of cloud writes fail so retries, abandonment
// and the resync path all run. After the sessions finish the harness
// settles the queue and compares the expected progress with both copies.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/koinelab/trilha/internal/account"
	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/cloudstore"
	"github.com/koinelab/trilha/internal/progress/localstore"
	"github.com/koinelab/trilha/internal/progress/queue"
	"github.com/koinelab/trilha/internal/progress/schema"
	progsync "github.com/koinelab/trilha/internal/progress/sync"
)

// errInjected is the transient failure returned by the flaky cloud.
var errInjected = errors.New("injected cloud outage")

// Options sizes a run.
type Options struct {
	Sessions        int     // concurrent learner sessions
	OpsPerSession   int     // progress changes per session
	Modules         int     // modules shared by all sessions
	BlocksPerModule int     // distinct block ids per module
	FailureRate     float64 // fraction of cloud writes that fail, 0..1
	Seed            int64

	// RetryDelay replaces both queue retry delays so a run settles quickly.
	RetryDelay time.Duration

	// SettleTimeout bounds the final delivery phase.
	SettleTimeout time.Duration

	Logger *logger.Logger
}

// DefaultOptions returns a run that finishes in well under a second.
func DefaultOptions() Options {
	return Options{
		Sessions:        10,
		OpsPerSession:   20,
		Modules:         5,
		BlocksPerModule: 20,
		FailureRate:     0.2,
		Seed:            42,
		RetryDelay:      2 * time.Millisecond,
		SettleTimeout:   10 * time.Second,
	}
}

// LatencyStats summarizes local write latency.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Latency  LatencyStats
	Ops      int
	Errors   int
	Queue    queue.Stats
	Resent   int
	Elapsed  time.Duration
	Lost     []string // modules whose local copy misses expected progress
	Diverged []string // modules whose cloud copy differs from the local one
}

// OK reports whether every expected change reached both copies.
func (r *Report) OK() bool {
	return r.Errors == 0 && len(r.Lost) == 0 && len(r.Diverged) == 0
}

// expected accumulates what the sessions did to one module.
type expected struct {
	completed map[string]bool
	minutes   int
}

// Harness owns the stores and Manager for one run.
type Harness struct {
	opts  Options
	log   *logger.Logger
	local *localstore.DB
	cloud *flakyStore
	gate  *cloudstore.Gate
	mgr   *progsync.Manager

	mu   sync.Mutex
	want map[string]*expected
}

// NewHarness opens a fresh local store under dir and wires a Manager for a
// learner on the cloud plan.
func NewHarness(dir string, opts Options) (*Harness, error) {
	if opts.Sessions <= 0 || opts.OpsPerSession <= 0 || opts.Modules <= 0 || opts.BlocksPerModule <= 0 {
		return nil, fmt.Errorf("sessions, ops, modules and blocks must be positive")
	}
	if opts.FailureRate < 0 || opts.FailureRate >= 1 {
		return nil, fmt.Errorf("failure rate must be in [0, 1), got %v", opts.FailureRate)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	local, err := localstore.Open(filepath.Join(dir, "loadtest.db"))
	if err != nil {
		return nil, err
	}
	if err := local.InitSchema(); err != nil {
		_ = local.Close()
		return nil, err
	}

	cloud := newFlakyStore(opts.FailureRate, opts.Seed)
	acct := account.NewStatic(&account.User{ID: "loadtest", DisplayName: "Load Test"}, account.PlanCloud, time.Time{})
	gate := cloudstore.NewGate(cloud, acct, acct, log)

	qcfg := queue.DefaultConfig()
	if opts.RetryDelay > 0 {
		qcfg.FirstRetryDelay = opts.RetryDelay
		qcfg.RetryStep = opts.RetryDelay
	}
	mcfg := progsync.DefaultConfig()
	mcfg.Queue = qcfg
	mcfg.Logger = log

	return &Harness{
		opts:  opts,
		log:   log,
		local: local,
		cloud: cloud,
		gate:  gate,
		mgr:   progsync.New(local, gate, mcfg),
		want:  make(map[string]*expected),
	}, nil
}

// Close releases the stores.
func (h *Harness) Close() error {
	return errors.Join(h.gate.Close(), h.local.Close())
}

// Manager exposes the Manager under test.
func (h *Harness) Manager() *progsync.Manager {
	return h.mgr
}

// Run executes the sessions, settles delivery and verifies both copies.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	runCtx, stopWorker := context.WithCancel(ctx)
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		if err := h.mgr.Queue().Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			h.log.Error("queue worker stopped", "error", err)
		}
	}()

	durations, errCount := h.runSessions(ctx)

	stopWorker()
	worker.Wait()

	resent, err := h.settle(ctx)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		Latency: computeLatencyStats(durations),
		Ops:     len(durations),
		Errors:  errCount,
		Queue:   h.mgr.Queue().Stats(),
		Resent:  resent,
		Elapsed: time.Since(start),
	}
	if err := h.verify(ctx, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

func (h *Harness) runSessions(ctx context.Context) ([]time.Duration, int) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations = make([]time.Duration, 0, h.opts.Sessions*h.opts.OpsPerSession)
		errCount  int
	)

	for i := 0; i < h.opts.Sessions; i++ {
		wg.Add(1)
		go func(session int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(h.opts.Seed + int64(session) + 1))
			local := make([]time.Duration, 0, h.opts.OpsPerSession)
			failed := 0
			for j := 0; j < h.opts.OpsPerSession && ctx.Err() == nil; j++ {
				begin := time.Now()
				if err := h.step(ctx, rng); err != nil {
					h.log.Warn("load test step failed", "session", session, "op", j, "error", err)
					failed++
				}
				local = append(local, time.Since(begin))
			}

			mu.Lock()
			durations = append(durations, local...)
			errCount += failed
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return durations, errCount
}

// step applies one random change and records what it should leave behind.
func (h *Harness) step(ctx context.Context, rng *rand.Rand) error {
	module := fmt.Sprintf("mod-%03d", rng.Intn(h.opts.Modules))
	block := fmt.Sprintf("b%03d", rng.Intn(h.opts.BlocksPerModule))

	switch rng.Intn(4) {
	case 0:
		if _, err := h.mgr.MarkBlockCompleted(ctx, module, block); err != nil {
			return err
		}
		h.expect(module, func(e *expected) { e.completed[block] = true })
	case 1:
		minutes := 1 + rng.Intn(5)
		if _, err := h.mgr.AddStudyTime(ctx, module, minutes); err != nil {
			return err
		}
		h.expect(module, func(e *expected) { e.minutes += minutes })
	case 2:
		if _, err := h.mgr.ToggleFavoriteBlock(ctx, module, block); err != nil {
			return err
		}
		h.expect(module, func(*expected) {})
	default:
		if _, err := h.mgr.SaveBlockAnswer(ctx, module, block, fmt.Sprintf("answer-%d", rng.Intn(3)), rng.Intn(2) == 0); err != nil {
			return err
		}
		h.expect(module, func(*expected) {})
	}
	return nil
}

func (h *Harness) expect(module string, fn func(*expected)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.want[module]
	if !ok {
		e = &expected{completed: make(map[string]bool)}
		h.want[module] = e
	}
	fn(e)
}

// settle stops injecting failures and delivers everything still pending,
// including saves abandoned during the run.
func (h *Harness) settle(ctx context.Context) (int, error) {
	h.cloud.setFailureRate(0)

	ctx, cancel := context.WithTimeout(ctx, h.opts.SettleTimeout)
	defer cancel()

	resent := 0
	for {
		n, err := h.mgr.ResyncPending(ctx)
		if err != nil {
			return resent, fmt.Errorf("failed to resync pending progress: %w", err)
		}
		resent += n
		h.mgr.Queue().Drain(ctx)

		unsynced, err := h.local.ListUnsynced(ctx)
		if err != nil {
			return resent, err
		}
		if h.mgr.Queue().Len() == 0 && len(unsynced) == 0 {
			return resent, nil
		}

		select {
		case <-ctx.Done():
			return resent, fmt.Errorf("delivery did not settle: %d queued, %d unsynced: %w",
				h.mgr.Queue().Len(), len(unsynced), ctx.Err())
		case <-time.After(h.opts.RetryDelay + time.Millisecond):
		}
	}
}

func (h *Harness) verify(ctx context.Context, rep *Report) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	modules := make([]string, 0, len(h.want))
	for m := range h.want {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, module := range modules {
		want := h.want[module]
		got, err := h.local.GetContext(ctx, module)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", module, err)
		}
		if got == nil || got.TotalTimeSpent != want.minutes || !hasAll(got, want.completed) {
			rep.Lost = append(rep.Lost, module)
			continue
		}

		remote, err := h.cloud.Get(ctx, "loadtest", module)
		if err != nil {
			return fmt.Errorf("failed to read cloud copy of %s: %w", module, err)
		}
		if !got.SameContent(remote) {
			rep.Diverged = append(rep.Diverged, module)
		}
	}
	return nil
}

func hasAll(rec *schema.ProgressRecord, blocks map[string]bool) bool {
	for b := range blocks {
		if !rec.HasCompleted(b) {
			return false
		}
	}
	return true
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print formats the report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Local write latency (%d ops, %d errors):\n", r.Ops, r.Errors)
	fmt.Fprintf(w, "  Min:  %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50:  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean: %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:  %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:  %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:  %v\n", r.Latency.Max)
	fmt.Fprintf(w, "Cloud delivery:\n")
	fmt.Fprintf(w, "  Enqueued:  %d (%d coalesced)\n", r.Queue.Enqueued, r.Queue.Coalesced)
	fmt.Fprintf(w, "  Delivered: %d\n", r.Queue.Done)
	fmt.Fprintf(w, "  Retried:   %d\n", r.Queue.Retried)
	fmt.Fprintf(w, "  Abandoned: %d (%d resent)\n", r.Queue.Abandoned, r.Resent)
	fmt.Fprintf(w, "Elapsed: %v\n", r.Elapsed.Round(time.Millisecond))
	if len(r.Lost) > 0 {
		fmt.Fprintf(w, "Lost progress: %v\n", r.Lost)
	}
	if len(r.Diverged) > 0 {
		fmt.Fprintf(w, "Diverged from cloud: %v\n", r.Diverged)
	}
}

// flakyStore fails a fraction of cloud writes.
type flakyStore struct {
	*cloudstore.MemoryStore

	mu   sync.Mutex
	rng  *rand.Rand
	rate float64
}

func newFlakyStore(rate float64, seed int64) *flakyStore {
	return &flakyStore{
		MemoryStore: cloudstore.NewMemoryStore(nil),
		rng:         rand.New(rand.NewSource(seed)),
		rate:        rate,
	}
}

func (f *flakyStore) setFailureRate(rate float64) {
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
}

func (f *flakyStore) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate > 0 && f.rng.Float64() < f.rate
}

func (f *flakyStore) Set(ctx context.Context, userID, moduleID string, rec *schema.ProgressRecord) (time.Time, error) {
	if f.fail() {
		return time.Time{}, errInjected
	}
	return f.MemoryStore.Set(ctx, userID, moduleID, rec)
}
