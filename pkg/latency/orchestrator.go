package latency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/cadenza-ai/cadenza/internal/resilience"
)

// Option defaults.
const (
	defaultUnitTimeout   = 30 * time.Second
	defaultMaxRetries    = 2
	defaultFlushEvery    = 10
	defaultFlushInterval = 2 * time.Second
)

// Cancellation causes used to classify dispatch failures.
var (
	errClientGone   = errors.New("client unregistered")
	errRunCancelled = errors.New("run cancelled")
)

// breakerWakeInterval bounds how long acquireClient sleeps when every
// covering client's breaker is tripped. A breaker re-admits on a timer, not
// an event, so the scheduler wakes itself to re-check for half-open
// admission.
const breakerWakeInterval = time.Second

// Options tunes an [Orchestrator]. Zero fields take defaults.
type Options struct {
	// UnitTimeout is the per-unit deadline measured from dispatch.
	UnitTimeout time.Duration

	// MaxRetries is how many times a timed-out or erroring unit is
	// re-dispatched before it is recorded as failed.
	MaxRetries int

	// RunTimeout optionally caps the wall clock of a run; expiry cancels it.
	RunTimeout time.Duration

	// FlushEvery and FlushInterval bound the storage write cadence: buffered
	// results are flushed when either limit is reached.
	FlushEvery    int
	FlushInterval time.Duration

	// Clock substitutes the time source in tests.
	Clock clock.Clock

	// ObserveResult, when set, is called once per recorded result. The app
	// layer wires this to the metrics instruments.
	ObserveResult func(TestResult)
}

func (o Options) withDefaults() Options {
	if o.UnitTimeout <= 0 {
		o.UnitTimeout = defaultUnitTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = defaultFlushEvery
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Orchestrator owns the suite registry, the client registry, and the run
// scheduler. All exported methods are safe for concurrent use; reads return
// snapshots.
type Orchestrator struct {
	store Store
	opts  Options
	clk   clock.Clock

	mu      sync.Mutex
	cond    *sync.Cond
	suites  map[string]TestSuiteDefinition
	clients map[string]*clientEntry
	runs    map[string]*runState

	wg sync.WaitGroup
}

// clientEntry is the registry record for one client. Guarded by
// Orchestrator.mu.
type clientEntry struct {
	client   Client
	typ      ClientType
	caps     ClientCapabilities
	inFlight int
	breaker  *resilience.Breaker

	// cancels holds the cancel funcs of in-flight dispatches so that
	// unregistering the client can fail them with client_gone.
	cancels map[int64]context.CancelCauseFunc
	nextSeq int64
}

// runState is the mutable state of one run. The inner mutex serialises
// result appends and status changes; Orchestrator.mu is never held while
// runState.mu is taken.
type runState struct {
	mu        sync.Mutex
	run       TestRun
	cancel    context.CancelCauseFunc
	pending   []TestResult
	lastFlush time.Time
	failed    bool // an unrecoverable error was recorded

	// flushMu serialises storage flushes so batches land in arrival order.
	flushMu sync.Mutex
}

// NewOrchestrator creates an orchestrator persisting through store.
func NewOrchestrator(store Store, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		opts:    opts.withDefaults(),
		suites:  make(map[string]TestSuiteDefinition),
		clients: make(map[string]*clientEntry),
		runs:    make(map[string]*runState),
	}
	o.clk = o.opts.Clock
	o.cond = sync.NewCond(&o.mu)
	return o
}

// ─── Suite registry ──────────────────────────────────────────────────────────

// RegisterSuite registers suite, idempotent by id. Re-registering an
// identical definition is a no-op; a different definition under the same id
// is rejected with [ErrSuiteConflict].
func (o *Orchestrator) RegisterSuite(ctx context.Context, suite TestSuiteDefinition) error {
	if err := suite.Validate(); err != nil {
		return fmt.Errorf("register suite: %w: %w", ErrInvalidArgument, err)
	}

	o.mu.Lock()
	if existing, ok := o.suites[suite.ID]; ok {
		o.mu.Unlock()
		if reflect.DeepEqual(existing, suite) {
			return nil
		}
		return fmt.Errorf("register suite %q: %w", suite.ID, ErrSuiteConflict)
	}
	o.suites[suite.ID] = suite
	o.mu.Unlock()

	if err := o.withRetry(ctx, func() error { return o.store.PutSuite(ctx, suite) }); err != nil {
		return fmt.Errorf("register suite %q: persist: %w", suite.ID, err)
	}
	return nil
}

// ListSuites returns all registered suites sorted by id.
func (o *Orchestrator) ListSuites() []TestSuiteDefinition {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]TestSuiteDefinition, 0, len(o.suites))
	for _, s := range o.suites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSuite returns the suite registered under id.
func (o *Orchestrator) GetSuite(id string) (TestSuiteDefinition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.suites[id]
	if !ok {
		return TestSuiteDefinition{}, fmt.Errorf("suite %q: %w", id, ErrSuiteNotFound)
	}
	return s, nil
}

// ─── Client registry ─────────────────────────────────────────────────────────

// RegisterClient registers client under its ID, overwriting any prior
// registration and resetting the in-flight counter.
func (o *Orchestrator) RegisterClient(client Client) error {
	caps := client.Capabilities()
	if err := caps.Validate(); err != nil {
		return fmt.Errorf("register client %q: %w: %w", client.ID(), ErrInvalidArgument, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prior, ok := o.clients[client.ID()]; ok {
		prior.failInFlight()
	}
	o.clients[client.ID()] = &clientEntry{
		client:  client,
		typ:     client.Type(),
		caps:    caps,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "client/" + client.ID(), Clock: o.clk}),
		cancels: make(map[int64]context.CancelCauseFunc),
	}
	o.cond.Broadcast()

	slog.Info("test client registered", "client_id", client.ID(), "type", client.Type())
	return nil
}

// UnregisterClient removes the client and fails its in-flight dispatches
// with client_gone. Unknown ids are a no-op.
func (o *Orchestrator) UnregisterClient(id string) {
	o.mu.Lock()
	entry, ok := o.clients[id]
	if ok {
		delete(o.clients, id)
		entry.failInFlight()
	}
	o.cond.Broadcast()
	o.mu.Unlock()

	if ok {
		slog.Info("test client unregistered", "client_id", id)
	}
}

// failInFlight cancels every in-flight dispatch with the client_gone cause.
// Caller holds Orchestrator.mu.
func (e *clientEntry) failInFlight() {
	for _, cancel := range e.cancels {
		cancel(errClientGone)
	}
}

// Clients returns a snapshot of all registered client statuses, sorted by id.
func (o *Orchestrator) Clients() []ClientStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]ClientStatus, 0, len(o.clients))
	for id, e := range o.clients {
		out = append(out, ClientStatus{
			ClientID:     id,
			Type:         e.typ,
			Capabilities: e.caps,
			Reachable:    e.breaker.State() != resilience.BreakerOpen,
			InFlight:     e.inFlight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// ─── Runs ────────────────────────────────────────────────────────────────────

// workUnit is one entry of the flattened work queue, ordered by
// (scenario index, config index, repetition index).
type workUnit struct {
	config     TestConfiguration
	repetition int
}

// flatten turns a suite into its ordered work queue.
func flatten(suite TestSuiteDefinition) []workUnit {
	var units []workUnit
	for _, sc := range suite.Scenarios {
		for _, cfg := range sc.Configurations {
			for rep := 0; rep < cfg.Repetitions; rep++ {
				units = append(units, workUnit{config: cfg, repetition: rep})
			}
		}
	}
	return units
}

// StartTestRun creates and starts a run of the given suite. It fails with
// [ErrSuiteNotFound] for an unknown suite and [ErrNoEligibleClient] when some
// configuration has no registered client covering its provider triple. The
// returned value is a snapshot taken after the transition to RUNNING.
func (o *Orchestrator) StartTestRun(ctx context.Context, suiteID string) (TestRun, error) {
	o.mu.Lock()
	suite, ok := o.suites[suiteID]
	if !ok {
		o.mu.Unlock()
		return TestRun{}, fmt.Errorf("start run: suite %q: %w", suiteID, ErrSuiteNotFound)
	}
	for _, sc := range suite.Scenarios {
		for _, cfg := range sc.Configurations {
			if !o.someEligibleClientLocked(cfg) {
				o.mu.Unlock()
				return TestRun{}, fmt.Errorf("start run: configuration %q: %w", cfg.ID, ErrNoEligibleClient)
			}
		}
	}
	o.mu.Unlock()

	run := TestRun{
		ID:        uuid.NewString(),
		SuiteID:   suite.ID,
		SuiteName: suite.Name,
		Status:    RunPending,
		Total:     suite.TotalTestCount(),
		StartedAt: o.clk.Now().UTC(),
	}
	if err := o.withRetry(ctx, func() error { return o.store.PutRun(ctx, run) }); err != nil {
		return TestRun{}, fmt.Errorf("start run: persist: %w", err)
	}

	run.Status = RunRunning
	if err := o.withRetry(ctx, func() error { return o.store.UpdateRun(ctx, run) }); err != nil {
		return TestRun{}, fmt.Errorf("start run: persist transition: %w", err)
	}

	// The run outlives the caller's context: CLI and HTTP callers poll for
	// progress after StartTestRun returns.
	runCtx, cancel := context.WithCancelCause(context.Background())
	rs := &runState{
		run:       run,
		cancel:    cancel,
		lastFlush: o.clk.Now(),
	}

	o.mu.Lock()
	o.runs[run.ID] = rs
	o.mu.Unlock()

	if o.opts.RunTimeout > 0 {
		o.clk.AfterFunc(o.opts.RunTimeout, func() { _ = o.CancelRun(run.ID) })
	}

	// Wake any acquire waiters when the run is cancelled.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		<-runCtx.Done()
		o.cond.Broadcast()
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runLoop(runCtx, rs, suite)
	}()

	slog.Info("test run started", "run_id", run.ID, "suite_id", suite.ID, "total", run.Total)
	return run, nil
}

// someClientCoversLocked reports whether any registered client covers cfg
// by capabilities alone, regardless of breaker state. Used to distinguish a
// departed client from one that is merely tripped. Caller holds o.mu.
func (o *Orchestrator) someClientCoversLocked(cfg TestConfiguration) bool {
	for _, e := range o.clients {
		if e.caps.Covers(cfg) {
			return true
		}
	}
	return false
}

// someEligibleClientLocked reports whether any registered client covers cfg
// and is currently admitted by its breaker. An open breaker marks the client
// unreachable and excludes it from eligibility. Caller holds o.mu.
func (o *Orchestrator) someEligibleClientLocked(cfg TestConfiguration) bool {
	for _, e := range o.clients {
		if e.caps.Covers(cfg) && e.breaker.State() != resilience.BreakerOpen {
			return true
		}
	}
	return false
}

// GetRun returns a snapshot of the run with the given id.
func (o *Orchestrator) GetRun(id string) (TestRun, error) {
	o.mu.Lock()
	rs, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return TestRun{}, fmt.Errorf("run %q: %w", id, ErrRunNotFound)
	}
	return rs.snapshot(), nil
}

// ListRuns returns snapshots of all known runs matching filter, newest first.
func (o *Orchestrator) ListRuns(filter RunFilter) []TestRun {
	o.mu.Lock()
	states := make([]*runState, 0, len(o.runs))
	for _, rs := range o.runs {
		states = append(states, rs)
	}
	o.mu.Unlock()

	var out []TestRun
	for _, rs := range states {
		snap := rs.snapshot()
		if filter.Matches(snap) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// CancelRun moves the run to CANCELLED: pending dispatches are rejected,
// in-flight units are asked to stop, and reports that still arrive are
// recorded without changing the terminal status. Safe to call repeatedly and
// on already-terminal runs.
func (o *Orchestrator) CancelRun(id string) error {
	o.mu.Lock()
	rs, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel run %q: %w", id, ErrRunNotFound)
	}

	rs.mu.Lock()
	if rs.run.Status.Terminal() {
		rs.mu.Unlock()
		return nil
	}
	rs.run.Status = RunCancelled
	rs.run.EndedAt = o.clk.Now().UTC()
	rs.mu.Unlock()

	rs.cancel(errRunCancelled)
	o.flush(rs)
	o.persistRun(rs)

	slog.Info("test run cancelled", "run_id", id)
	return nil
}

// Close cancels every non-terminal run and waits for scheduler goroutines to
// exit or ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		_ = o.CancelRun(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Scheduler ───────────────────────────────────────────────────────────────

// runLoop walks the flattened work queue in order, dispatching each unit to
// the best eligible client. Dispatch start order is deterministic; execution
// overlaps up to the clients' concurrency bounds.
func (o *Orchestrator) runLoop(runCtx context.Context, rs *runState, suite TestSuiteDefinition) {
	units := flatten(suite)

	var wg sync.WaitGroup
	for _, unit := range units {
		entry, seq, err := o.acquireClient(runCtx, unit.config)
		switch {
		case errors.Is(err, errRunCancelled):
			// Remaining dispatches are rejected.
			wg.Wait()
			o.finishRun(rs)
			return
		case errors.Is(err, ErrNoEligibleClient):
			// Coverage was validated at start, so losing it mid-run means the
			// covering client went away.
			o.recordResult(rs, TestResult{
				ConfigID:        unit.config.ID,
				RepetitionIndex: unit.repetition,
				Success:         false,
				ErrorKind:       KindClientGone,
				StartedAt:       o.clk.Now().UTC(),
				CompletedAt:     o.clk.Now().UTC(),
			})
			continue
		}

		wg.Add(1)
		go func(unit workUnit, entry *clientEntry, seq int64) {
			defer wg.Done()
			o.dispatchUnit(runCtx, rs, unit, entry, seq)
		}(unit, entry, seq)
	}

	wg.Wait()
	o.finishRun(rs)
}

// acquireClient blocks until an eligible client has a free slot, the run is
// cancelled, or no registered client covers the configuration at all. On
// success the client's in-flight counter is already incremented and a cancel
// slot reserved under seq.
func (o *Orchestrator) acquireClient(runCtx context.Context, cfg TestConfiguration) (*clientEntry, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		if runCtx.Err() != nil {
			return nil, 0, errRunCancelled
		}
		if !o.someClientCoversLocked(cfg) {
			return nil, 0, ErrNoEligibleClient
		}

		if entry := o.pickClientLocked(cfg); entry != nil {
			entry.inFlight++
			seq := entry.nextSeq
			entry.nextSeq++
			return entry, seq, nil
		}

		// All covering clients are at capacity or their breaker is open.
		// Slot releases and registration changes broadcast; breaker recovery
		// does not, so arrange a timed wake before sleeping.
		if !o.someEligibleClientLocked(cfg) {
			o.clk.AfterFunc(breakerWakeInterval, o.cond.Broadcast)
		}
		o.cond.Wait()
	}
}

// pickClientLocked selects the eligible client with the smallest in-flight
// count, tie-broken lexicographically by id. A client whose breaker is open
// is skipped; half-open clients are admitted only within their probe budget.
// Returns nil when none is free. Caller holds o.mu.
func (o *Orchestrator) pickClientLocked(cfg TestConfiguration) *clientEntry {
	type candidate struct {
		id    string
		entry *clientEntry
	}
	var candidates []candidate
	for id, e := range o.clients {
		if !e.caps.Covers(cfg) || e.inFlight >= e.caps.MaxConcurrentTests {
			continue
		}
		if e.breaker.State() == resilience.BreakerOpen {
			continue
		}
		candidates = append(candidates, candidate{id: id, entry: e})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].entry.inFlight != candidates[j].entry.inFlight {
			return candidates[i].entry.inFlight < candidates[j].entry.inFlight
		}
		return candidates[i].id < candidates[j].id
	})

	// Allow is consulted in preference order so a half-open client's probe
	// budget is only spent on the candidate actually dispatched to.
	for _, c := range candidates {
		if c.entry.breaker.Allow() {
			return c.entry
		}
	}
	return nil
}

// dispatchUnit executes one unit against entry, retrying per policy, and
// records the outcome. The in-flight slot acquired by acquireClient is
// released on return.
func (o *Orchestrator) dispatchUnit(runCtx context.Context, rs *runState, unit workUnit, entry *clientEntry, seq int64) {
	started := o.clk.Now().UTC()
	var lastKind Kind

	defer func() {
		o.mu.Lock()
		entry.inFlight--
		delete(entry.cancels, seq)
		o.cond.Broadcast()
		o.mu.Unlock()
	}()

	attempts := o.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		unitCtx, cancel := context.WithCancelCause(runCtx)
		deadline := o.clk.Now().Add(o.opts.UnitTimeout)
		timedCtx, cancelTimeout := context.WithDeadline(unitCtx, deadline)

		o.mu.Lock()
		entry.cancels[seq] = cancel
		o.mu.Unlock()

		report, err := entry.client.Execute(timedCtx, UnitDescriptor{
			RunID:           rs.id(),
			Config:          unit.config,
			RepetitionIndex: unit.repetition,
			Deadline:        deadline,
		})
		cause := context.Cause(timedCtx)
		cancelTimeout()
		cancel(nil)

		if err == nil {
			entry.breaker.RecordSuccess()
			result := TestResult{
				ConfigID:        unit.config.ID,
				ClientID:        entry.client.ID(),
				RepetitionIndex: unit.repetition,
				Latencies:       report.Latencies,
				Success:         report.Success,
				ErrorKind:       report.ErrorKind,
				StartedAt:       started,
				CompletedAt:     o.clk.Now().UTC(),
			}
			o.recordResult(rs, result)
			return
		}

		entry.breaker.RecordFailure()
		switch {
		case errors.Is(cause, errClientGone):
			lastKind = KindClientGone
		case errors.Is(cause, errRunCancelled) || runCtx.Err() != nil:
			// Cancelled runs produce no result for interrupted units.
			return
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
			lastKind = KindUnitTimeout
		default:
			lastKind = KindProviderError
		}

		if !lastKind.Retryable() {
			break
		}
		slog.Warn("unit dispatch failed, retrying",
			"run_id", rs.id(),
			"config_id", unit.config.ID,
			"client_id", entry.client.ID(),
			"attempt", attempt+1,
			"kind", lastKind,
		)
	}

	o.recordResult(rs, TestResult{
		ConfigID:        unit.config.ID,
		ClientID:        entry.client.ID(),
		RepetitionIndex: unit.repetition,
		Success:         false,
		ErrorKind:       lastKind,
		StartedAt:       started,
		CompletedAt:     o.clk.Now().UTC(),
	})
}

// recordResult appends result to the run in arrival order, advances the
// completed counter, and flushes to storage when the batch cadence is due.
// Results arriving after cancellation are recorded without touching the
// terminal status.
func (o *Orchestrator) recordResult(rs *runState, result TestResult) {
	rs.mu.Lock()
	result.RunID = rs.run.ID
	rs.run.Results = append(rs.run.Results, result)
	if rs.run.Completed < rs.run.Total {
		rs.run.Completed++
	}
	if !result.Success && unrecoverable(result.ErrorKind) {
		rs.failed = true
	}
	rs.pending = append(rs.pending, result)
	due := len(rs.pending) >= o.opts.FlushEvery || o.clk.Since(rs.lastFlush) >= o.opts.FlushInterval
	rs.mu.Unlock()

	if o.opts.ObserveResult != nil {
		o.opts.ObserveResult(result)
	}
	if due {
		o.flush(rs)
	}
}

// unrecoverable reports whether a failure kind triggers the aggregate
// failure policy: the run ends FAILED rather than COMPLETED.
func unrecoverable(kind Kind) bool {
	switch kind {
	case KindClientGone, KindClientNotEligible, KindStorageUnavailable, KindInternal:
		return true
	}
	return false
}

// finishRun seals a drained run: flushes buffered results and moves a still
// RUNNING run to COMPLETED or FAILED.
func (o *Orchestrator) finishRun(rs *runState) {
	o.flush(rs)

	rs.mu.Lock()
	if !rs.run.Status.Terminal() {
		if rs.failed {
			rs.run.Status = RunFailed
		} else {
			rs.run.Status = RunCompleted
		}
		rs.run.EndedAt = o.clk.Now().UTC()
	}
	status := rs.run.Status
	completed := rs.run.Completed
	rs.mu.Unlock()

	// Release the run context so watchers exit; a no-op for cancelled runs.
	rs.cancel(nil)

	o.persistRun(rs)
	slog.Info("test run finished", "run_id", rs.id(), "status", status, "completed", completed)
}

// flush appends buffered results to storage with retry. After retry
// exhaustion the run is promoted to FAILED; buffered results stay in memory
// and remain visible through GetRun.
func (o *Orchestrator) flush(rs *runState) {
	rs.flushMu.Lock()
	defer rs.flushMu.Unlock()

	rs.mu.Lock()
	pending := rs.pending
	rs.pending = nil
	rs.lastFlush = o.clk.Now()
	runID := rs.run.ID
	rs.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i, result := range pending {
		err := o.withRetry(ctx, func() error { return o.store.AppendResult(ctx, runID, result) })
		if err != nil {
			slog.Error("result flush failed, run marked failed",
				"run_id", runID, "buffered", len(pending)-i, "err", err)
			rs.mu.Lock()
			rs.failed = true
			if !rs.run.Status.Terminal() {
				rs.run.Status = RunFailed
				rs.run.EndedAt = o.clk.Now().UTC()
			}
			// Keep the unflushed tail buffered.
			rs.pending = append(pending[i:], rs.pending...)
			rs.mu.Unlock()
			return
		}
	}
}

// persistRun writes the run's current counters and status to storage.
func (o *Orchestrator) persistRun(rs *runState) {
	snap := rs.snapshot()
	snap.Results = nil // results are persisted through AppendResult

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.withRetry(ctx, func() error { return o.store.UpdateRun(ctx, snap) }); err != nil {
		slog.Error("run update failed", "run_id", snap.ID, "err", err)
	}
}

// withRetry runs op with the standard transient-error policy: exponential
// backoff, base 250 ms, ±20 % jitter, at most 5 attempts.
func (o *Orchestrator) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.RandomizationFactor = 0.2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	return err
}

// ─── runState helpers ────────────────────────────────────────────────────────

func (rs *runState) id() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.ID
}

// snapshot returns a deep-enough copy of the run for callers to keep.
func (rs *runState) snapshot() TestRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	snap := rs.run
	snap.Results = make([]TestResult, len(rs.run.Results))
	copy(snap.Results, rs.run.Results)
	return snap
}
