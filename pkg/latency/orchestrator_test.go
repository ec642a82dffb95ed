package latency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/stats"
)

// fakeStore is an in-memory Store for orchestrator tests.
type fakeStore struct {
	mu        sync.Mutex
	suites    map[string]TestSuiteDefinition
	runs      map[string]TestRun
	results   map[string][]TestResult
	baselines map[string]PerformanceBaseline

	failAppends bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		suites:    make(map[string]TestSuiteDefinition),
		runs:      make(map[string]TestRun),
		results:   make(map[string][]TestResult),
		baselines: make(map[string]PerformanceBaseline),
	}
}

func (f *fakeStore) PutSuite(_ context.Context, s TestSuiteDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suites[s.ID] = s
	return nil
}

func (f *fakeStore) GetSuite(_ context.Context, id string) (TestSuiteDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.suites[id]
	if !ok {
		return TestSuiteDefinition{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSuites(_ context.Context) ([]TestSuiteDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TestSuiteDefinition, 0, len(f.suites))
	for _, s := range f.suites {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) PutRun(_ context.Context, r TestRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID] = r
	return nil
}

func (f *fakeStore) UpdateRun(ctx context.Context, r TestRun) error { return f.PutRun(ctx, r) }

func (f *fakeStore) GetRun(_ context.Context, id string) (TestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return TestRun{}, ErrNotFound
	}
	r.Results = append([]TestResult(nil), f.results[id]...)
	return r, nil
}

func (f *fakeStore) ListRuns(_ context.Context, filter RunFilter) ([]TestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TestRun
	for _, r := range f.runs {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) AppendResult(_ context.Context, runID string, res TestResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppends {
		return errors.New("storage down")
	}
	f.results[runID] = append(f.results[runID], res)
	return nil
}

func (f *fakeStore) PutBaseline(_ context.Context, b PerformanceBaseline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselines[b.ID] = b
	return nil
}

func (f *fakeStore) GetBaseline(_ context.Context, id string) (PerformanceBaseline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.baselines[id]
	if !ok {
		return PerformanceBaseline{}, ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) ListBaselines(_ context.Context) ([]PerformanceBaseline, error) {
	return nil, nil
}

func (f *fakeStore) storedResults(runID string) []TestResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TestResult(nil), f.results[runID]...)
}

// scriptedClient executes units through a configurable function.
type scriptedClient struct {
	id      string
	caps    ClientCapabilities
	execute func(ctx context.Context, unit UnitDescriptor) (UnitReport, error)
}

func (c *scriptedClient) ID() string                       { return c.id }
func (c *scriptedClient) Type() ClientType                 { return ClientMock }
func (c *scriptedClient) Capabilities() ClientCapabilities { return c.caps }
func (c *scriptedClient) Execute(ctx context.Context, unit UnitDescriptor) (UnitReport, error) {
	return c.execute(ctx, unit)
}

func allCaps() ClientCapabilities {
	return ClientCapabilities{
		SupportedSTTProviders: []string{"deepgram", "assemblyai", "apple", "web-speech"},
		SupportedLLMProviders: []string{"anthropic", "openai", "selfhosted"},
		SupportedTTSProviders: []string{"chatterbox", "vibevoice", "apple", "web-speech"},
		MaxConcurrentTests:    1,
	}
}

func okReport(e2e float64) UnitReport {
	return UnitReport{
		Latencies: StageLatencies{
			CaptureToSTT:  e2e * 0.3,
			STTToLLM:      e2e * 0.35,
			LLMToTTS:      e2e * 0.25,
			TTSToPlayback: e2e * 0.1,
			EndToEnd:      e2e,
		},
		Success: true,
	}
}

// awaitTerminal polls until the run reaches a terminal state.
func awaitTerminal(t *testing.T, orch *Orchestrator, runID string) TestRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := orch.GetRun(runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state")
	return TestRun{}
}

func smallSuite(reps int) TestSuiteDefinition {
	cfg := validConfig("cfg-a")
	cfg.Repetitions = reps
	return TestSuiteDefinition{
		ID:   "small",
		Name: "Small",
		Scenarios: []TestScenario{
			{ID: "s1", Configurations: []TestConfiguration{cfg}},
		},
	}
}

func TestOrchestrator_RegisterSuite_Idempotent(t *testing.T) {
	t.Parallel()

	orch := NewOrchestrator(newFakeStore(), Options{})
	ctx := context.Background()
	suite := smallSuite(1)

	if err := orch.RegisterSuite(ctx, suite); err != nil {
		t.Fatalf("first RegisterSuite: %v", err)
	}
	if err := orch.RegisterSuite(ctx, suite); err != nil {
		t.Errorf("identical re-registration: %v, want nil", err)
	}

	changed := suite
	changed.Name = "Renamed"
	if err := orch.RegisterSuite(ctx, changed); !errors.Is(err, ErrSuiteConflict) {
		t.Errorf("conflicting re-registration err = %v, want ErrSuiteConflict", err)
	}
}

func TestOrchestrator_StartTestRun_Errors(t *testing.T) {
	t.Parallel()

	orch := NewOrchestrator(newFakeStore(), Options{})
	ctx := context.Background()

	if _, err := orch.StartTestRun(ctx, "nope"); !errors.Is(err, ErrSuiteNotFound) {
		t.Errorf("unknown suite err = %v, want ErrSuiteNotFound", err)
	}

	if err := orch.RegisterSuite(ctx, smallSuite(1)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}
	if _, err := orch.StartTestRun(ctx, "small"); !errors.Is(err, ErrNoEligibleClient) {
		t.Errorf("no client err = %v, want ErrNoEligibleClient", err)
	}
}

func TestOrchestrator_CompletedRun(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{FlushEvery: 2})
	ctx := context.Background()

	if err := orch.RegisterSuite(ctx, smallSuite(6)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}
	client := &scriptedClient{
		id:   "client-a",
		caps: allCaps(),
		execute: func(_ context.Context, _ UnitDescriptor) (UnitReport, error) {
			return okReport(400), nil
		},
	}
	if err := orch.RegisterClient(client); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}
	if run.Status != RunRunning {
		t.Errorf("initial status = %s, want running", run.Status)
	}

	final := awaitTerminal(t, orch, run.ID)
	if final.Status != RunCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if final.Completed != 6 || len(final.Results) != 6 {
		t.Errorf("completed/results = %d/%d, want 6/6", final.Completed, len(final.Results))
	}
	for _, res := range final.Results {
		if !res.Success {
			t.Errorf("result %d failed: %s", res.RepetitionIndex, res.ErrorKind)
		}
		if res.ClientID != "client-a" {
			t.Errorf("result client = %q, want client-a", res.ClientID)
		}
	}

	// Every result reached storage by the time the run sealed.
	if got := len(store.storedResults(run.ID)); got != 6 {
		t.Errorf("stored results = %d, want 6", got)
	}
}

func TestOrchestrator_InFlightNeverExceedsBound(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	inFlight, maxSeen := 0, 0

	caps := allCaps()
	caps.MaxConcurrentTests = 2
	client := &scriptedClient{
		id:   "bounded",
		caps: caps,
		execute: func(_ context.Context, _ UnitDescriptor) (UnitReport, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return okReport(100), nil
		},
	}
	if err := orch.RegisterClient(client); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if err := orch.RegisterSuite(ctx, smallSuite(10)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}

	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}
	awaitTerminal(t, orch, run.ID)

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Errorf("max concurrent executions = %d, want <= 2", maxSeen)
	}
}

func TestOrchestrator_ClientGoneMidRun(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{FlushEvery: 1})
	ctx := context.Background()

	client := &scriptedClient{
		id:   "flaky",
		caps: allCaps(),
		execute: func(ctx context.Context, _ UnitDescriptor) (UnitReport, error) {
			// Slow enough that the run is still in progress when the client
			// is pulled after its first result lands.
			select {
			case <-time.After(20 * time.Millisecond):
				return okReport(300), nil
			case <-ctx.Done():
				return UnitReport{}, ctx.Err()
			}
		},
	}
	if err := orch.RegisterClient(client); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if err := orch.RegisterSuite(ctx, smallSuite(5)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}

	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}

	// Wait for the first result, then pull the client out from under the run.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := orch.GetRun(run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if snap.Completed >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first result never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	orch.UnregisterClient("flaky")

	final := awaitTerminal(t, orch, run.ID)
	if final.Status != RunFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}

	var ok, gone int
	for _, res := range final.Results {
		switch {
		case res.Success:
			ok++
		case res.ErrorKind == KindClientGone:
			gone++
		default:
			t.Errorf("unexpected result kind %q", res.ErrorKind)
		}
	}
	if ok == 0 {
		t.Error("expected at least one successful result before unregistration")
	}
	if gone == 0 {
		t.Error("expected client_gone failures for the remaining units")
	}

	// The successful result survived in storage.
	var storedOK int
	for _, res := range store.storedResults(run.ID) {
		if res.Success {
			storedOK++
		}
	}
	if storedOK == 0 {
		t.Error("successful result was not preserved in storage")
	}
}

func TestOrchestrator_CancelRun_Idempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{})
	ctx := context.Background()

	release := make(chan struct{})
	client := &scriptedClient{
		id:   "slow",
		caps: allCaps(),
		execute: func(ctx context.Context, _ UnitDescriptor) (UnitReport, error) {
			select {
			case <-release:
				return okReport(100), nil
			case <-ctx.Done():
				return UnitReport{}, ctx.Err()
			}
		},
	}
	if err := orch.RegisterClient(client); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if err := orch.RegisterSuite(ctx, smallSuite(3)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}

	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}

	if err := orch.CancelRun(run.ID); err != nil {
		t.Fatalf("first CancelRun: %v", err)
	}
	afterFirst := awaitTerminal(t, orch, run.ID)
	if afterFirst.Status != RunCancelled {
		t.Fatalf("status = %s, want cancelled", afterFirst.Status)
	}

	if err := orch.CancelRun(run.ID); err != nil {
		t.Fatalf("second CancelRun: %v", err)
	}
	afterSecond, err := orch.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if afterSecond.Status != RunCancelled {
		t.Errorf("status after repeat cancel = %s, want cancelled", afterSecond.Status)
	}
	if len(afterSecond.Results) != len(afterFirst.Results) {
		t.Errorf("results changed on repeat cancel: %d -> %d", len(afterFirst.Results), len(afterSecond.Results))
	}
	close(release)
}

func TestOrchestrator_RetryOnTimeoutThenFail(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{
		UnitTimeout: 10 * time.Millisecond,
		MaxRetries:  1,
	})
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	client := &scriptedClient{
		id:   "stuck",
		caps: allCaps(),
		execute: func(ctx context.Context, _ UnitDescriptor) (UnitReport, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			<-ctx.Done()
			return UnitReport{}, ctx.Err()
		},
	}
	if err := orch.RegisterClient(client); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if err := orch.RegisterSuite(ctx, smallSuite(1)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}

	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}
	final := awaitTerminal(t, orch, run.ID)

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 2 {
		t.Errorf("attempts = %d, want 2 (original + 1 retry)", got)
	}
	if len(final.Results) != 1 || final.Results[0].ErrorKind != KindUnitTimeout {
		t.Errorf("result = %+v, want one unit_timeout failure", final.Results)
	}
	// A timeout exhaustion is a retryable reason; the run itself completes.
	if final.Status != RunCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
}

func TestOrchestrator_DeterministicClientChoice(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	exec := func(id string) func(context.Context, UnitDescriptor) (UnitReport, error) {
		return func(_ context.Context, _ UnitDescriptor) (UnitReport, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return okReport(100), nil
		}
	}

	caps := allCaps()
	caps.MaxConcurrentTests = 1
	// Register in non-lexicographic order; dispatch must still prefer "a".
	if err := orch.RegisterClient(&scriptedClient{id: "b", caps: caps, execute: exec("b")}); err != nil {
		t.Fatal(err)
	}
	if err := orch.RegisterClient(&scriptedClient{id: "a", caps: caps, execute: exec("a")}); err != nil {
		t.Fatal(err)
	}
	if err := orch.RegisterSuite(ctx, smallSuite(1)); err != nil {
		t.Fatal(err)
	}

	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}
	awaitTerminal(t, orch, run.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 || order[0] != "a" {
		t.Errorf("dispatch order = %v, want [a]", order)
	}
}

func TestOrchestrator_BreakerSkipsTrippedClient(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{})
	ctx := context.Background()

	// Client "a" fails every attempt; with the default retry budget its
	// first unit records three consecutive failures and trips its breaker.
	var mu sync.Mutex
	var aAttempts int
	failing := &scriptedClient{
		id:   "a",
		caps: allCaps(),
		execute: func(_ context.Context, _ UnitDescriptor) (UnitReport, error) {
			mu.Lock()
			aAttempts++
			mu.Unlock()
			return UnitReport{}, errors.New("device wedged")
		},
	}
	healthy := &scriptedClient{
		id:   "b",
		caps: allCaps(),
		execute: func(_ context.Context, _ UnitDescriptor) (UnitReport, error) {
			return okReport(400), nil
		},
	}
	if err := orch.RegisterClient(failing); err != nil {
		t.Fatalf("RegisterClient(a): %v", err)
	}
	if err := orch.RegisterClient(healthy); err != nil {
		t.Fatalf("RegisterClient(b): %v", err)
	}
	if err := orch.RegisterSuite(ctx, smallSuite(6)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}

	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}
	final := awaitTerminal(t, orch, run.ID)

	if final.Status != RunCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}

	// Exactly one unit went to "a" (the one that tripped the breaker);
	// everything after it was dispatched to "b".
	var fromA, fromB int
	for _, res := range final.Results {
		switch res.ClientID {
		case "a":
			fromA++
			if res.Success || res.ErrorKind != KindProviderError {
				t.Errorf("result from a = %+v, want provider_error failure", res)
			}
		case "b":
			fromB++
			if !res.Success {
				t.Errorf("result from b failed: %s", res.ErrorKind)
			}
		}
	}
	if fromA != 1 || fromB != 5 {
		t.Errorf("dispatch split = a:%d b:%d, want a:1 b:5", fromA, fromB)
	}

	mu.Lock()
	attempts := aAttempts
	mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts on a = %d, want 3 (original + 2 retries, then tripped)", attempts)
	}

	// The tripped client is reported unreachable.
	for _, status := range orch.Clients() {
		if status.ClientID == "a" && status.Reachable {
			t.Error("client a reported reachable with an open breaker")
		}
		if status.ClientID == "b" && !status.Reachable {
			t.Error("client b reported unreachable")
		}
	}
}

func TestOrchestrator_BreakerOpen_NoEligibleClient(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{})
	ctx := context.Background()

	solo := &scriptedClient{
		id:   "solo",
		caps: allCaps(),
		execute: func(_ context.Context, _ UnitDescriptor) (UnitReport, error) {
			return UnitReport{}, errors.New("device wedged")
		},
	}
	if err := orch.RegisterClient(solo); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if err := orch.RegisterSuite(ctx, smallSuite(1)); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}

	// First run burns the retry budget and trips the only client's breaker.
	run, err := orch.StartTestRun(ctx, "small")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}
	awaitTerminal(t, orch, run.ID)

	// With its sole covering client tripped, a new run is rejected up front.
	if _, err := orch.StartTestRun(ctx, "small"); !errors.Is(err, ErrNoEligibleClient) {
		t.Errorf("StartTestRun with tripped client err = %v, want ErrNoEligibleClient", err)
	}
}

func TestOrchestrator_MockClientRunStatistics(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	orch := NewOrchestrator(store, Options{})
	ctx := context.Background()

	// Mirror the CLI's quick-validation setup: 6 configs, one repetition;
	// every unit reports a fixed 400 ms end to end.
	if err := orch.RegisterSuite(ctx, QuickValidationSuite()); err != nil {
		t.Fatalf("RegisterSuite: %v", err)
	}
	client := &scriptedClient{
		id:   "mock",
		caps: allCaps(),
		execute: func(_ context.Context, _ UnitDescriptor) (UnitReport, error) {
			return okReport(400), nil
		},
	}
	if err := orch.RegisterClient(client); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	run, err := orch.StartTestRun(ctx, "quick_validation")
	if err != nil {
		t.Fatalf("StartTestRun: %v", err)
	}
	final := awaitTerminal(t, orch, run.ID)

	if final.Status != RunCompleted || final.Completed != 6 {
		t.Fatalf("run = %s %d/6, want completed 6/6", final.Status, final.Completed)
	}

	var e2e []float64
	for _, res := range final.Results {
		e2e = append(e2e, res.Latencies.EndToEnd)
	}
	summary := stats.Summarize(e2e)
	if summary.Median < 350 || summary.Median > 450 {
		t.Errorf("median = %.1f, want within [350, 450]", summary.Median)
	}
}
