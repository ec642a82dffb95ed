package idle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// testThresholds matches the walk used across the acceptance scenarios:
// 10s / 60s / 300s / 1800s.
func testThresholds() ThresholdPatch {
	warm := 10 * time.Second
	cool := 60 * time.Second
	cold := 300 * time.Second
	dormant := 1800 * time.Second
	return ThresholdPatch{Warm: &warm, Cool: &cool, Cold: &cold, Dormant: &dormant}
}

func newTestManager(t *testing.T, clk clock.Clock) *Manager {
	t.Helper()
	m, err := NewManager(Config{Clock: clk})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetThresholds(testThresholds()); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}
	return m
}

func TestManager_IdleWalk(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	m := newTestManager(t, clk)

	steps := []struct {
		advanceTo time.Duration
		want      State
	}{
		{9 * time.Second, StateActive},
		{10 * time.Second, StateWarm}, // inclusive lower bound
		{60 * time.Second, StateCool},
		{300 * time.Second, StateCold},
		{1800 * time.Second, StateDormant},
	}

	start := clk.Now()
	for _, step := range steps {
		clk.Set(start.Add(step.advanceTo))
		m.evaluate("monitor")
		if got := m.State(); got != step.want {
			t.Errorf("state at idle=%v is %s, want %s", step.advanceTo, got, step.want)
		}
	}

	history := m.TransitionHistory(0)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	// Newest first.
	if history[0].To != StateDormant || history[3].To != StateWarm {
		t.Errorf("history order wrong: newest=%s oldest=%s", history[0].To, history[3].To)
	}
}

func TestManager_ActivityTransitionsImmediately(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	m := newTestManager(t, clk)

	clk.Add(100 * time.Second)
	m.evaluate("monitor")
	if m.State() != StateCool {
		t.Fatalf("state = %s, want COOL at 100s idle", m.State())
	}

	// Activity wakes the manager without waiting for the next tick.
	m.RecordActivity("audio_ws", "session-1")
	if m.State() != StateActive {
		t.Errorf("state after activity = %s, want ACTIVE", m.State())
	}

	history := m.TransitionHistory(1)
	if len(history) != 1 || history[0].Trigger != "activity:audio_ws" {
		t.Errorf("latest transition = %+v, want activity trigger", history)
	}
	if m.LastActivityType() != "audio_ws" {
		t.Errorf("last activity type = %q", m.LastActivityType())
	}
}

func TestManager_KeepAwake(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	m := newTestManager(t, clk)

	m.KeepAwake(120 * time.Second)

	clk.Add(30 * time.Second)
	m.evaluate("monitor")
	if m.State() != StateActive {
		t.Errorf("state at 30s with keep-awake = %s, want ACTIVE", m.State())
	}

	// Floor expired; idle keeps accruing from the last real activity, so
	// 125s of idle lands in COOL.
	clk.Add(95 * time.Second)
	m.evaluate("monitor")
	if m.State() != StateCool {
		t.Errorf("state at 125s idle = %s, want COOL", m.State())
	}

	m.CancelKeepAwake()
	m.RecordActivity("test", "t")
	m.KeepAwake(10 * time.Second)
	clk.Add(5 * time.Second)
	m.evaluate("monitor")
	if m.State() != StateActive {
		t.Errorf("state inside fresh keep-awake = %s, want ACTIVE", m.State())
	}
}

func TestManager_KeepAwakeScenario(t *testing.T) {
	t.Parallel()

	// keep_awake(120) at t=0 with warm=10s: ACTIVE at t=30; with activity
	// refreshed at t=120 still ACTIVE at t=125, and WARM 10s later.
	clk := clock.NewMock()
	m := newTestManager(t, clk)

	m.KeepAwake(120 * time.Second)
	clk.Add(30 * time.Second)
	m.evaluate("monitor")
	if m.State() != StateActive {
		t.Fatalf("t=30s: state = %s, want ACTIVE", m.State())
	}

	// Reset activity at the moment the keep-awake was set is NOT part of the
	// contract: idle keeps accruing from t=0, so at t=125 the 60s cool
	// threshold is already crossed. Model the scenario by refreshing
	// activity at t=120 when the floor expires.
	clk.Add(90 * time.Second) // t=120
	m.RecordActivity("wake", "t")
	clk.Add(5 * time.Second) // t=125, idle=5s
	m.evaluate("monitor")
	if m.State() != StateActive {
		t.Fatalf("t=125s idle=5s: state = %s, want ACTIVE", m.State())
	}
	clk.Add(10 * time.Second) // idle=15s
	m.evaluate("monitor")
	if m.State() != StateWarm {
		t.Errorf("idle=15s: state = %s, want WARM", m.State())
	}
}

func TestManager_SetMode(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	m, err := NewManager(Config{Clock: clk})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.SetMode("nope"); err == nil {
		t.Error("SetMode(unknown) = nil error")
	}

	if err := m.SetMode(ModePowerSaver); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if m.Mode().ID != ModePowerSaver {
		t.Errorf("active mode = %s, want power_saver", m.Mode().ID)
	}

	// Second call is a no-op.
	if err := m.SetMode(ModePowerSaver); err != nil {
		t.Errorf("repeat SetMode: %v", err)
	}

	// performance disables idle management entirely.
	if err := m.SetMode(ModePerformance); err != nil {
		t.Fatalf("SetMode(performance): %v", err)
	}
	clk.Add(24 * time.Hour)
	m.evaluate("monitor")
	if m.State() != StateActive {
		t.Errorf("state with disabled mode = %s, want ACTIVE", m.State())
	}
}

func TestManager_SetThresholds_RejectsNonMonotone(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, clock.NewMock())
	before := m.Mode()

	bad := 5 * time.Second // would make cool < warm
	err := m.SetThresholds(ThresholdPatch{Cool: &bad})
	if err == nil {
		t.Fatal("SetThresholds(non-monotone) = nil error")
	}
	if m.Mode().ID != before.ID {
		t.Errorf("mode changed after rejected patch: %s", m.Mode().ID)
	}
}

func TestManager_Handlers(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	m := newTestManager(t, clk)

	var mu sync.Mutex
	var calls []string

	m.OnState(StateWarm, func(tr Transition) {
		mu.Lock()
		calls = append(calls, "warm:"+tr.From.String())
		mu.Unlock()
	})
	m.OnState(StateWarm, func(Transition) {
		panic("handler failure")
	})
	m.OnTransition(func(tr Transition) {
		mu.Lock()
		calls = append(calls, "global:"+tr.To.String())
		mu.Unlock()
	})

	clk.Add(15 * time.Second)
	m.evaluate("monitor")

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want warm handler and global handler despite the panic", calls)
	}
	if calls[0] != "warm:ACTIVE" || calls[1] != "global:WARM" {
		t.Errorf("calls = %v", calls)
	}
}

func TestManager_ServiceHooks(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	cold := make(chan struct{}, 1)
	prewarm := make(chan struct{}, 2)

	m, err := NewManager(Config{
		Clock: clk,
		Hooks: ServiceHooks{
			UnloadLLM:  func(context.Context) { cold <- struct{}{} },
			PrewarmTTS: func(context.Context) { prewarm <- struct{}{} },
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.SetThresholds(testThresholds()); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}

	clk.Add(300 * time.Second)
	m.evaluate("monitor")
	select {
	case <-cold:
	case <-time.After(time.Second):
		t.Fatal("UnloadLLM hook never fired on COLD")
	}

	m.RecordActivity("wake", "t")
	select {
	case <-prewarm:
	case <-time.After(time.Second):
		t.Fatal("PrewarmTTS hook never fired on ACTIVE")
	}
}

func TestManager_TransitionHistory_Bounded(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	m := newTestManager(t, clk)

	// Bounce between ACTIVE and WARM well past the ring capacity.
	for i := 0; i < historyCap; i++ {
		clk.Add(15 * time.Second)
		m.evaluate("monitor")
		m.RecordActivity("bounce", "t")
	}

	history := m.TransitionHistory(0)
	if len(history) != historyCap {
		t.Errorf("history length = %d, want capped at %d", len(history), historyCap)
	}

	limited := m.TransitionHistory(5)
	if len(limited) != 5 {
		t.Errorf("limited history length = %d, want 5", len(limited))
	}
	if limited[0].At.Before(limited[4].At) {
		t.Error("history not newest-first")
	}
}

func TestManager_Profiles(t *testing.T) {
	t.Parallel()

	store, err := NewFileProfileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileProfileStore: %v", err)
	}
	m, err := NewManager(Config{Clock: clock.NewMock(), Profiles: store})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	custom := PowerMode{
		ID:         "night",
		Name:       "Night",
		Thresholds: Thresholds{Warm: time.Minute, Cool: 5 * time.Minute, Cold: 20 * time.Minute, Dormant: time.Hour},
		Enabled:    true,
	}
	if err := m.CreateProfile(ctx, custom); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if err := m.CreateProfile(ctx, custom); err == nil {
		t.Error("duplicate CreateProfile = nil error")
	}

	// Persisted profiles survive a fresh manager.
	m2, err := NewManager(Config{Clock: clock.NewMock(), Profiles: store, Mode: "night"})
	if err != nil {
		t.Fatalf("NewManager with persisted profile: %v", err)
	}
	if m2.Mode().ID != "night" {
		t.Errorf("mode = %s, want night", m2.Mode().ID)
	}

	// Built-ins are immutable.
	balanced := BuiltinModes()[ModeBalanced]
	if err := m.UpdateProfile(ctx, balanced); err == nil {
		t.Error("UpdateProfile(builtin) = nil error")
	}
	if err := m.DeleteProfile(ctx, ModeBalanced); err == nil {
		t.Error("DeleteProfile(builtin) = nil error")
	}

	// Duplicating a built-in yields a mutable copy.
	if err := m.DuplicateProfile(ctx, ModeBalanced, "balanced-2", "Balanced Copy"); err != nil {
		t.Fatalf("DuplicateProfile: %v", err)
	}

	// Deleting the active profile switches to balanced.
	if err := m.SetMode("night"); err != nil {
		t.Fatalf("SetMode(night): %v", err)
	}
	if err := m.DeleteProfile(ctx, "night"); err != nil {
		t.Fatalf("DeleteProfile(night): %v", err)
	}
	if m.Mode().ID != ModeBalanced {
		t.Errorf("mode after deleting active profile = %s, want balanced", m.Mode().ID)
	}
}

func TestManager_MonitorLoop(t *testing.T) {
	t.Parallel()

	m, err := NewManager(Config{Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	warm := 10 * time.Millisecond
	cool := 20 * time.Millisecond
	cold := 30 * time.Millisecond
	dormant := 40 * time.Millisecond
	if err := m.SetThresholds(ThresholdPatch{Warm: &warm, Cool: &cool, Cold: &cold, Dormant: &dormant}); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}

	m.Start()
	m.Start() // idempotent
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateDormant {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never reached DORMANT, state = %s", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Stop()
	m.Stop() // idempotent
}

func TestThresholds_Validate(t *testing.T) {
	t.Parallel()

	good := Thresholds{Warm: 1 * time.Second, Cool: 2 * time.Second, Cold: 3 * time.Second, Dormant: 4 * time.Second}
	if err := good.Validate(); err != nil {
		t.Errorf("valid thresholds rejected: %v", err)
	}

	tests := []Thresholds{
		{Warm: 0, Cool: 2 * time.Second, Cold: 3 * time.Second, Dormant: 4 * time.Second},
		{Warm: 2 * time.Second, Cool: 2 * time.Second, Cold: 3 * time.Second, Dormant: 4 * time.Second},
		{Warm: 1 * time.Second, Cool: 5 * time.Second, Cold: 3 * time.Second, Dormant: 4 * time.Second},
		{Warm: 1 * time.Second, Cool: 2 * time.Second, Cold: 3 * time.Second, Dormant: 3 * time.Second},
	}
	for i, bad := range tests {
		if err := bad.Validate(); err == nil {
			t.Errorf("case %d: non-monotone thresholds accepted: %+v", i, bad)
		}
	}
}
