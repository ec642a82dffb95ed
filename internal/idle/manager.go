// Package idle implements the tiered idle state manager.
//
// A wall-clock activity timer drives a five-level state machine
// (ACTIVE → WARM → COOL → COLD → DORMANT) whose thresholds come from
// switchable power modes. A background monitor re-evaluates the target state
// on a bounded interval; recorded activity that would re-enter a lower tier
// transitions immediately so wake-ups are observed promptly. Registered
// handlers and typed service hooks run on every transition.
//
// All exported methods are safe for concurrent use.
package idle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Monitor defaults and bounds.
const (
	// maxInterval caps the monitor wake interval so a state change is never
	// observed more than a second late.
	maxInterval = time.Second

	// historyCap bounds the transition ring buffer.
	historyCap = 256
)

// Transition records one state change.
type Transition struct {
	From    State         `json:"from"`
	To      State         `json:"to"`
	Trigger string        `json:"trigger"`
	At      time.Time     `json:"at"`
	IdleFor time.Duration `json:"idle_for"`
}

// Handler is invoked with the transition that fired it. Handlers run after
// the state change is committed; a panicking handler is logged and never
// prevents the others from running.
type Handler func(Transition)

// ServiceHooks are the typed callback slots for heavyweight service
// lifecycle. Unset slots are no-ops. Hooks are launched fire-and-forget and
// must be internally cancellation-safe.
type ServiceHooks struct {
	// PrewarmTTS and PrewarmLLM fire on entering ACTIVE.
	PrewarmTTS func(context.Context)
	PrewarmLLM func(context.Context)

	// UnloadLLM fires on entering COLD.
	UnloadLLM func(context.Context)

	// UnloadSTT fires on entering DORMANT.
	UnloadSTT func(context.Context)
}

// ProfileStore persists user-defined power modes. Built-in modes are never
// written.
type ProfileStore interface {
	SaveProfile(ctx context.Context, mode PowerMode) error
	DeleteProfile(ctx context.Context, id string) error
	LoadProfiles(ctx context.Context) ([]PowerMode, error)
}

// Config assembles a [Manager].
type Config struct {
	// Clock substitutes the time source in tests. Default: the real clock.
	Clock clock.Clock

	// Interval is the monitor wake interval, clamped to at most one second.
	// Default: one second.
	Interval time.Duration

	// Mode is the initial power mode id. Default: "balanced".
	Mode string

	// Profiles persists user-defined modes. Optional; without it profile
	// mutations are kept in memory only.
	Profiles ProfileStore

	// Hooks are the typed service lifecycle callbacks.
	Hooks ServiceHooks

	// ObserveState, when set, is called with the new state after every
	// transition. The app layer wires this to the metrics instruments.
	ObserveState func(State)
}

// Manager owns the current idle state, the activity timer, the power mode
// registry, and the bounded transition history.
type Manager struct {
	clk      clock.Clock
	interval time.Duration
	profiles ProfileStore
	hooks    ServiceHooks
	observe  func(State)

	mu               sync.Mutex
	state            State
	lastActivity     time.Time
	lastActivityType string
	keepAwakeUntil   time.Time
	thresholds       Thresholds
	enabled          bool
	modes            map[string]PowerMode
	activeMode       string

	stateHandlers  map[State][]Handler
	globalHandlers []Handler

	history     [historyCap]Transition
	historyLen  int
	historyNext int

	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewManager creates a manager in the configured mode with the activity
// timer set to now. Loadable user profiles are merged over the built-ins.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Interval <= 0 || cfg.Interval > maxInterval {
		cfg.Interval = maxInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBalanced
	}

	m := &Manager{
		clk:           cfg.Clock,
		interval:      cfg.Interval,
		profiles:      cfg.Profiles,
		hooks:         cfg.Hooks,
		observe:       cfg.ObserveState,
		modes:         BuiltinModes(),
		stateHandlers: make(map[State][]Handler),
	}
	m.lastActivity = m.clk.Now()

	if m.profiles != nil {
		loaded, err := m.profiles.LoadProfiles(context.Background())
		if err != nil {
			return nil, fmt.Errorf("idle: load profiles: %w", err)
		}
		for _, p := range loaded {
			p.Builtin = false
			m.modes[p.ID] = p
		}
	}

	mode, ok := m.modes[cfg.Mode]
	if !ok {
		return nil, fmt.Errorf("idle: unknown power mode %q", cfg.Mode)
	}
	m.activeMode = mode.ID
	m.thresholds = mode.Thresholds
	m.enabled = mode.Enabled

	return m, nil
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start launches the background monitor. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	stop, stopped := m.stop, m.stopped
	m.mu.Unlock()

	go m.monitor(stop, stopped)
	slog.Info("idle monitor started", "mode", m.Mode().ID, "interval", m.interval)
}

// Stop cancels the monitor and waits for it to exit. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	stopped := m.stopped
	m.mu.Unlock()

	<-stopped
	slog.Info("idle monitor stopped")
}

// monitor wakes on the interval and re-evaluates the target state.
func (m *Manager) monitor(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.evaluate("monitor")
		}
	}
}

// evaluate transitions to the computed target state if it differs from the
// current one.
func (m *Manager) evaluate(trigger string) {
	m.mu.Lock()
	now := m.clk.Now()
	target := m.targetStateLocked(now)
	if target == m.state {
		m.mu.Unlock()
		return
	}
	t := m.commitLocked(target, trigger, now)
	handlers := m.handlersForLocked(target)
	m.mu.Unlock()

	m.dispatch(t, handlers)
}

// targetStateLocked computes the state the thresholds demand right now.
// Caller holds m.mu.
func (m *Manager) targetStateLocked(now time.Time) State {
	if !m.enabled {
		return StateActive
	}
	if now.Before(m.keepAwakeUntil) {
		return StateActive
	}
	idle := now.Sub(m.lastActivity)
	switch {
	case idle >= m.thresholds.Dormant:
		return StateDormant
	case idle >= m.thresholds.Cold:
		return StateCold
	case idle >= m.thresholds.Cool:
		return StateCool
	case idle >= m.thresholds.Warm:
		return StateWarm
	default:
		return StateActive
	}
}

// commitLocked updates the state and history, returning the transition
// record. Caller holds m.mu.
func (m *Manager) commitLocked(to State, trigger string, now time.Time) Transition {
	t := Transition{
		From:    m.state,
		To:      to,
		Trigger: trigger,
		At:      now.UTC(),
		IdleFor: now.Sub(m.lastActivity),
	}
	m.state = to

	m.history[m.historyNext] = t
	m.historyNext = (m.historyNext + 1) % historyCap
	if m.historyLen < historyCap {
		m.historyLen++
	}
	return t
}

// handlersForLocked snapshots the handler lists to invoke for a transition
// into state. Caller holds m.mu.
func (m *Manager) handlersForLocked(to State) []Handler {
	handlers := make([]Handler, 0, len(m.stateHandlers[to])+len(m.globalHandlers))
	handlers = append(handlers, m.stateHandlers[to]...)
	handlers = append(handlers, m.globalHandlers...)
	return handlers
}

// dispatch invokes handlers and service hooks for a committed transition.
func (m *Manager) dispatch(t Transition, handlers []Handler) {
	slog.Info("idle state transition",
		"from", t.From, "to", t.To, "trigger", t.Trigger, "idle_for", t.IdleFor)

	if m.observe != nil {
		m.observe(t.To)
	}

	for _, h := range handlers {
		m.invoke(h, t)
	}

	switch t.To {
	case StateActive:
		m.fireHook(m.hooks.PrewarmTTS, "prewarm_tts")
		m.fireHook(m.hooks.PrewarmLLM, "prewarm_llm")
	case StateCold:
		m.fireHook(m.hooks.UnloadLLM, "unload_llm")
	case StateDormant:
		m.fireHook(m.hooks.UnloadSTT, "unload_stt")
	}
}

// invoke runs one handler, containing panics so the rest still run.
func (m *Manager) invoke(h Handler, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("idle handler panicked",
				"from", t.From, "to", t.To, "trigger", t.Trigger, "panic", r)
		}
	}()
	h(t)
}

// fireHook launches a service hook fire-and-forget.
func (m *Manager) fireHook(hook func(context.Context), name string) {
	if hook == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("idle service hook panicked", "hook", name, "panic", r)
			}
		}()
		hook(context.Background())
	}()
}

// ─── Activity ────────────────────────────────────────────────────────────────

// RecordActivity resets the activity timer. When the reset would re-enter a
// lower-level state the transition happens immediately rather than on the
// next monitor tick.
func (m *Manager) RecordActivity(activityType, source string) {
	m.mu.Lock()
	now := m.clk.Now()
	m.lastActivity = now
	m.lastActivityType = activityType

	target := m.targetStateLocked(now)
	if target.Level() >= m.state.Level() {
		m.mu.Unlock()
		return
	}
	t := m.commitLocked(target, "activity:"+activityType, now)
	handlers := m.handlersForLocked(target)
	m.mu.Unlock()

	slog.Debug("activity recorded", "type", activityType, "source", source)
	m.dispatch(t, handlers)
}

// KeepAwake clamps the target state to ACTIVE for the given duration.
func (m *Manager) KeepAwake(d time.Duration) {
	m.mu.Lock()
	until := m.clk.Now().Add(d)
	if until.After(m.keepAwakeUntil) {
		m.keepAwakeUntil = until
	}
	m.mu.Unlock()

	// Apply the floor promptly rather than waiting for the next tick.
	m.evaluate("keep_awake")
}

// CancelKeepAwake clears the keep-awake floor.
func (m *Manager) CancelKeepAwake() {
	m.mu.Lock()
	m.keepAwakeUntil = time.Time{}
	m.mu.Unlock()
}

// ─── Introspection ───────────────────────────────────────────────────────────

// State returns the current idle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IdleFor returns how long the system has been without activity.
func (m *Manager) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clk.Now().Sub(m.lastActivity)
}

// LastActivityType returns the type tag of the most recent activity.
func (m *Manager) LastActivityType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivityType
}

// TransitionHistory returns up to limit transitions, newest first. A
// non-positive limit returns the full retained history.
func (m *Manager) TransitionHistory(limit int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.historyLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Transition, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.historyNext - i + historyCap) % historyCap
		out = append(out, m.history[idx])
	}
	return out
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// OnState registers a handler invoked on every transition into state.
func (m *Manager) OnState(state State, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHandlers[state] = append(m.stateHandlers[state], h)
}

// OnTransition registers a handler invoked on every transition.
func (m *Manager) OnTransition(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalHandlers = append(m.globalHandlers, h)
}

// ─── Power modes ─────────────────────────────────────────────────────────────

// Mode returns the active power mode.
func (m *Manager) Mode() PowerMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[m.activeMode]
}

// Modes returns all registered power modes.
func (m *Manager) Modes() []PowerMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PowerMode, 0, len(m.modes))
	for _, mode := range m.modes {
		out = append(out, mode)
	}
	return out
}

// SetMode swaps the thresholds and enabled flag to the named mode
// atomically. The activity timer is untouched; the next evaluation applies
// the new thresholds. Setting the already-active mode is a no-op.
func (m *Manager) SetMode(id string) error {
	m.mu.Lock()
	mode, ok := m.modes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("idle: unknown power mode %q", id)
	}
	if m.activeMode == id && m.thresholds == mode.Thresholds && m.enabled == mode.Enabled {
		m.mu.Unlock()
		return nil
	}
	m.activeMode = id
	m.thresholds = mode.Thresholds
	m.enabled = mode.Enabled
	m.mu.Unlock()

	slog.Info("power mode set", "mode", id, "enabled", mode.Enabled)
	m.evaluate("set_mode")
	return nil
}

// SetThresholds merges the patch over the current thresholds and switches to
// the implicit "custom" mode. Non-monotone results are rejected and the
// current thresholds stay in effect.
func (m *Manager) SetThresholds(patch ThresholdPatch) error {
	m.mu.Lock()
	merged := patch.apply(m.thresholds)
	if err := merged.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	custom := PowerMode{
		ID:          ModeCustom,
		Name:        "Custom",
		Description: "User-supplied thresholds.",
		Thresholds:  merged,
		Enabled:     true,
	}
	m.modes[ModeCustom] = custom
	m.activeMode = ModeCustom
	m.thresholds = merged
	m.enabled = true
	m.mu.Unlock()

	slog.Info("custom thresholds set", "thresholds", merged)
	m.evaluate("set_thresholds")
	return nil
}

// CreateProfile registers and persists a user-defined power mode. The id
// must not collide with an existing mode.
func (m *Manager) CreateProfile(ctx context.Context, mode PowerMode) error {
	if mode.ID == "" {
		return fmt.Errorf("idle: profile id is required")
	}
	if err := mode.Thresholds.Validate(); err != nil {
		return err
	}
	mode.Builtin = false

	m.mu.Lock()
	if _, exists := m.modes[mode.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("idle: power mode %q already exists", mode.ID)
	}
	m.modes[mode.ID] = mode
	m.mu.Unlock()

	return m.persistProfile(ctx, mode)
}

// UpdateProfile replaces a user-defined power mode. Built-ins are immutable.
// Updating the active profile re-applies its thresholds.
func (m *Manager) UpdateProfile(ctx context.Context, mode PowerMode) error {
	if err := mode.Thresholds.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	existing, ok := m.modes[mode.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("idle: unknown power mode %q", mode.ID)
	}
	if existing.Builtin {
		m.mu.Unlock()
		return fmt.Errorf("idle: built-in mode %q is immutable", mode.ID)
	}
	mode.Builtin = false
	m.modes[mode.ID] = mode
	active := m.activeMode == mode.ID
	if active {
		m.thresholds = mode.Thresholds
		m.enabled = mode.Enabled
	}
	m.mu.Unlock()

	if active {
		m.evaluate("update_profile")
	}
	return m.persistProfile(ctx, mode)
}

// DeleteProfile removes a user-defined power mode. Built-ins cannot be
// deleted; deleting the active profile switches to "balanced".
func (m *Manager) DeleteProfile(ctx context.Context, id string) error {
	m.mu.Lock()
	existing, ok := m.modes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("idle: unknown power mode %q", id)
	}
	if existing.Builtin {
		m.mu.Unlock()
		return fmt.Errorf("idle: built-in mode %q cannot be deleted", id)
	}
	delete(m.modes, id)
	wasActive := m.activeMode == id
	m.mu.Unlock()

	if m.profiles != nil {
		if err := m.profiles.DeleteProfile(ctx, id); err != nil {
			return fmt.Errorf("idle: delete profile %q: %w", id, err)
		}
	}
	if wasActive {
		return m.SetMode(ModeBalanced)
	}
	return nil
}

// DuplicateProfile copies an existing mode (built-in or not) under a new id
// as a user-defined profile.
func (m *Manager) DuplicateProfile(ctx context.Context, sourceID, newID, name string) error {
	m.mu.Lock()
	source, ok := m.modes[sourceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("idle: unknown power mode %q", sourceID)
	}
	if _, exists := m.modes[newID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("idle: power mode %q already exists", newID)
	}
	dup := source
	dup.ID = newID
	dup.Name = name
	dup.Builtin = false
	m.modes[newID] = dup
	m.mu.Unlock()

	return m.persistProfile(ctx, dup)
}

func (m *Manager) persistProfile(ctx context.Context, mode PowerMode) error {
	if m.profiles == nil {
		return nil
	}
	if err := m.profiles.SaveProfile(ctx, mode); err != nil {
		return fmt.Errorf("idle: persist profile %q: %w", mode.ID, err)
	}
	return nil
}
