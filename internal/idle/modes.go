package idle

import (
	"fmt"
	"time"
)

// State is one tier of presumed user absence. Higher levels authorise
// heavier resource reclamation.
type State int

const (
	StateActive State = iota
	StateWarm
	StateCool
	StateCold
	StateDormant
)

// Level returns the numeric tier, 0 (active) through 4 (dormant).
func (s State) Level() int { return int(s) }

// String returns the uppercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateWarm:
		return "WARM"
	case StateCool:
		return "COOL"
	case StateCold:
		return "COLD"
	case StateDormant:
		return "DORMANT"
	default:
		return "UNKNOWN"
	}
}

// Thresholds holds the idle durations at which each tier is entered. A set
// is valid only when strictly monotone: warm < cool < cold < dormant.
type Thresholds struct {
	Warm    time.Duration `yaml:"warm" json:"warm"`
	Cool    time.Duration `yaml:"cool" json:"cool"`
	Cold    time.Duration `yaml:"cold" json:"cold"`
	Dormant time.Duration `yaml:"dormant" json:"dormant"`
}

// Validate enforces strict monotonicity and positivity.
func (t Thresholds) Validate() error {
	if t.Warm <= 0 {
		return fmt.Errorf("idle: warm threshold must be positive, got %v", t.Warm)
	}
	if !(t.Warm < t.Cool && t.Cool < t.Cold && t.Cold < t.Dormant) {
		return fmt.Errorf("idle: thresholds must satisfy warm < cool < cold < dormant, got %v < %v < %v < %v",
			t.Warm, t.Cool, t.Cold, t.Dormant)
	}
	return nil
}

// ThresholdPatch carries partial threshold overrides; nil fields keep the
// current value.
type ThresholdPatch struct {
	Warm    *time.Duration
	Cool    *time.Duration
	Cold    *time.Duration
	Dormant *time.Duration
}

// apply merges the patch over t.
func (p ThresholdPatch) apply(t Thresholds) Thresholds {
	if p.Warm != nil {
		t.Warm = *p.Warm
	}
	if p.Cool != nil {
		t.Cool = *p.Cool
	}
	if p.Cold != nil {
		t.Cold = *p.Cold
	}
	if p.Dormant != nil {
		t.Dormant = *p.Dormant
	}
	return t
}

// PowerMode is a named threshold profile plus an enabled flag. Built-in
// modes are immutable; user-defined profiles are persisted through a
// [ProfileStore].
type PowerMode struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Thresholds  Thresholds `json:"thresholds"`
	Enabled     bool       `json:"enabled"`
	Builtin     bool       `json:"builtin"`
}

// Built-in mode ids.
const (
	ModePerformance  = "performance"
	ModeBalanced     = "balanced"
	ModePowerSaver   = "power_saver"
	ModeDevelopment  = "development"
	ModePresentation = "presentation"
	ModeCustom       = "custom"
)

// BuiltinModes returns a fresh copy of the built-in power modes.
func BuiltinModes() map[string]PowerMode {
	return map[string]PowerMode{
		ModePerformance: {
			ID:          ModePerformance,
			Name:        "Performance",
			Description: "Idle management off: every service stays hot.",
			Thresholds:  Thresholds{Warm: 2 * time.Minute, Cool: 10 * time.Minute, Cold: 30 * time.Minute, Dormant: 2 * time.Hour},
			Enabled:     false,
			Builtin:     true,
		},
		ModeBalanced: {
			ID:          ModeBalanced,
			Name:        "Balanced",
			Description: "Default trade-off between wake latency and resource use.",
			Thresholds:  Thresholds{Warm: 2 * time.Minute, Cool: 10 * time.Minute, Cold: 30 * time.Minute, Dormant: 2 * time.Hour},
			Enabled:     true,
			Builtin:     true,
		},
		ModePowerSaver: {
			ID:          ModePowerSaver,
			Name:        "Power Saver",
			Description: "Tight thresholds: services are reclaimed aggressively.",
			Thresholds:  Thresholds{Warm: 30 * time.Second, Cool: 3 * time.Minute, Cold: 10 * time.Minute, Dormant: 30 * time.Minute},
			Enabled:     true,
			Builtin:     true,
		},
		ModeDevelopment: {
			ID:          ModeDevelopment,
			Name:        "Development",
			Description: "Relaxed thresholds so local iteration never fights unloads.",
			Thresholds:  Thresholds{Warm: 5 * time.Minute, Cool: 30 * time.Minute, Cold: 2 * time.Hour, Dormant: 6 * time.Hour},
			Enabled:     true,
			Builtin:     true,
		},
		ModePresentation: {
			ID:          ModePresentation,
			Name:        "Presentation",
			Description: "Long thresholds for demos with sparse interaction.",
			Thresholds:  Thresholds{Warm: 10 * time.Minute, Cool: time.Hour, Cold: 3 * time.Hour, Dormant: 8 * time.Hour},
			Enabled:     true,
			Builtin:     true,
		},
	}
}
