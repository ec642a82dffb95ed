// Package latency implements the latency test orchestrator: suite and client
// registries, the run scheduler, result ingestion, and the results analyzer.
//
// A test suite is an ordered list of scenarios, each an ordered list of
// provider configurations with a repetition count. The orchestrator flattens
// the suite into a work queue, dispatches units to eligible clients, collects
// per-stage latency reports, and persists runs through a pluggable
// [storage.Store]. The analyzer turns a terminal run (plus an optional stored
// baseline) into a pure, deterministic report.
package latency

import (
	"fmt"
	"time"
)

// MaxRepetitions bounds the repetition count of a single configuration.
const MaxRepetitions = 100

// ClientType identifies the class of device a test client runs on.
type ClientType string

const (
	ClientIOSDevice    ClientType = "ios_device"
	ClientIOSSimulator ClientType = "ios_simulator"
	ClientAndroid      ClientType = "android"
	ClientWeb          ClientType = "web"
	ClientMock         ClientType = "mock"
)

// RunStatus is the lifecycle state of a [TestRun]. Transitions are monotone:
// PENDING → RUNNING → one of the terminal states, which are sticky.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// TestConfiguration is a single parameter combination under test: a
// provider triple, a voice, a network profile, and a repetition count.
// Immutable once its suite is registered.
type TestConfiguration struct {
	ID             string `json:"id"`
	STTProvider    string `json:"stt_provider"`
	LLMProvider    string `json:"llm_provider"`
	TTSProvider    string `json:"tts_provider"`
	VoiceID        string `json:"voice_id"`
	NetworkProfile string `json:"network_profile"`
	Repetitions    int    `json:"repetitions"`
}

// Validate checks the configuration invariants: non-empty provider triple and
// a repetition count in [1, MaxRepetitions].
func (c TestConfiguration) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("configuration id is required")
	}
	if c.STTProvider == "" || c.LLMProvider == "" || c.TTSProvider == "" {
		return fmt.Errorf("configuration %q: provider triple must be non-empty", c.ID)
	}
	if c.Repetitions < 1 || c.Repetitions > MaxRepetitions {
		return fmt.Errorf("configuration %q: repetitions %d out of range [1, %d]", c.ID, c.Repetitions, MaxRepetitions)
	}
	return nil
}

// TestScenario is an ordered list of configurations with a shared intent
// (e.g. "all providers on a clean network"). Configuration IDs are unique
// within a scenario.
type TestScenario struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Configurations []TestConfiguration `json:"configurations"`
}

// TestSuiteDefinition is an immutable, registered suite of scenarios.
type TestSuiteDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Scenarios   []TestScenario `json:"scenarios"`
}

// TotalTestCount is the derived unit count: Σ configurations × repetitions.
func (s TestSuiteDefinition) TotalTestCount() int {
	total := 0
	for _, sc := range s.Scenarios {
		for _, cfg := range sc.Configurations {
			total += cfg.Repetitions
		}
	}
	return total
}

// Validate checks suite invariants: id present, every configuration valid,
// configuration ids unique within each scenario.
func (s TestSuiteDefinition) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("suite id is required")
	}
	for _, sc := range s.Scenarios {
		if sc.ID == "" {
			return fmt.Errorf("suite %q: scenario id is required", s.ID)
		}
		seen := make(map[string]struct{}, len(sc.Configurations))
		for _, cfg := range sc.Configurations {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("suite %q scenario %q: %w", s.ID, sc.ID, err)
			}
			if _, dup := seen[cfg.ID]; dup {
				return fmt.Errorf("suite %q scenario %q: duplicate configuration id %q", s.ID, sc.ID, cfg.ID)
			}
			seen[cfg.ID] = struct{}{}
		}
	}
	return nil
}

// StageLatencies holds the per-stage breakdown of one measured voice turn,
// in milliseconds.
type StageLatencies struct {
	CaptureToSTT  float64 `json:"capture_to_stt_ms"`
	STTToLLM      float64 `json:"stt_to_llm_ms"`
	LLMToTTS      float64 `json:"llm_to_tts_ms"`
	TTSToPlayback float64 `json:"tts_to_playback_ms"`
	EndToEnd      float64 `json:"end_to_end_ms"`
}

// Sum returns the sum of the four stage latencies. For a successful result
// EndToEnd equals Sum within measurement noise.
func (l StageLatencies) Sum() float64 {
	return l.CaptureToSTT + l.STTToLLM + l.LLMToTTS + l.TTSToPlayback
}

// TestResult is one completed (or failed) unit of work. Appended to its run
// in arrival order and never mutated afterwards.
type TestResult struct {
	RunID           string         `json:"run_id"`
	ConfigID        string         `json:"config_id"`
	ClientID        string         `json:"client_id"`
	RepetitionIndex int            `json:"repetition_index"`
	Latencies       StageLatencies `json:"latencies"`
	Success         bool           `json:"success"`
	ErrorKind       Kind           `json:"error_kind,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// TestRun is one execution of a suite. Status transitions are monotone and
// terminal states are sticky; Completed never exceeds Total.
type TestRun struct {
	ID        string       `json:"id"`
	SuiteID   string       `json:"suite_id"`
	SuiteName string       `json:"suite_name"`
	Status    RunStatus    `json:"status"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitzero"`
	Results   []TestResult `json:"results"`
}

// ProgressPercent returns completion progress in [0, 100].
func (r TestRun) ProgressPercent() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Completed) / float64(r.Total) * 100
}

// Elapsed returns the run's wall-clock duration, using now for a run that
// has not ended yet.
func (r TestRun) Elapsed(now time.Time) time.Duration {
	if !r.EndedAt.IsZero() {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// ClientCapabilities describes what a registered client can execute.
type ClientCapabilities struct {
	SupportedSTTProviders []string `json:"supported_stt_providers"`
	SupportedLLMProviders []string `json:"supported_llm_providers"`
	SupportedTTSProviders []string `json:"supported_tts_providers"`
	HighPrecisionTiming   bool     `json:"has_high_precision_timing"`
	DeviceMetrics         bool     `json:"has_device_metrics"`
	OnDeviceML            bool     `json:"has_on_device_ml"`
	MaxConcurrentTests    int      `json:"max_concurrent_tests"`
}

// Covers reports whether the capabilities include the configuration's full
// provider triple.
func (c ClientCapabilities) Covers(cfg TestConfiguration) bool {
	return contains(c.SupportedSTTProviders, cfg.STTProvider) &&
		contains(c.SupportedLLMProviders, cfg.LLMProvider) &&
		contains(c.SupportedTTSProviders, cfg.TTSProvider)
}

// Validate checks that the supported sets are non-empty and the concurrency
// bound is at least 1.
func (c ClientCapabilities) Validate() error {
	if len(c.SupportedSTTProviders) == 0 || len(c.SupportedLLMProviders) == 0 || len(c.SupportedTTSProviders) == 0 {
		return fmt.Errorf("capabilities: supported provider sets must be non-empty")
	}
	if c.MaxConcurrentTests < 1 {
		return fmt.Errorf("capabilities: max_concurrent_tests %d must be >= 1", c.MaxConcurrentTests)
	}
	return nil
}

// ClientStatus is the orchestrator's view of one registered client.
type ClientStatus struct {
	ClientID     string             `json:"client_id"`
	Type         ClientType         `json:"client_type"`
	Capabilities ClientCapabilities `json:"capabilities"`
	Reachable    bool               `json:"reachable"`
	InFlight     int                `json:"in_flight"`
}

// BaselineMetrics holds the frozen per-configuration statistics of a
// baseline. Immutable once stored.
type BaselineMetrics struct {
	MedianMS    float64 `json:"median_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	SampleCount int     `json:"sample_count"`
}

// PerformanceBaseline is the reference point for regression detection:
// one [BaselineMetrics] per configuration of its source run.
type PerformanceBaseline struct {
	ID          string                     `json:"id"`
	CreatedAt   time.Time                  `json:"created_at"`
	SourceRunID string                     `json:"source_run_id"`
	Configs     map[string]BaselineMetrics `json:"configs"`
}

// UnitDescriptor is what the orchestrator hands a client: the configuration,
// the repetition index, and the absolute deadline for the report.
type UnitDescriptor struct {
	RunID           string
	Config          TestConfiguration
	RepetitionIndex int
	Deadline        time.Time
}

// UnitReport is the client's answer to a dispatched unit.
type UnitReport struct {
	Latencies StageLatencies
	Success   bool
	ErrorKind Kind
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
