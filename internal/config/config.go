// Package config provides the configuration schema, loader, and TTS provider
// registry for the Cadenza control plane.
package config

import "time"

// LogLevel controls logging verbosity.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the known values.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file via [Load]. Environment variables override credentials and paths —
// see [ApplyEnv].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Sessions SessionsConfig `yaml:"sessions"`
	Idle     IdleConfig     `yaml:"idle"`
	Audio    AudioConfig    `yaml:"audio"`
	Latency  LatencyConfig  `yaml:"latency"`
	Provider ProviderConfig `yaml:"provider"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// Storage backend names.
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// StorageConfig selects and parameterises the latency store backend.
type StorageConfig struct {
	// Backend is "file" or "postgres".
	Backend string `yaml:"backend"`

	// DataDir is the root directory of the file backend.
	DataDir string `yaml:"data_dir"`

	// PostgresDSN is the connection string of the relational backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Session backend names.
const (
	SessionsMemory   = "memory"
	SessionsPostgres = "postgres"
)

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`

	// PostgresDSN is the connection string when Backend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`
}

// IdleConfig parameterises the idle state manager.
type IdleConfig struct {
	// Mode is the initial power mode id (e.g. "balanced").
	Mode string `yaml:"mode"`

	// MonitorInterval is the monitor wake interval, capped at one second.
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	// ProfileDir is where user-defined power profiles are persisted.
	ProfileDir string `yaml:"profile_dir"`
}

// AudioConfig parameterises the audio session bus.
type AudioConfig struct {
	// PrefetchSegments is how many upcoming segments are synthesised ahead
	// of the one just served.
	PrefetchSegments int `yaml:"prefetch_segments"`

	// CacheCapacity bounds cached clips per session.
	CacheCapacity int `yaml:"cache_capacity"`
}

// LatencyConfig parameterises the test orchestrator.
type LatencyConfig struct {
	// UnitTimeout is the per-unit dispatch deadline.
	UnitTimeout time.Duration `yaml:"unit_timeout"`

	// MaxRetries bounds re-dispatches of a failed unit.
	MaxRetries int `yaml:"max_retries"`

	// RunTimeout optionally caps a run's wall clock. Zero means no cap.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// FlushEvery and FlushInterval bound the storage write cadence.
	FlushEvery    int           `yaml:"flush_every"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ProviderConfig declares the TTS provider backing the audio cache.
type ProviderConfig struct {
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block for a provider. The Name
// field selects the constructor registered in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g. "mock").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// VoiceID is the default voice for new sessions.
	VoiceID string `yaml:"voice_id"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}
