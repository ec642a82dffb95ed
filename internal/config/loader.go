package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by [ApplyEnv]. None of the configurable
// values are compiled in; everything can be supplied via file, flag, or env.
const (
	EnvListenAddr  = "CADENZA_LISTEN_ADDR"
	EnvDataDir     = "CADENZA_DATA_DIR"
	EnvPostgresDSN = "CADENZA_POSTGRES_DSN"
	EnvTTSAPIKey   = "CADENZA_TTS_API_KEY"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// built from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Storage: StorageConfig{
			Backend: StorageFile,
			DataDir: "data",
		},
		Sessions: SessionsConfig{
			Backend: SessionsMemory,
		},
		Idle: IdleConfig{
			Mode:            "balanced",
			MonitorInterval: time.Second,
			ProfileDir:      "data/power_profiles",
		},
		Audio: AudioConfig{
			PrefetchSegments: 2,
		},
		Latency: LatencyConfig{
			UnitTimeout:   30 * time.Second,
			MaxRetries:    2,
			FlushEvery:    10,
			FlushInterval: 2 * time.Second,
		},
		Provider: ProviderConfig{
			TTS: ProviderEntry{Name: "mock", VoiceID: "nova"},
		},
	}
}

// ApplyEnv overrides cfg with values from the process environment.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Storage.PostgresDSN = v
		cfg.Sessions.PostgresDSN = v
	}
	if v := os.Getenv(EnvTTSAPIKey); v != "" {
		cfg.Provider.TTS.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch cfg.Storage.Backend {
	case StorageFile:
		if cfg.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for the file backend"))
		}
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, postgres", cfg.Storage.Backend))
	}

	switch cfg.Sessions.Backend {
	case SessionsMemory:
	case SessionsPostgres:
		if cfg.Sessions.PostgresDSN == "" {
			errs = append(errs, errors.New("sessions.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.backend %q is invalid; valid values: memory, postgres", cfg.Sessions.Backend))
	}

	if cfg.Idle.MonitorInterval < 0 {
		errs = append(errs, errors.New("idle.monitor_interval must not be negative"))
	}
	if cfg.Idle.MonitorInterval > time.Second {
		errs = append(errs, fmt.Errorf("idle.monitor_interval %v exceeds the 1s bound", cfg.Idle.MonitorInterval))
	}
	if cfg.Audio.PrefetchSegments < 0 {
		errs = append(errs, errors.New("audio.prefetch_segments must not be negative"))
	}
	if cfg.Latency.MaxRetries < 0 {
		errs = append(errs, errors.New("latency.max_retries must not be negative"))
	}
	if cfg.Provider.TTS.Name == "" {
		errs = append(errs, errors.New("provider.tts.name is required"))
	}

	return errors.Join(errs...)
}
