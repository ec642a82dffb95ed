// Package mock provides an in-process test double for the latency.Client
// interface.
//
// The mock client synthesises unit reports by sampling stage latencies from a
// seeded normal distribution, so orchestrator runs are fast, deterministic,
// and require no device on the other end. Use the Fail* fields to inject
// failures and Delay to exercise timeout paths.
package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/latency"
)

// Client is a mock implementation of [latency.Client].
type Client struct {
	// ClientID is returned by ID. Defaults to "mock_client" when empty.
	ClientID string

	// Caps is returned by Capabilities. Use [DefaultCapabilities] for a set
	// that covers the built-in suites.
	Caps latency.ClientCapabilities

	// MeanMS and StdDevMS parameterise the end-to-end latency distribution.
	// Defaults: 400 ms mean, 30 ms standard deviation.
	MeanMS   float64
	StdDevMS float64

	// Delay is slept (context-aware) before each report is produced.
	// Use a value above the unit timeout to exercise deadline handling.
	Delay time.Duration

	// FailEveryN makes every Nth execution report Success=false with
	// FailKind. Zero disables failure injection.
	FailEveryN int

	// FailKind is the error kind attached to injected failures.
	// Defaults to "unit_failed".
	FailKind latency.Kind

	// Seed fixes the latency distribution. A zero seed is replaced with 1 so
	// repeated runs stay reproducible by default.
	Seed int64

	mu       sync.Mutex
	rng      *rand.Rand
	executed int

	// Executed records every dispatched unit in order.
	Executed []latency.UnitDescriptor
}

// DefaultCapabilities returns a capability set covering the providers used by
// the built-in suites, with precision timing and a concurrency bound of 1.
func DefaultCapabilities() latency.ClientCapabilities {
	return latency.ClientCapabilities{
		SupportedSTTProviders: []string{"deepgram", "assemblyai", "apple", "web-speech"},
		SupportedLLMProviders: []string{"anthropic", "openai", "selfhosted"},
		SupportedTTSProviders: []string{"chatterbox", "vibevoice", "apple", "web-speech"},
		HighPrecisionTiming:   true,
		DeviceMetrics:         true,
		MaxConcurrentTests:    1,
	}
}

// ID implements [latency.Client].
func (c *Client) ID() string {
	if c.ClientID == "" {
		return "mock_client"
	}
	return c.ClientID
}

// Type implements [latency.Client].
func (c *Client) Type() latency.ClientType { return latency.ClientMock }

// Capabilities implements [latency.Client].
func (c *Client) Capabilities() latency.ClientCapabilities { return c.Caps }

// Execute implements [latency.Client]. It records the unit, waits Delay, and
// returns a sampled report. Cancellation during the delay returns ctx.Err().
func (c *Client) Execute(ctx context.Context, unit latency.UnitDescriptor) (latency.UnitReport, error) {
	c.mu.Lock()
	c.Executed = append(c.Executed, unit)
	c.executed++
	n := c.executed
	if c.rng == nil {
		seed := c.Seed
		if seed == 0 {
			seed = 1
		}
		c.rng = rand.New(rand.NewSource(seed))
	}
	e2e := c.rng.NormFloat64()*c.stdDev() + c.mean()
	c.mu.Unlock()

	if c.Delay > 0 {
		select {
		case <-ctx.Done():
			return latency.UnitReport{}, ctx.Err()
		case <-time.After(c.Delay):
		}
	}

	if c.FailEveryN > 0 && n%c.FailEveryN == 0 {
		kind := c.FailKind
		if kind == "" {
			kind = latency.KindUnitFailed
		}
		return latency.UnitReport{Success: false, ErrorKind: kind}, nil
	}

	if e2e < 1 {
		e2e = 1
	}
	// Split the sampled end-to-end latency over the four stages with fixed
	// proportions resembling a real cascade (STT-heavy, playback-light).
	return latency.UnitReport{
		Latencies: latency.StageLatencies{
			CaptureToSTT:  e2e * 0.30,
			STTToLLM:      e2e * 0.35,
			LLMToTTS:      e2e * 0.25,
			TTSToPlayback: e2e * 0.10,
			EndToEnd:      e2e,
		},
		Success: true,
	}, nil
}

func (c *Client) mean() float64 {
	if c.MeanMS == 0 {
		return 400
	}
	return c.MeanMS
}

func (c *Client) stdDev() float64 {
	if c.StdDevMS == 0 {
		return 30
	}
	return c.StdDevMS
}

var _ latency.Client = (*Client)(nil)
