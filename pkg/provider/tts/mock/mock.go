// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled clips to the audio cache and to verify
// which text and voice reached the backend.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Clip is returned by Synthesize when SynthesizeErr is nil. When
	// Clip.Audio is empty, Synthesize fabricates a payload derived from the
	// input text so distinct segments yield distinct audio.
	Clip tts.Clip

	// SynthesizeErr, if non-nil, is returned from Synthesize.
	SynthesizeErr error

	// SynthesizeDelay is slept (context-aware) before each clip is returned.
	SynthesizeDelay time.Duration

	// VoicesResult is returned by Voices.
	VoicesResult []tts.Voice

	// VoicesErr, if non-nil, is returned from Voices.
	VoicesErr error

	// SynthesizeCalls records every Synthesize invocation in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured clip or error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Clip, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	clip := p.Clip
	err := p.SynthesizeErr
	delay := p.SynthesizeDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return tts.Clip{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err != nil {
		return tts.Clip{}, err
	}
	if len(clip.Audio) == 0 {
		clip.Audio = []byte("pcm:" + text)
	}
	if clip.Duration == 0 {
		clip.Duration = time.Duration(len(text)) * 50 * time.Millisecond
	}
	return clip, nil
}

// Voices records nothing and returns the configured catalogue.
func (p *Provider) Voices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VoicesResult, p.VoicesErr
}

// Calls returns a copy of the recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

var _ tts.Provider = (*Provider)(nil)
