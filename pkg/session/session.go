// Package session defines the per-user session model and the Store
// capability the audio bus reads through.
//
// A session carries two substates: playback position and voice
// configuration. The audio bus is the only mutator of both; everything else
// takes snapshot reads. Implementations of [Store] must be safe for
// concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
)

// Speed bounds for [VoiceConfig].
const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// ErrNotFound is returned by Store lookups when no session exists.
var ErrNotFound = errors.New("session: not found")

// PlaybackState is the session's position in the current topic's audio.
type PlaybackState struct {
	CurriculumID string `json:"curriculum_id,omitempty"`
	TopicID      string `json:"topic_id,omitempty"`
	SegmentIndex int    `json:"segment_index"`
	OffsetMS     int    `json:"offset_ms"`
	IsPlaying    bool   `json:"is_playing"`
}

// VoiceConfig is the session's synthesis configuration. Options carries
// provider-specific knobs that the core does not interpret.
type VoiceConfig struct {
	VoiceID     string             `json:"voice_id"`
	TTSProvider string             `json:"tts_provider"`
	Speed       float64            `json:"speed"`
	Options     map[string]float64 `json:"options,omitempty"`
}

// Validate checks the voice config invariants.
func (v VoiceConfig) Validate() error {
	if v.Speed < MinSpeed || v.Speed > MaxSpeed {
		return fmt.Errorf("session: speed %.2f out of range [%.2f, %.2f]", v.Speed, MinSpeed, MaxSpeed)
	}
	return nil
}

// DefaultVoiceConfig is the voice configuration assigned to new sessions.
func DefaultVoiceConfig() VoiceConfig {
	return VoiceConfig{
		VoiceID:     "nova",
		TTSProvider: "chatterbox",
		Speed:       1.0,
	}
}

// VoicePatch carries the non-nil fields of a voice_config message. Nil
// fields leave the current value untouched.
type VoicePatch struct {
	VoiceID     *string
	TTSProvider *string
	Speed       *float64
	Options     map[string]float64
}

// UserSession is one user's session record.
type UserSession struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Playback  PlaybackState `json:"playback"`
	Voice     VoiceConfig   `json:"voice"`
}

// Store is the session lookup and mutation capability.
type Store interface {
	// Get returns the session with the given id, or [ErrNotFound].
	Get(ctx context.Context, sessionID string) (UserSession, error)

	// GetByUser returns the user's session, or [ErrNotFound].
	GetByUser(ctx context.Context, userID string) (UserSession, error)

	// Create makes a fresh session for userID with default substates and
	// returns it.
	Create(ctx context.Context, userID string) (UserSession, error)

	// UpdatePlayback replaces the playback substate.
	UpdatePlayback(ctx context.Context, sessionID string, playback PlaybackState) error

	// UpdateVoice merges patch into the voice substate and returns the
	// merged result. A patched speed outside the valid range is rejected.
	UpdateVoice(ctx context.Context, sessionID string, patch VoicePatch) (VoiceConfig, error)

	// SetTopic points the session at a (curriculum, topic) pair. The segment
	// index and playing flag are preserved.
	SetTopic(ctx context.Context, sessionID, curriculumID, topicID string) error
}

// ApplyPatch merges patch over cfg and validates the result.
func ApplyPatch(cfg VoiceConfig, patch VoicePatch) (VoiceConfig, error) {
	if patch.VoiceID != nil {
		cfg.VoiceID = *patch.VoiceID
	}
	if patch.TTSProvider != nil {
		cfg.TTSProvider = *patch.TTSProvider
	}
	if patch.Speed != nil {
		cfg.Speed = *patch.Speed
	}
	if len(patch.Options) > 0 {
		merged := make(map[string]float64, len(cfg.Options)+len(patch.Options))
		for k, v := range cfg.Options {
			merged[k] = v
		}
		for k, v := range patch.Options {
			merged[k] = v
		}
		cfg.Options = merged
	}
	if err := cfg.Validate(); err != nil {
		return VoiceConfig{}, err
	}
	return cfg, nil
}
