// Package audiocache keeps synthesised topic-segment audio per session so
// that repeat requests and prefetched segments are served without another
// round-trip to the TTS backend.
//
// Cache entries are keyed by (session, curriculum, topic, segment index) plus
// a fingerprint of the session's voice configuration — changing the voice
// invalidates every previously cached clip for that session. All exported
// methods are goroutine-safe.
package audiocache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cadenza-ai/cadenza/pkg/provider/tts"
	"github.com/cadenza-ai/cadenza/pkg/session"
)

// defaultCapacity is the per-session entry bound. A topic rarely exceeds a
// few dozen segments; 64 keeps the current topic plus prefetch headroom.
const defaultCapacity = 64

// Cache synthesises and retains audio clips per session.
type Cache struct {
	provider tts.Provider
	capacity int

	mu       sync.Mutex
	sessions map[string]*sessionEntries
}

// sessionEntries is one session's clip map with insertion-order eviction.
type sessionEntries struct {
	clips map[string]tts.Clip
	order []string
}

// New creates a cache backed by provider. capacity bounds the entries kept
// per session; zero means the default.
func New(provider tts.Provider, capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{
		provider: provider,
		capacity: capacity,
		sessions: make(map[string]*sessionEntries),
	}
}

// Audio returns the clip for one segment, synthesising on a miss. The hit
// flag reflects the cache state at the time of this call — a prefetch that
// completes afterwards does not rewrite history.
func (c *Cache) Audio(ctx context.Context, sess session.UserSession, segmentIndex int, text string) (tts.Clip, bool, error) {
	key := c.key(sess, segmentIndex)

	c.mu.Lock()
	if entries, ok := c.sessions[sess.SessionID]; ok {
		if clip, ok := entries.clips[key]; ok {
			c.mu.Unlock()
			return clip, true, nil
		}
	}
	c.mu.Unlock()

	clip, err := c.synthesize(ctx, sess, text)
	if err != nil {
		return tts.Clip{}, false, err
	}
	c.store(sess.SessionID, key, clip)
	return clip, false, nil
}

// Generate synthesises a segment into the cache without serving it. Used by
// prefetch; a clip already present is left untouched.
func (c *Cache) Generate(ctx context.Context, sess session.UserSession, segmentIndex int, text string) error {
	key := c.key(sess, segmentIndex)

	c.mu.Lock()
	if entries, ok := c.sessions[sess.SessionID]; ok {
		if _, ok := entries.clips[key]; ok {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	clip, err := c.synthesize(ctx, sess, text)
	if err != nil {
		return err
	}
	c.store(sess.SessionID, key, clip)
	return nil
}

// Contains reports whether the segment is currently cached for the session.
func (c *Cache) Contains(sess session.UserSession, segmentIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.sessions[sess.SessionID]
	if !ok {
		return false
	}
	_, ok = entries.clips[c.key(sess, segmentIndex)]
	return ok
}

// Drop discards all cached clips for the session. Closing a session's bus
// channel does not call it; clips stay cached until Drop or eviction.
func (c *Cache) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (c *Cache) synthesize(ctx context.Context, sess session.UserSession, text string) (tts.Clip, error) {
	voice := tts.Voice{
		ID:       sess.Voice.VoiceID,
		Provider: sess.Voice.TTSProvider,
		Speed:    sess.Voice.Speed,
		Options:  sess.Voice.Options,
	}
	clip, err := c.provider.Synthesize(ctx, text, voice)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("audiocache: synthesize: %w", err)
	}
	if len(clip.Audio) == 0 {
		return tts.Clip{}, fmt.Errorf("audiocache: provider returned empty clip")
	}
	return clip, nil
}

func (c *Cache) store(sessionID, key string, clip tts.Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.sessions[sessionID]
	if !ok {
		entries = &sessionEntries{clips: make(map[string]tts.Clip)}
		c.sessions[sessionID] = entries
	}
	if _, exists := entries.clips[key]; !exists {
		entries.order = append(entries.order, key)
	}
	entries.clips[key] = clip

	for len(entries.order) > c.capacity {
		evicted := entries.order[0]
		entries.order = entries.order[1:]
		delete(entries.clips, evicted)
		slog.Debug("audio cache evicted segment", "session_id", sessionID, "key", evicted)
	}
}

// key builds the cache key including the voice fingerprint.
func (c *Cache) key(sess session.UserSession, segmentIndex int) string {
	return fmt.Sprintf("%s/%s/%d/%s", sess.Playback.CurriculumID, sess.Playback.TopicID, segmentIndex, voiceFingerprint(sess.Voice))
}

// voiceFingerprint returns a stable string identifying the voice settings.
func voiceFingerprint(v session.VoiceConfig) string {
	fp := fmt.Sprintf("%s|%s|%.2f", v.VoiceID, v.TTSProvider, v.Speed)
	if len(v.Options) > 0 {
		keys := make([]string, 0, len(v.Options))
		for k := range v.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fp += fmt.Sprintf("|%s=%.3f", k, v.Options[k])
		}
	}
	return fp
}
