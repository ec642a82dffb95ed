package audiocache

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/cadenza-ai/cadenza/pkg/provider/tts/mock"
	"github.com/cadenza-ai/cadenza/pkg/session"
)

func testSession() session.UserSession {
	return session.UserSession{
		SessionID: "session-1",
		UserID:    "user-1",
		Playback:  session.PlaybackState{CurriculumID: "c1", TopicID: "t1"},
		Voice:     session.DefaultVoiceConfig(),
	}
}

func TestCache_MissThenHit(t *testing.T) {
	t.Parallel()

	provider := &ttsmock.Provider{}
	c := New(provider, 0)
	ctx := context.Background()
	sess := testSession()

	clip, hit, err := c.Audio(ctx, sess, 0, "hello world")
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if hit {
		t.Error("hit = true on first request")
	}
	if len(clip.Audio) == 0 || clip.Duration <= 0 {
		t.Errorf("clip = %+v, want non-empty audio with duration", clip)
	}

	again, hit, err := c.Audio(ctx, sess, 0, "hello world")
	if err != nil {
		t.Fatalf("Audio (cached): %v", err)
	}
	if !hit {
		t.Error("hit = false on repeat request")
	}
	if string(again.Audio) != string(clip.Audio) {
		t.Error("cached clip differs from original")
	}
	if calls := provider.Calls(); len(calls) != 1 {
		t.Errorf("synthesize calls = %d, want 1", len(calls))
	}
}

func TestCache_VoiceChangeInvalidates(t *testing.T) {
	t.Parallel()

	c := New(&ttsmock.Provider{}, 0)
	ctx := context.Background()
	sess := testSession()

	if _, _, err := c.Audio(ctx, sess, 0, "hello"); err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if !c.Contains(sess, 0) {
		t.Fatal("segment not cached")
	}

	sess.Voice.Speed = 2.0
	if c.Contains(sess, 0) {
		t.Error("Contains = true after voice change, want cache miss")
	}
	_, hit, err := c.Audio(ctx, sess, 0, "hello")
	if err != nil {
		t.Fatalf("Audio after voice change: %v", err)
	}
	if hit {
		t.Error("hit = true after voice change")
	}
}

func TestCache_Generate(t *testing.T) {
	t.Parallel()

	provider := &ttsmock.Provider{}
	c := New(provider, 0)
	ctx := context.Background()
	sess := testSession()

	if err := c.Generate(ctx, sess, 1, "segment one"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !c.Contains(sess, 1) {
		t.Error("generated segment not cached")
	}

	// Generating again does not re-synthesise.
	if err := c.Generate(ctx, sess, 1, "segment one"); err != nil {
		t.Fatalf("repeat Generate: %v", err)
	}
	if calls := provider.Calls(); len(calls) != 1 {
		t.Errorf("synthesize calls = %d, want 1", len(calls))
	}

	// The serving request now hits.
	_, hit, err := c.Audio(ctx, sess, 1, "segment one")
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if !hit {
		t.Error("hit = false for a prefetched segment")
	}
}

func TestCache_ProviderError(t *testing.T) {
	t.Parallel()

	c := New(&ttsmock.Provider{SynthesizeErr: errors.New("backend down")}, 0)
	_, _, err := c.Audio(context.Background(), testSession(), 0, "hello")
	if err == nil {
		t.Error("Audio = nil error with failing provider")
	}
}

func TestCache_EvictionBound(t *testing.T) {
	t.Parallel()

	c := New(&ttsmock.Provider{}, 2)
	ctx := context.Background()
	sess := testSession()

	for i, text := range []string{"a", "b", "c"} {
		if err := c.Generate(ctx, sess, i, text); err != nil {
			t.Fatalf("Generate %d: %v", i, err)
		}
	}

	if c.Contains(sess, 0) {
		t.Error("oldest entry survived past the capacity bound")
	}
	if !c.Contains(sess, 1) || !c.Contains(sess, 2) {
		t.Error("recent entries were evicted")
	}
}

func TestCache_Drop(t *testing.T) {
	t.Parallel()

	c := New(&ttsmock.Provider{}, 0)
	ctx := context.Background()
	sess := testSession()

	if err := c.Generate(ctx, sess, 0, "a"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	c.Drop(sess.SessionID)
	if c.Contains(sess, 0) {
		t.Error("Contains = true after Drop")
	}
}
