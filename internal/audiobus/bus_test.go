package audiobus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cadenza-ai/cadenza/internal/audiocache"
	ttsmock "github.com/cadenza-ai/cadenza/pkg/provider/tts/mock"
	"github.com/cadenza-ai/cadenza/pkg/session"
)

// fakeChannel records sent frames in memory.
type fakeChannel struct {
	mu       sync.Mutex
	frames   []map[string]any
	closed   bool
	failSend bool
}

func (c *fakeChannel) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("send failed")
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames sent")
	}
	return c.frames[len(c.frames)-1]
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeActivity counts activity ticks.
type fakeActivity struct {
	mu    sync.Mutex
	ticks []string
}

func (a *fakeActivity) RecordActivity(activityType, source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ticks = append(a.ticks, activityType+"/"+source)
}

func (a *fakeActivity) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ticks)
}

// fixture assembles a bus with one connected session and a three-segment
// topic.
type fixture struct {
	bus      *Bus
	store    *session.MemStore
	cache    *audiocache.Cache
	activity *fakeActivity
	channel  *fakeChannel
	sess     session.UserSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := session.NewMemStore()
	sess, err := store.Create(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	cache := audiocache.New(&ttsmock.Provider{}, 0)
	activity := &fakeActivity{}
	bus := New(Config{
		Sessions: store,
		Cache:    cache,
		Activity: activity,
	})
	bus.PublishSegments("c1", "t1", []string{"alpha segment", "bravo segment", "charlie segment"})

	channel := &fakeChannel{}
	bus.Open(sess.SessionID, channel)

	return &fixture{bus: bus, store: store, cache: cache, activity: activity, channel: channel, sess: sess}
}

func (f *fixture) send(t *testing.T, msg string) map[string]any {
	t.Helper()
	f.bus.HandleMessage(context.Background(), f.sess.SessionID, []byte(msg))
	return f.channel.last(t)
}

func TestBus_SetTopic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)
	if reply["type"] != MsgTopicSet {
		t.Fatalf("reply = %v, want topic_set", reply)
	}
	if reply["total_segments"] != float64(3) {
		t.Errorf("total_segments = %v, want 3", reply["total_segments"])
	}
}

func TestBus_SetTopic_Preconditions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := f.send(t, `{"type":"set_topic","curriculum_id":"c1"}`)
	if reply["type"] != MsgError {
		t.Errorf("missing topic_id reply = %v, want error", reply)
	}

	reply = f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"unknown"}`)
	if reply["type"] != MsgError {
		t.Fatalf("unknown topic reply = %v, want error", reply)
	}
	if msg, _ := reply["error"].(string); msg == "" {
		t.Error("error frame missing description")
	}
}

func TestBus_SetTopic_PreservesPlaybackPosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bus.PublishSegments("c1", "t2", []string{"a", "b", "c", "d"})

	f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)
	f.send(t, `{"type":"sync","segment_index":2,"offset_ms":500,"is_playing":true}`)

	reply := f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t2"}`)
	if reply["type"] != MsgTopicSet || reply["total_segments"] != float64(4) {
		t.Fatalf("reply = %v, want topic_set with 4 segments", reply)
	}

	sess, _ := f.store.Get(context.Background(), f.sess.SessionID)
	if sess.Playback.SegmentIndex != 2 || !sess.Playback.IsPlaying {
		t.Errorf("playback = %+v, want segment 2 still playing", sess.Playback)
	}
	if sess.Playback.TopicID != "t2" {
		t.Errorf("topic = %s, want t2", sess.Playback.TopicID)
	}
}

func TestBus_RequestAudio_RequiresTopic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := f.send(t, `{"type":"request_audio","segment_index":0}`)
	if reply["type"] != MsgError {
		t.Errorf("reply = %v, want error before set_topic", reply)
	}
}

func TestBus_RequestAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)

	reply := f.send(t, `{"type":"request_audio","segment_index":0}`)
	if reply["type"] != MsgAudio {
		t.Fatalf("reply = %v, want audio", reply)
	}
	if reply["segment_index"] != float64(0) || reply["total_segments"] != float64(3) {
		t.Errorf("frame bounds = %v/%v", reply["segment_index"], reply["total_segments"])
	}
	if reply["cache_hit"] != false {
		t.Errorf("cache_hit = %v, want false on first request", reply["cache_hit"])
	}

	raw, _ := reply["audio_base64"].(string)
	audio, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(audio) == 0 {
		t.Errorf("audio_base64 invalid or empty: err=%v len=%d", err, len(audio))
	}
	if dur, _ := reply["duration_seconds"].(float64); dur <= 0 {
		t.Errorf("duration_seconds = %v, want > 0", dur)
	}

	// Playback moved to (0, 0, playing).
	sess, _ := f.store.Get(context.Background(), f.sess.SessionID)
	if sess.Playback.SegmentIndex != 0 || sess.Playback.OffsetMS != 0 || !sess.Playback.IsPlaying {
		t.Errorf("playback = %+v, want (0, 0, playing)", sess.Playback)
	}

	// Repeat request is served from cache.
	reply = f.send(t, `{"type":"request_audio","segment_index":0}`)
	if reply["cache_hit"] != true {
		t.Errorf("cache_hit = %v, want true on repeat", reply["cache_hit"])
	}
}

func TestBus_RequestAudio_Bounds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)

	// Last valid index succeeds.
	reply := f.send(t, `{"type":"request_audio","segment_index":2}`)
	if reply["type"] != MsgAudio {
		t.Errorf("segment 2 reply = %v, want audio", reply)
	}

	// One past the end is a precondition violation.
	reply = f.send(t, `{"type":"request_audio","segment_index":3}`)
	if reply["type"] != MsgError {
		t.Errorf("segment 3 reply = %v, want error", reply)
	}
	reply = f.send(t, `{"type":"request_audio","segment_index":-1}`)
	if reply["type"] != MsgError {
		t.Errorf("segment -1 reply = %v, want error", reply)
	}
}

func TestBus_BargeInDuringPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)

	reply := f.send(t, `{"type":"request_audio","segment_index":1}`)
	if reply["type"] != MsgAudio {
		t.Fatalf("request_audio reply = %v", reply)
	}

	reply = f.send(t, `{"type":"barge_in","segment_index":1,"offset_ms":1000}`)
	if reply["type"] != MsgBargeInAck {
		t.Fatalf("barge_in reply = %v", reply)
	}
	if reply["offset_ms"] != float64(1000) {
		t.Errorf("ack offset = %v, want 1000", reply["offset_ms"])
	}
	sess, _ := f.store.Get(ctx, f.sess.SessionID)
	if sess.Playback.IsPlaying {
		t.Error("is_playing = true after barge-in, want false")
	}
	if sess.Playback.OffsetMS != 1000 {
		t.Errorf("offset = %d, want 1000", sess.Playback.OffsetMS)
	}

	reply = f.send(t, `{"type":"sync","segment_index":1,"offset_ms":1200,"is_playing":true}`)
	if reply["type"] != MsgSyncAck {
		t.Fatalf("sync reply = %v", reply)
	}
	if st, _ := reply["server_time"].(string); st == "" {
		t.Error("sync_ack missing server_time")
	}
	sess, _ = f.store.Get(ctx, f.sess.SessionID)
	if sess.Playback.OffsetMS != 1200 || !sess.Playback.IsPlaying {
		t.Errorf("playback after sync = %+v", sess.Playback)
	}

	reply = f.send(t, `{"type":"request_audio","segment_index":2}`)
	if reply["type"] != MsgAudio {
		t.Errorf("request_audio(2) after barge-in = %v, want audio", reply)
	}
}

func TestBus_VoiceConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := f.send(t, `{"type":"voice_config","speed":1.5,"voice_id":"ember"}`)
	if reply["type"] != MsgVoiceConfigAck {
		t.Fatalf("reply = %v", reply)
	}
	if reply["speed"] != float64(1.5) || reply["voice_id"] != "ember" {
		t.Errorf("ack = %v, want merged config", reply)
	}
	// Unpatched fields survive.
	if reply["tts_provider"] != "chatterbox" {
		t.Errorf("tts_provider = %v, want default preserved", reply["tts_provider"])
	}

	reply = f.send(t, `{"type":"voice_config","speed":9.0}`)
	if reply["type"] != MsgError {
		t.Errorf("out-of-range speed reply = %v, want error", reply)
	}
}

func TestBus_UnknownAndMalformedMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	reply := f.send(t, `{"type":"launch_rocket"}`)
	if reply["type"] != MsgError {
		t.Errorf("unknown type reply = %v, want error", reply)
	}

	reply = f.send(t, `not json at all`)
	if reply["type"] != MsgError {
		t.Errorf("malformed frame reply = %v, want error", reply)
	}
}

func TestBus_EveryMessageCountsAsActivity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)
	f.send(t, `{"type":"request_audio","segment_index":99}`) // fails
	f.send(t, `garbage`)                                     // fails harder

	if got := f.activity.count(); got != 3 {
		t.Errorf("activity ticks = %d, want 3 (failures count too)", got)
	}
}

func TestBus_Prefetch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)
	f.send(t, `{"type":"request_audio","segment_index":0}`)

	sess, _ := f.store.Get(ctx, f.sess.SessionID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if f.cache.Contains(sess, 1) && f.cache.Contains(sess, 2) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("prefetch never populated segments 1 and 2")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBus_PrefetchStopsAtLastSegment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, `{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`)
	f.send(t, `{"type":"request_audio","segment_index":2}`)

	// Requesting the final segment schedules nothing; give a would-be
	// prefetch a moment to (not) appear.
	time.Sleep(20 * time.Millisecond)
	sess, _ := f.store.Get(ctx, f.sess.SessionID)
	if f.cache.Contains(sess, 3) {
		t.Error("prefetch ran past the last segment")
	}
}

func TestBus_BroadcastPrunesDeadChannels(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if !f.bus.Broadcast(ctx, f.sess.SessionID, map[string]string{"type": "ping"}) {
		t.Fatal("broadcast to live channel = false")
	}

	f.channel.mu.Lock()
	f.channel.failSend = true
	f.channel.mu.Unlock()

	if f.bus.Broadcast(ctx, f.sess.SessionID, map[string]string{"type": "ping"}) {
		t.Error("broadcast over failing channel = true")
	}
	// Channel was pruned: subsequent broadcasts find nothing.
	if f.bus.Broadcast(ctx, f.sess.SessionID, map[string]string{"type": "ping"}) {
		t.Error("broadcast after prune = true")
	}
	if !f.channel.isClosed() {
		t.Error("pruned channel was not closed")
	}
}

func TestBus_OpenReplacesPriorChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	replacement := &fakeChannel{}
	f.bus.Open(f.sess.SessionID, replacement)

	if !f.channel.isClosed() {
		t.Error("prior channel not closed on replacement")
	}

	f.bus.HandleMessage(context.Background(), f.sess.SessionID, []byte(`{"type":"set_topic","curriculum_id":"c1","topic_id":"t1"}`))
	if replacement.last(t)["type"] != MsgTopicSet {
		t.Error("reply did not reach the replacement channel")
	}
}

func TestBus_CloseSessionIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.bus.CloseSession(f.sess.SessionID)
	f.bus.CloseSession(f.sess.SessionID)

	if !f.channel.isClosed() {
		t.Error("channel not closed")
	}
	if f.bus.Broadcast(context.Background(), f.sess.SessionID, map[string]string{"type": "ping"}) {
		t.Error("broadcast after close = true")
	}
}
