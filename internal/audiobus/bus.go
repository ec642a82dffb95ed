// Package audiobus implements the streaming audio session bus: a per-session
// duplex channel that serves pre-segmented audio on demand, maintains
// playback state, and speculatively prefetches upcoming segments.
//
// One [Bus] serves all sessions. Handlers for a single session are
// serialised by a per-session mutex; sessions run in parallel. Every inbound
// message — regardless of outcome — counts as user activity and is reported
// to the idle manager before the handler runs.
package audiobus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenza-ai/cadenza/internal/audiocache"
	"github.com/cadenza-ai/cadenza/pkg/session"
)

// defaultPrefetchAhead is how many upcoming segments a request_audio
// triggers speculative synthesis for.
const defaultPrefetchAhead = 2

// ActivitySource is the source tag reported to the activity recorder for
// every inbound bus message.
const ActivitySource = "audio_ws"

// Channel is one session's outbound half. The WebSocket transport adapts a
// real connection to this; tests plug in an in-memory recorder.
type Channel interface {
	// Send writes one frame. An error marks the channel dead; the bus prunes
	// it lazily.
	Send(ctx context.Context, data []byte) error

	// Close tears the channel down. Must be idempotent.
	Close() error
}

// ActivityRecorder receives an activity tick for every inbound message.
// The idle manager implements this.
type ActivityRecorder interface {
	RecordActivity(activityType, source string)
}

// Config assembles a [Bus].
type Config struct {
	// Sessions is the session store the bus reads through. Required.
	Sessions session.Store

	// Cache serves and prefetches synthesised segment audio. Required.
	Cache *audiocache.Cache

	// Activity receives a tick per inbound message. Optional.
	Activity ActivityRecorder

	// PrefetchAhead is the number of segments synthesised ahead of the one
	// just served. Zero means the default (2).
	PrefetchAhead int

	// ObserveMessage, when set, is called once per handled inbound message
	// with the message type and outcome ("ok" or "error"). The app layer
	// wires this to the metrics instruments.
	ObserveMessage func(msgType, outcome string)
}

// Bus owns the connection registry and the topic segment table.
type Bus struct {
	sessions session.Store
	cache    *audiocache.Cache
	activity ActivityRecorder
	ahead    int
	observe  func(msgType, outcome string)

	mu         sync.Mutex
	conns      map[string]Channel
	topics     map[topicKey][]string
	locks      map[string]*sync.Mutex
	prefetches map[string]*prefetchHandle
}

// prefetchHandle identifies one in-flight prefetch so a successor can cancel
// and replace it.
type prefetchHandle struct {
	cancel context.CancelFunc
}

type topicKey struct {
	curriculum string
	topic      string
}

// New creates a Bus from cfg.
func New(cfg Config) *Bus {
	ahead := cfg.PrefetchAhead
	if ahead <= 0 {
		ahead = defaultPrefetchAhead
	}
	return &Bus{
		sessions:   cfg.Sessions,
		cache:      cfg.Cache,
		activity:   cfg.Activity,
		ahead:      ahead,
		observe:    cfg.ObserveMessage,
		conns:      make(map[string]Channel),
		topics:     make(map[topicKey][]string),
		locks:      make(map[string]*sync.Mutex),
		prefetches: make(map[string]*prefetchHandle),
	}
}

// ─── Topic segment table ─────────────────────────────────────────────────────

// PublishSegments installs the ordered segment list for a topic. The content
// loader calls this once per (curriculum, topic); the list is immutable
// afterwards.
func (b *Bus) PublishSegments(curriculumID, topicID string, segments []string) {
	copied := make([]string, len(segments))
	copy(copied, segments)

	b.mu.Lock()
	b.topics[topicKey{curriculumID, topicID}] = copied
	b.mu.Unlock()
}

// Segments returns the segment list for a topic, or false when none is
// published.
func (b *Bus) Segments(curriculumID, topicID string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	segs, ok := b.topics[topicKey{curriculumID, topicID}]
	return segs, ok
}

// ─── Connection registry ─────────────────────────────────────────────────────

// Open binds ch as the session's channel. A prior channel for the same
// session is closed first — last writer wins.
func (b *Bus) Open(sessionID string, ch Channel) {
	b.mu.Lock()
	prior := b.conns[sessionID]
	b.conns[sessionID] = ch
	b.mu.Unlock()

	if prior != nil {
		_ = prior.Close()
		slog.Info("audio channel replaced", "session_id", sessionID)
	} else {
		slog.Info("audio channel opened", "session_id", sessionID)
	}
}

// CloseSession removes and closes the session's channel and cancels any
// in-flight prefetch. Idempotent.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	ch := b.conns[sessionID]
	delete(b.conns, sessionID)
	handle := b.prefetches[sessionID]
	delete(b.prefetches, sessionID)
	b.mu.Unlock()

	if handle != nil {
		handle.cancel()
	}
	if ch != nil {
		_ = ch.Close()
		slog.Info("audio channel closed", "session_id", sessionID)
	}
}

// Broadcast sends msg to the session's channel. It returns true iff the
// channel exists and the send succeeded; a failed send prunes the channel.
func (b *Bus) Broadcast(ctx context.Context, sessionID string, msg any) bool {
	b.mu.Lock()
	ch := b.conns[sessionID]
	b.mu.Unlock()
	if ch == nil {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("broadcast marshal failed", "session_id", sessionID, "err", err)
		return false
	}
	if err := ch.Send(ctx, data); err != nil {
		slog.Warn("broadcast send failed, pruning channel", "session_id", sessionID, "err", err)
		b.mu.Lock()
		if b.conns[sessionID] == ch {
			delete(b.conns, sessionID)
		}
		b.mu.Unlock()
		_ = ch.Close()
		return false
	}
	return true
}

// ─── Message dispatch ────────────────────────────────────────────────────────

// HandleMessage processes one inbound frame for the session and sends the
// reply (ack or error) on the session's channel. Handlers for the same
// session never run concurrently.
func (b *Bus) HandleMessage(ctx context.Context, sessionID string, data []byte) {
	if b.activity != nil {
		b.activity.RecordActivity(ActivitySource, sessionID)
	}

	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		b.sendError(ctx, sessionID, "unknown", "invalid message: not a JSON object")
		return
	}

	var (
		reply any
		err   error
	)
	switch msg.Type {
	case MsgRequestAudio:
		reply, err = b.handleRequestAudio(ctx, sessionID, msg)
	case MsgSync:
		reply, err = b.handleSync(ctx, sessionID, msg)
	case MsgBargeIn:
		reply, err = b.handleBargeIn(ctx, sessionID, msg)
	case MsgVoiceConfig:
		reply, err = b.handleVoiceConfig(ctx, sessionID, msg)
	case MsgSetTopic:
		reply, err = b.handleSetTopic(ctx, sessionID, msg)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		b.sendError(ctx, sessionID, msg.Type, err.Error())
		return
	}
	b.Broadcast(ctx, sessionID, reply)
	if b.observe != nil {
		b.observe(msg.Type, "ok")
	}
}

func (b *Bus) sendError(ctx context.Context, sessionID, msgType, detail string) {
	slog.Warn("audio message failed", "session_id", sessionID, "type", msgType, "err", detail)
	b.Broadcast(ctx, sessionID, errorMessage{Type: MsgError, Error: detail})
	if b.observe != nil {
		b.observe(msgType, "error")
	}
}

// sessionLock returns the per-session handler mutex, creating it on first
// use.
func (b *Bus) sessionLock(sessionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[sessionID] = lock
	}
	return lock
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (b *Bus) handleRequestAudio(ctx context.Context, sessionID string, msg inbound) (any, error) {
	if msg.SegmentIndex == nil {
		return nil, errors.New("request_audio requires segment_index")
	}
	index := *msg.SegmentIndex

	sess, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if sess.Playback.CurriculumID == "" || sess.Playback.TopicID == "" {
		return nil, errors.New("no topic bound: send set_topic first")
	}

	segments, ok := b.Segments(sess.Playback.CurriculumID, sess.Playback.TopicID)
	if !ok || len(segments) == 0 {
		return nil, errors.New("no_segments_found: topic has no published segments")
	}
	if index < 0 || index >= len(segments) {
		return nil, fmt.Errorf("segment_index %d out of range [0, %d)", index, len(segments))
	}

	clip, hit, err := b.cache.Audio(ctx, sess, index, segments[index])
	if err != nil {
		return nil, fmt.Errorf("audio generation failed: %v", err)
	}

	if err := b.sessions.UpdatePlayback(ctx, sessionID, session.PlaybackState{
		CurriculumID: sess.Playback.CurriculumID,
		TopicID:      sess.Playback.TopicID,
		SegmentIndex: index,
		OffsetMS:     0,
		IsPlaying:    true,
	}); err != nil {
		return nil, fmt.Errorf("playback update failed: %v", err)
	}

	b.startPrefetch(sessionID, sess, segments, index)

	return audioMessage{
		Type:            MsgAudio,
		SegmentIndex:    index,
		AudioBase64:     base64.StdEncoding.EncodeToString(clip.Audio),
		DurationSeconds: clip.Duration.Seconds(),
		TotalSegments:   len(segments),
		CacheHit:        hit,
	}, nil
}

func (b *Bus) handleSync(ctx context.Context, sessionID string, msg inbound) (any, error) {
	if msg.SegmentIndex == nil || msg.OffsetMS == nil || msg.IsPlaying == nil {
		return nil, errors.New("sync requires segment_index, offset_ms, and is_playing")
	}

	sess, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	if err := b.sessions.UpdatePlayback(ctx, sessionID, session.PlaybackState{
		CurriculumID: sess.Playback.CurriculumID,
		TopicID:      sess.Playback.TopicID,
		SegmentIndex: *msg.SegmentIndex,
		OffsetMS:     *msg.OffsetMS,
		IsPlaying:    *msg.IsPlaying,
	}); err != nil {
		return nil, fmt.Errorf("playback update failed: %v", err)
	}

	return syncAck{
		Type:         MsgSyncAck,
		SegmentIndex: *msg.SegmentIndex,
		ServerTime:   time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func (b *Bus) handleBargeIn(ctx context.Context, sessionID string, msg inbound) (any, error) {
	if msg.SegmentIndex == nil || msg.OffsetMS == nil {
		return nil, errors.New("barge_in requires segment_index and offset_ms")
	}

	sess, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	if err := b.sessions.UpdatePlayback(ctx, sessionID, session.PlaybackState{
		CurriculumID: sess.Playback.CurriculumID,
		TopicID:      sess.Playback.TopicID,
		SegmentIndex: *msg.SegmentIndex,
		OffsetMS:     *msg.OffsetMS,
		IsPlaying:    false,
	}); err != nil {
		return nil, fmt.Errorf("playback update failed: %v", err)
	}

	return bargeInAck{
		Type:         MsgBargeInAck,
		SegmentIndex: *msg.SegmentIndex,
		OffsetMS:     *msg.OffsetMS,
	}, nil
}

func (b *Bus) handleVoiceConfig(ctx context.Context, sessionID string, msg inbound) (any, error) {
	merged, err := b.sessions.UpdateVoice(ctx, sessionID, session.VoicePatch{
		VoiceID:     msg.VoiceID,
		TTSProvider: msg.TTSProvider,
		Speed:       msg.Speed,
		Options:     msg.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("voice update failed: %v", err)
	}

	return voiceConfigAck{
		Type:        MsgVoiceConfigAck,
		VoiceID:     merged.VoiceID,
		TTSProvider: merged.TTSProvider,
		Speed:       merged.Speed,
		Options:     merged.Options,
	}, nil
}

func (b *Bus) handleSetTopic(ctx context.Context, sessionID string, msg inbound) (any, error) {
	if msg.CurriculumID == "" || msg.TopicID == "" {
		return nil, errors.New("set_topic requires curriculum_id and topic_id")
	}

	segments, ok := b.Segments(msg.CurriculumID, msg.TopicID)
	if !ok || len(segments) == 0 {
		return nil, errors.New("no_segments_found: topic has no published segments")
	}

	// Segment index and playing flag are preserved across a topic switch;
	// only the topic binding and segment count change.
	if err := b.sessions.SetTopic(ctx, sessionID, msg.CurriculumID, msg.TopicID); err != nil {
		return nil, fmt.Errorf("topic update failed: %v", err)
	}

	return topicSet{Type: MsgTopicSet, TotalSegments: len(segments)}, nil
}

// ─── Prefetch ────────────────────────────────────────────────────────────────

// startPrefetch launches speculative synthesis of the next segments. At most
// one prefetch runs per session: a new request_audio cancels the previous
// one. Failures are logged, never surfaced to the client.
func (b *Bus) startPrefetch(sessionID string, sess session.UserSession, segments []string, index int) {
	last := index + b.ahead
	if last > len(segments)-1 {
		last = len(segments) - 1
	}
	if last <= index {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &prefetchHandle{cancel: cancel}

	b.mu.Lock()
	if prior := b.prefetches[sessionID]; prior != nil {
		prior.cancel()
	}
	b.prefetches[sessionID] = handle
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			// Only clear our own registration; a newer prefetch may have
			// replaced it already.
			if b.prefetches[sessionID] == handle {
				delete(b.prefetches, sessionID)
			}
			b.mu.Unlock()
			cancel()
		}()

		for i := index + 1; i <= last; i++ {
			if ctx.Err() != nil {
				return
			}
			if err := b.cache.Generate(ctx, sess, i, segments[i]); err != nil {
				slog.Warn("prefetch failed", "session_id", sessionID, "segment", i, "err", err)
			}
		}
	}()
}
