// Package postgres provides the PostgreSQL-backed session store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-ai/cadenza/pkg/session"
)

// Store persists user sessions in a user_sessions table with the playback
// and voice substates as JSONB columns. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, ensures the schema, and returns a ready store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session store: connect: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS user_sessions (
			session_id TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL UNIQUE,
			playback   JSONB NOT NULL DEFAULT '{}',
			voice      JSONB NOT NULL DEFAULT '{}'
		);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session store: ensure schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get implements [session.Store].
func (s *Store) Get(ctx context.Context, sessionID string) (session.UserSession, error) {
	const q = `SELECT session_id, user_id, playback, voice FROM user_sessions WHERE session_id = $1`
	return s.scanOne(ctx, q, sessionID)
}

// GetByUser implements [session.Store].
func (s *Store) GetByUser(ctx context.Context, userID string) (session.UserSession, error) {
	const q = `SELECT session_id, user_id, playback, voice FROM user_sessions WHERE user_id = $1`
	return s.scanOne(ctx, q, userID)
}

// Create implements [session.Store]. Creating a session for a user that
// already has one replaces it (the user id column is unique).
func (s *Store) Create(ctx context.Context, userID string) (session.UserSession, error) {
	us := session.UserSession{
		SessionID: "session-" + uuid.NewString(),
		UserID:    userID,
		Voice:     session.DefaultVoiceConfig(),
	}

	playback, voice, err := marshalSubstates(us)
	if err != nil {
		return session.UserSession{}, err
	}

	const q = `
		INSERT INTO user_sessions (session_id, user_id, playback, voice)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET session_id = $1, playback = $3, voice = $4`
	if _, err := s.pool.Exec(ctx, q, us.SessionID, us.UserID, playback, voice); err != nil {
		return session.UserSession{}, fmt.Errorf("session store: create: %w", err)
	}
	return us, nil
}

// UpdatePlayback implements [session.Store].
func (s *Store) UpdatePlayback(ctx context.Context, sessionID string, playback session.PlaybackState) error {
	doc, err := json.Marshal(playback)
	if err != nil {
		return fmt.Errorf("session store: marshal playback: %w", err)
	}
	return s.update(ctx,
		`UPDATE user_sessions SET playback = $2 WHERE session_id = $1`, sessionID, doc)
}

// UpdateVoice implements [session.Store]. The merge happens read-modify-write
// inside a transaction so concurrent patches never interleave fields.
func (s *Store) UpdateVoice(ctx context.Context, sessionID string, patch session.VoicePatch) (session.VoiceConfig, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return session.VoiceConfig{}, fmt.Errorf("session store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var doc []byte
	err = tx.QueryRow(ctx,
		`SELECT voice FROM user_sessions WHERE session_id = $1 FOR UPDATE`, sessionID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.VoiceConfig{}, fmt.Errorf("session %q: %w", sessionID, session.ErrNotFound)
	}
	if err != nil {
		return session.VoiceConfig{}, fmt.Errorf("session store: load voice: %w", err)
	}

	var cfg session.VoiceConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return session.VoiceConfig{}, fmt.Errorf("session store: decode voice: %w", err)
	}
	merged, err := session.ApplyPatch(cfg, patch)
	if err != nil {
		return session.VoiceConfig{}, err
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return session.VoiceConfig{}, fmt.Errorf("session store: marshal voice: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE user_sessions SET voice = $2 WHERE session_id = $1`, sessionID, out); err != nil {
		return session.VoiceConfig{}, fmt.Errorf("session store: update voice: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return session.VoiceConfig{}, fmt.Errorf("session store: commit: %w", err)
	}
	return merged, nil
}

// SetTopic implements [session.Store].
func (s *Store) SetTopic(ctx context.Context, sessionID, curriculumID, topicID string) error {
	const q = `
		UPDATE user_sessions
		SET    playback = playback || jsonb_build_object('curriculum_id', $2::text, 'topic_id', $3::text)
		WHERE  session_id = $1`
	return s.update(ctx, q, sessionID, curriculumID, topicID)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *Store) scanOne(ctx context.Context, q string, arg any) (session.UserSession, error) {
	var (
		us              session.UserSession
		playback, voice []byte
	)
	err := s.pool.QueryRow(ctx, q, arg).Scan(&us.SessionID, &us.UserID, &playback, &voice)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.UserSession{}, session.ErrNotFound
	}
	if err != nil {
		return session.UserSession{}, fmt.Errorf("session store: query: %w", err)
	}
	if err := json.Unmarshal(playback, &us.Playback); err != nil {
		return session.UserSession{}, fmt.Errorf("session store: decode playback: %w", err)
	}
	if err := json.Unmarshal(voice, &us.Voice); err != nil {
		return session.UserSession{}, fmt.Errorf("session store: decode voice: %w", err)
	}
	return us, nil
}

func (s *Store) update(ctx context.Context, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("session store: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func marshalSubstates(us session.UserSession) (playback, voice []byte, err error) {
	if playback, err = json.Marshal(us.Playback); err != nil {
		return nil, nil, fmt.Errorf("session store: marshal playback: %w", err)
	}
	if voice, err = json.Marshal(us.Voice); err != nil {
		return nil, nil, fmt.Errorf("session store: marshal voice: %w", err)
	}
	return playback, voice, nil
}

var _ session.Store = (*Store)(nil)
