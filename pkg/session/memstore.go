package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-memory [Store] used by tests and single-node
// deployments. Safe for concurrent use.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]UserSession // session id → session
	byUser   map[string]string      // user id → session id
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]UserSession),
		byUser:   make(map[string]string),
	}
}

// Get implements [Store].
func (m *MemStore) Get(_ context.Context, sessionID string) (UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return UserSession{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

// GetByUser implements [Store].
func (m *MemStore) GetByUser(_ context.Context, userID string) (UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return UserSession{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return m.sessions[id], nil
}

// Create implements [Store].
func (m *MemStore) Create(_ context.Context, userID string) (UserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := UserSession{
		SessionID: "session-" + uuid.NewString(),
		UserID:    userID,
		Voice:     DefaultVoiceConfig(),
	}
	m.sessions[s.SessionID] = s
	m.byUser[userID] = s.SessionID
	return s, nil
}

// UpdatePlayback implements [Store].
func (m *MemStore) UpdatePlayback(_ context.Context, sessionID string, playback PlaybackState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	s.Playback = playback
	m.sessions[sessionID] = s
	return nil
}

// UpdateVoice implements [Store].
func (m *MemStore) UpdateVoice(_ context.Context, sessionID string, patch VoicePatch) (VoiceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return VoiceConfig{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	merged, err := ApplyPatch(s.Voice, patch)
	if err != nil {
		return VoiceConfig{}, err
	}
	s.Voice = merged
	m.sessions[sessionID] = s
	return merged, nil
}

// SetTopic implements [Store].
func (m *MemStore) SetTopic(_ context.Context, sessionID, curriculumID, topicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	s.Playback.CurriculumID = curriculumID
	s.Playback.TopicID = topicID
	m.sessions[sessionID] = s
	return nil
}

var _ Store = (*MemStore)(nil)
