package idle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// FileProfileStore persists user power modes as one JSON file per profile
// under a directory, written atomically via write-to-temp + rename.
type FileProfileStore struct {
	dir string
}

// NewFileProfileStore creates the directory if needed and returns the store.
func NewFileProfileStore(dir string) (*FileProfileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("idle: create profile dir: %w", err)
	}
	return &FileProfileStore{dir: dir}, nil
}

// SaveProfile implements [ProfileStore].
func (s *FileProfileStore) SaveProfile(_ context.Context, mode PowerMode) error {
	data, err := json.MarshalIndent(mode, "", "  ")
	if err != nil {
		return fmt.Errorf("idle: marshal profile %q: %w", mode.ID, err)
	}
	if err := renameio.WriteFile(s.path(mode.ID), data, 0o644); err != nil {
		return fmt.Errorf("idle: write profile %q: %w", mode.ID, err)
	}
	return nil
}

// DeleteProfile implements [ProfileStore]. Deleting a missing profile is not
// an error.
func (s *FileProfileStore) DeleteProfile(_ context.Context, id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("idle: delete profile %q: %w", id, err)
	}
	return nil
}

// LoadProfiles implements [ProfileStore].
func (s *FileProfileStore) LoadProfiles(_ context.Context) ([]PowerMode, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("idle: read profile dir: %w", err)
	}

	var modes []PowerMode
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("idle: read profile %q: %w", e.Name(), err)
		}
		var mode PowerMode
		if err := json.Unmarshal(data, &mode); err != nil {
			return nil, fmt.Errorf("idle: decode profile %q: %w", e.Name(), err)
		}
		modes = append(modes, mode)
	}
	return modes, nil
}

func (s *FileProfileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

var _ ProfileStore = (*FileProfileStore)(nil)
