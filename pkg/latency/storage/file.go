// Package storage provides the two [latency.Store] backends: a file tree of
// JSON records with atomic replace semantics, and a PostgreSQL store.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/cadenza-ai/cadenza/pkg/latency"
)

// Subdirectories of the file store root, one per entity kind.
const (
	suitesDir    = "suites"
	runsDir      = "runs"
	baselinesDir = "baselines"
)

// FileStore persists one JSON file per record under a root directory:
//
//	root/suites/<id>.json
//	root/runs/<id>.json
//	root/baselines/<id>.json
//
// Every write goes through write-to-temp + rename so a crashed writer never
// leaves a torn record. A process-local mutex serialises writers; readers of
// a renamed file always see a complete record.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates the root directory tree and returns a ready store.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{suitesDir, runsDir, baselinesDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s dir: %w", dir, err)
		}
	}
	return &FileStore{root: root}, nil
}

// PutSuite implements [latency.Store].
func (s *FileStore) PutSuite(_ context.Context, suite latency.TestSuiteDefinition) error {
	return s.write(suitesDir, suite.ID, suite)
}

// GetSuite implements [latency.Store].
func (s *FileStore) GetSuite(_ context.Context, id string) (latency.TestSuiteDefinition, error) {
	var suite latency.TestSuiteDefinition
	err := s.read(suitesDir, id, &suite)
	return suite, err
}

// ListSuites implements [latency.Store]. Suites are returned sorted by id.
func (s *FileStore) ListSuites(_ context.Context) ([]latency.TestSuiteDefinition, error) {
	var suites []latency.TestSuiteDefinition
	err := s.list(suitesDir, func(id string) error {
		var suite latency.TestSuiteDefinition
		if err := s.read(suitesDir, id, &suite); err != nil {
			return err
		}
		suites = append(suites, suite)
		return nil
	})
	return suites, err
}

// PutRun implements [latency.Store].
func (s *FileStore) PutRun(_ context.Context, run latency.TestRun) error {
	return s.write(runsDir, run.ID, run)
}

// UpdateRun implements [latency.Store]. It replaces the run's header fields
// and keeps the results already appended to the stored record.
func (s *FileStore) UpdateRun(_ context.Context, run latency.TestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored latency.TestRun
	if err := s.readLocked(runsDir, run.ID, &stored); err != nil {
		return err
	}
	run.Results = stored.Results
	return s.writeLocked(runsDir, run.ID, run)
}

// GetRun implements [latency.Store].
func (s *FileStore) GetRun(_ context.Context, id string) (latency.TestRun, error) {
	var run latency.TestRun
	err := s.read(runsDir, id, &run)
	return run, err
}

// ListRuns implements [latency.Store]. Runs are returned newest-first by
// start time.
func (s *FileStore) ListRuns(_ context.Context, filter latency.RunFilter) ([]latency.TestRun, error) {
	var runs []latency.TestRun
	err := s.list(runsDir, func(id string) error {
		var run latency.TestRun
		if err := s.read(runsDir, id, &run); err != nil {
			return err
		}
		if filter.Matches(run) {
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// AppendResult implements [latency.Store]. It reads the run record, appends
// the result, and atomically replaces the file.
func (s *FileStore) AppendResult(_ context.Context, runID string, result latency.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var run latency.TestRun
	if err := s.readLocked(runsDir, runID, &run); err != nil {
		return err
	}
	run.Results = append(run.Results, result)
	return s.writeLocked(runsDir, runID, run)
}

// PutBaseline implements [latency.Store].
func (s *FileStore) PutBaseline(_ context.Context, baseline latency.PerformanceBaseline) error {
	return s.write(baselinesDir, baseline.ID, baseline)
}

// GetBaseline implements [latency.Store].
func (s *FileStore) GetBaseline(_ context.Context, id string) (latency.PerformanceBaseline, error) {
	var baseline latency.PerformanceBaseline
	err := s.read(baselinesDir, id, &baseline)
	return baseline, err
}

// ListBaselines implements [latency.Store].
func (s *FileStore) ListBaselines(_ context.Context) ([]latency.PerformanceBaseline, error) {
	var baselines []latency.PerformanceBaseline
	err := s.list(baselinesDir, func(id string) error {
		var b latency.PerformanceBaseline
		if err := s.read(baselinesDir, id, &b); err != nil {
			return err
		}
		baselines = append(baselines, b)
		return nil
	})
	return baselines, err
}

// ── Record I/O ───────────────────────────────────────────────────────────────

func (s *FileStore) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+".json")
}

func (s *FileStore) write(dir, id string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(dir, id, v)
}

func (s *FileStore) writeLocked(dir, id string, v any) error {
	if id == "" {
		return fmt.Errorf("storage: empty record id")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s/%s: %w", dir, id, err)
	}
	if err := renameio.WriteFile(s.path(dir, id), data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s/%s: %w", dir, id, err)
	}
	return nil
}

func (s *FileStore) read(dir, id string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(dir, id, v)
}

func (s *FileStore) readLocked(dir, id string, v any) error {
	data, err := os.ReadFile(s.path(dir, id))
	if os.IsNotExist(err) {
		return fmt.Errorf("storage: %s/%s: %w", dir, id, latency.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: read %s/%s: %w", dir, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: decode %s/%s: %w", dir, id, err)
	}
	return nil
}

// list calls fn with the id of every record in dir.
func (s *FileStore) list(dir string, fn func(id string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return fmt.Errorf("storage: list %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := fn(strings.TrimSuffix(name, ".json")); err != nil {
			return err
		}
	}
	return nil
}

var _ latency.Store = (*FileStore)(nil)
