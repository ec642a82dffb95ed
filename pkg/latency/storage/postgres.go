package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-ai/cadenza/pkg/latency"
)

// PostgresStore is the relational [latency.Store] backend. Suite, run, and
// baseline bodies are stored as JSONB documents keyed by id; results live in
// their own table so appends do not rewrite the run document.
//
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, ensures the schema exists, and returns a
// ready store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS latency_suites (
			id  TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS latency_runs (
			id  TEXT PRIMARY KEY,
			suite_id TEXT NOT NULL,
			status   TEXT NOT NULL,
			doc JSONB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS latency_results (
			run_id  TEXT NOT NULL REFERENCES latency_runs(id) ON DELETE CASCADE,
			seq     BIGINT GENERATED ALWAYS AS IDENTITY,
			doc     JSONB NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
		CREATE TABLE IF NOT EXISTS latency_baselines (
			id  TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS latency_runs_suite_idx ON latency_runs (suite_id, status);`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("storage: ensure schema: %w", err)
	}
	return nil
}

// PutSuite implements [latency.Store].
func (s *PostgresStore) PutSuite(ctx context.Context, suite latency.TestSuiteDefinition) error {
	return s.upsert(ctx, "latency_suites", suite.ID, suite)
}

// GetSuite implements [latency.Store].
func (s *PostgresStore) GetSuite(ctx context.Context, id string) (latency.TestSuiteDefinition, error) {
	var suite latency.TestSuiteDefinition
	err := s.get(ctx, "latency_suites", id, &suite)
	return suite, err
}

// ListSuites implements [latency.Store].
func (s *PostgresStore) ListSuites(ctx context.Context) ([]latency.TestSuiteDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM latency_suites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list suites: %w", err)
	}
	return collectDocs[latency.TestSuiteDefinition](rows)
}

// PutRun implements [latency.Store].
func (s *PostgresStore) PutRun(ctx context.Context, run latency.TestRun) error {
	doc, err := json.Marshal(stripResults(run))
	if err != nil {
		return fmt.Errorf("storage: marshal run %s: %w", run.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO latency_runs (id, suite_id, status, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET suite_id = $2, status = $3, doc = $4`,
		run.ID, run.SuiteID, string(run.Status), doc)
	if err != nil {
		return fmt.Errorf("storage: put run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun implements [latency.Store].
func (s *PostgresStore) UpdateRun(ctx context.Context, run latency.TestRun) error {
	return s.PutRun(ctx, run)
}

// GetRun implements [latency.Store]. Results are reassembled from the
// results table in append order.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (latency.TestRun, error) {
	var run latency.TestRun
	if err := s.get(ctx, "latency_runs", id, &run); err != nil {
		return latency.TestRun{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM latency_results WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return latency.TestRun{}, fmt.Errorf("storage: load results for %s: %w", id, err)
	}
	results, err := collectDocs[latency.TestResult](rows)
	if err != nil {
		return latency.TestRun{}, err
	}
	run.Results = results
	return run, nil
}

// ListRuns implements [latency.Store]. Filtering happens in SQL; result
// bodies are not loaded for listings.
func (s *PostgresStore) ListRuns(ctx context.Context, filter latency.RunFilter) ([]latency.TestRun, error) {
	q := `SELECT doc FROM latency_runs`
	var args []any
	var conds []string
	if filter.SuiteID != "" {
		args = append(args, filter.SuiteID)
		conds = append(conds, fmt.Sprintf("suite_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += ` ORDER BY doc->>'started_at' DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	return collectDocs[latency.TestRun](rows)
}

// AppendResult implements [latency.Store].
func (s *PostgresStore) AppendResult(ctx context.Context, runID string, result latency.TestResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO latency_results (run_id, doc) VALUES ($1, $2)`, runID, doc)
	if err != nil {
		return fmt.Errorf("storage: append result to %s: %w", runID, err)
	}
	return nil
}

// PutBaseline implements [latency.Store].
func (s *PostgresStore) PutBaseline(ctx context.Context, baseline latency.PerformanceBaseline) error {
	return s.upsert(ctx, "latency_baselines", baseline.ID, baseline)
}

// GetBaseline implements [latency.Store].
func (s *PostgresStore) GetBaseline(ctx context.Context, id string) (latency.PerformanceBaseline, error) {
	var b latency.PerformanceBaseline
	err := s.get(ctx, "latency_baselines", id, &b)
	return b, err
}

// ListBaselines implements [latency.Store].
func (s *PostgresStore) ListBaselines(ctx context.Context) ([]latency.PerformanceBaseline, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM latency_baselines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list baselines: %w", err)
	}
	return collectDocs[latency.PerformanceBaseline](rows)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *PostgresStore) upsert(ctx context.Context, table, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s %s: %w", table, id, err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = $2`, table),
		id, doc)
	if err != nil {
		return fmt.Errorf("storage: put %s %s: %w", table, id, err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, table, id string, v any) error {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("storage: %s %s: %w", table, id, latency.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: get %s %s: %w", table, id, err)
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("storage: decode %s %s: %w", table, id, err)
	}
	return nil
}

// collectDocs scans single-column JSONB rows into typed values.
func collectDocs[T any](rows pgx.Rows) ([]T, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var (
			doc []byte
			v   T
		)
		if err := row.Scan(&doc); err != nil {
			return v, err
		}
		if err := json.Unmarshal(doc, &v); err != nil {
			return v, err
		}
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan rows: %w", err)
	}
	return out, nil
}

// stripResults clears the embedded results slice; the relational backend
// keeps results in their own table.
func stripResults(run latency.TestRun) latency.TestRun {
	run.Results = nil
	return run
}

var _ latency.Store = (*PostgresStore)(nil)
