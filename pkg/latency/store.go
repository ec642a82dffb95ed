package latency

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store reads when no record exists for the id.
var ErrNotFound = errors.New("latency: record not found")

// RunFilter narrows a [Store.ListRuns] call. Zero fields match everything.
type RunFilter struct {
	SuiteID string
	Status  RunStatus
	Limit   int
}

// Matches reports whether run satisfies the filter.
func (f RunFilter) Matches(run TestRun) bool {
	if f.SuiteID != "" && run.SuiteID != f.SuiteID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// Store is the persistence capability the orchestrator depends on. All
// operations are atomic at the record level. Implementations live under
// pkg/latency/storage: a file-tree backend (one serialised record per file,
// atomic replace) and a relational backend.
type Store interface {
	PutSuite(ctx context.Context, suite TestSuiteDefinition) error
	GetSuite(ctx context.Context, id string) (TestSuiteDefinition, error)
	ListSuites(ctx context.Context) ([]TestSuiteDefinition, error)

	PutRun(ctx context.Context, run TestRun) error
	UpdateRun(ctx context.Context, run TestRun) error
	GetRun(ctx context.Context, id string) (TestRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]TestRun, error)

	// AppendResult durably appends result to the run's record. Callers batch
	// appends; the store only guarantees record-level atomicity per call.
	AppendResult(ctx context.Context, runID string, result TestResult) error

	PutBaseline(ctx context.Context, baseline PerformanceBaseline) error
	GetBaseline(ctx context.Context, id string) (PerformanceBaseline, error)
	ListBaselines(ctx context.Context) ([]PerformanceBaseline, error)
}
