package latency

import (
	"fmt"
	"sort"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/stats"
)

// Analyzer defaults.
const (
	// DefaultRegressionThreshold is the relative delta above which a config
	// is flagged as regressed (0.20 = 20 %).
	DefaultRegressionThreshold = 0.20

	// DefaultMinSamples is the minimum successful-result count below which a
	// config is excluded from regression detection.
	DefaultMinSamples = 5
)

// Severity grades a detected regression.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// AnalyzerOptions tunes [Analyze]. Zero fields take defaults.
type AnalyzerOptions struct {
	// RegressionThreshold is the relative delta that raises a regression.
	RegressionThreshold float64

	// MinSamples is the successful-sample floor for regression detection.
	MinSamples int

	// ModerateFactor and SevereFactor scale the threshold into severity
	// bands: delta ≤ ModerateFactor×threshold is minor, ≤ SevereFactor×
	// threshold is moderate, above is severe. Defaults: 1.5 and 2.
	ModerateFactor float64
	SevereFactor   float64
}

func (o AnalyzerOptions) withDefaults() AnalyzerOptions {
	if o.RegressionThreshold <= 0 {
		o.RegressionThreshold = DefaultRegressionThreshold
	}
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.ModerateFactor <= 0 {
		o.ModerateFactor = 1.5
	}
	if o.SevereFactor <= 0 {
		o.SevereFactor = 2
	}
	return o
}

// RunSummary is the overall statistics block of an [AnalysisReport],
// computed over the end-to-end latencies of successful results.
type RunSummary struct {
	TotalResults    int     `json:"total_results"`
	SuccessfulTests int     `json:"successful_tests"`
	SuccessRate     float64 `json:"success_rate"`
	MinMS           float64 `json:"min_ms"`
	MaxMS           float64 `json:"max_ms"`
	MedianMS        float64 `json:"median_ms"`
	P95MS           float64 `json:"p95_ms"`
	P99MS           float64 `json:"p99_ms"`
}

// ConfigStats holds per-configuration statistics.
type ConfigStats struct {
	ConfigID         string  `json:"config_id"`
	Samples          int     `json:"samples"`
	SuccessRate      float64 `json:"success_rate"`
	MedianMS         float64 `json:"median_ms"`
	P95MS            float64 `json:"p95_ms"`
	P99MS            float64 `json:"p99_ms"`
	MeanMS           float64 `json:"mean_ms"`
	InsufficientData bool    `json:"insufficient_data,omitempty"`
}

// Regression reports one config statistic that degraded past the threshold.
type Regression struct {
	ConfigID      string   `json:"config_id"`
	Metric        string   `json:"metric"` // "median" or "p99"
	BaselineValue float64  `json:"baseline_value"`
	CurrentValue  float64  `json:"current_value"`
	ChangePercent float64  `json:"change_percent"`
	Severity      Severity `json:"severity"`
}

// Improvement reports a config statistic that got better against baseline.
// Improvements are never counted as regressions.
type Improvement struct {
	ConfigID      string  `json:"config_id"`
	Metric        string  `json:"metric"`
	BaselineValue float64 `json:"baseline_value"`
	CurrentValue  float64 `json:"current_value"`
	ChangePercent float64 `json:"change_percent"`
}

// AnalysisReport is the analyzer's output. Derived, never stored directly.
type AnalysisReport struct {
	RunID           string        `json:"run_id"`
	Summary         RunSummary    `json:"summary"`
	PerConfig       []ConfigStats `json:"per_config"`
	Regressions     []Regression  `json:"regressions"`
	Improvements    []Improvement `json:"improvements"`
	Recommendations []string      `json:"recommendations"`
}

// HasSevereRegression reports whether any regression is graded severe.
func (r AnalysisReport) HasSevereRegression() bool {
	for _, reg := range r.Regressions {
		if reg.Severity == SeveritySevere {
			return true
		}
	}
	return false
}

// Analyze produces a report for a terminal run, optionally compared against a
// baseline. It is pure: no I/O, deterministic for identical inputs. A
// non-terminal run is rejected.
func Analyze(run TestRun, baseline *PerformanceBaseline, opts AnalyzerOptions) (AnalysisReport, error) {
	if !run.Status.Terminal() {
		return AnalysisReport{}, fmt.Errorf("analyze run %q: status %q is not terminal: %w", run.ID, run.Status, ErrInvalidArgument)
	}
	opts = opts.withDefaults()

	report := AnalysisReport{RunID: run.ID}

	// Overall summary across successful results.
	var e2e []float64
	successful := 0
	for _, res := range run.Results {
		if res.Success {
			successful++
			e2e = append(e2e, res.Latencies.EndToEnd)
		}
	}
	summary := stats.Summarize(e2e)
	report.Summary = RunSummary{
		TotalResults:    len(run.Results),
		SuccessfulTests: successful,
		MinMS:           summary.Min,
		MaxMS:           summary.Max,
		MedianMS:        summary.Median,
		P95MS:           summary.P95,
		P99MS:           summary.P99,
	}
	if len(run.Results) > 0 {
		report.Summary.SuccessRate = float64(successful) / float64(len(run.Results)) * 100
	}

	// Per-config statistics, ordered by config id for determinism.
	perConfig := groupByConfig(run.Results)
	ids := make([]string, 0, len(perConfig))
	for id := range perConfig {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		group := perConfig[id]
		var samples []float64
		for _, res := range group {
			if res.Success {
				samples = append(samples, res.Latencies.EndToEnd)
			}
		}
		cs := ConfigStats{
			ConfigID: id,
			Samples:  len(samples),
		}
		if len(group) > 0 {
			cs.SuccessRate = float64(len(samples)) / float64(len(group)) * 100
		}
		s := stats.Summarize(samples)
		cs.MedianMS = s.Median
		cs.P95MS = s.P95
		cs.P99MS = s.P99
		cs.MeanMS = s.Mean
		cs.InsufficientData = len(samples) < opts.MinSamples
		report.PerConfig = append(report.PerConfig, cs)

		if baseline != nil {
			base, ok := baseline.Configs[id]
			if !ok || cs.InsufficientData {
				continue
			}
			regs, imps := compareConfig(cs, base, opts)
			report.Regressions = append(report.Regressions, regs...)
			report.Improvements = append(report.Improvements, imps...)
		}
	}

	report.Recommendations = recommend(report, run)
	return report, nil
}

// BaselineFromRun freezes a completed run into a [PerformanceBaseline].
// Every config present in the run is represented. createdAt should be the
// caller's wall clock; the function itself stays pure.
func BaselineFromRun(id string, run TestRun, createdAt time.Time) PerformanceBaseline {
	b := PerformanceBaseline{
		ID:          id,
		CreatedAt:   createdAt,
		SourceRunID: run.ID,
		Configs:     make(map[string]BaselineMetrics),
	}
	for cfgID, group := range groupByConfig(run.Results) {
		var samples []float64
		for _, res := range group {
			if res.Success {
				samples = append(samples, res.Latencies.EndToEnd)
			}
		}
		ladder := stats.PercentileLadder(samples)
		b.Configs[cfgID] = BaselineMetrics{
			MedianMS:    ladder.P50,
			P95MS:       ladder.P95,
			P99MS:       ladder.P99,
			SampleCount: len(samples),
		}
	}
	return b
}

// compareConfig checks median and p99 against baseline and classifies each
// delta.
func compareConfig(cs ConfigStats, base BaselineMetrics, opts AnalyzerOptions) ([]Regression, []Improvement) {
	var regs []Regression
	var imps []Improvement

	check := func(metric string, current, reference float64) {
		if reference <= 0 {
			return
		}
		delta := stats.Compare(current, reference).Delta
		switch {
		case delta > opts.RegressionThreshold:
			regs = append(regs, Regression{
				ConfigID:      cs.ConfigID,
				Metric:        metric,
				BaselineValue: reference,
				CurrentValue:  current,
				ChangePercent: delta * 100,
				Severity:      classify(delta, opts),
			})
		case delta < 0:
			imps = append(imps, Improvement{
				ConfigID:      cs.ConfigID,
				Metric:        metric,
				BaselineValue: reference,
				CurrentValue:  current,
				ChangePercent: delta * 100,
			})
		}
	}

	check("median", cs.MedianMS, base.MedianMS)
	check("p99", cs.P99MS, base.P99MS)
	return regs, imps
}

// classify grades a regression delta into severity bands.
func classify(delta float64, opts AnalyzerOptions) Severity {
	switch {
	case delta <= opts.ModerateFactor*opts.RegressionThreshold:
		return SeverityMinor
	case delta <= opts.SevereFactor*opts.RegressionThreshold:
		return SeverityModerate
	default:
		return SeveritySevere
	}
}

// recommend derives the rule-based recommendation list, ordered by severity.
func recommend(report AnalysisReport, run TestRun) []string {
	var recs []string

	if report.HasSevereRegression() {
		recs = append(recs, "severe regression detected: block release until investigated")
	}
	if report.Summary.SuccessRate < 98 && report.Summary.TotalResults > 0 {
		recs = append(recs, fmt.Sprintf(
			"success rate %.1f%% below 98%%: investigate failure kinds %v",
			report.Summary.SuccessRate, topFailureKinds(run.Results, 3)))
	}
	if report.Summary.MedianMS > 0 && report.Summary.P99MS/report.Summary.MedianMS > 3 {
		recs = append(recs, "high tail latency (p99 > 3x median): investigate queueing")
	}
	return recs
}

// topFailureKinds returns the n most frequent error kinds among failed
// results, most frequent first, ties broken alphabetically.
func topFailureKinds(results []TestResult, n int) []string {
	counts := make(map[Kind]int)
	for _, res := range results {
		if !res.Success && res.ErrorKind != "" {
			counts[res.ErrorKind]++
		}
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Slice(kinds, func(i, j int) bool {
		ci, cj := counts[Kind(kinds[i])], counts[Kind(kinds[j])]
		if ci != cj {
			return ci > cj
		}
		return kinds[i] < kinds[j]
	})
	if len(kinds) > n {
		kinds = kinds[:n]
	}
	return kinds
}

// groupByConfig buckets results by configuration id.
func groupByConfig(results []TestResult) map[string][]TestResult {
	groups := make(map[string][]TestResult)
	for _, res := range results {
		groups[res.ConfigID] = append(groups[res.ConfigID], res)
	}
	return groups
}
