// Command cadenza-latency runs end-to-end latency test suites from the
// command line, for CI gates and local development.
//
// Usage:
//
//	# Run the quick validation suite against the mock client
//	cadenza-latency --suite quick_validation --timeout 120
//
//	# List registered suites
//	cadenza-latency --list-suites
//
//	# Compare a run against a stored baseline and fail CI on regression
//	cadenza-latency --suite quick_validation --baseline nightly \
//	    --regression-threshold 0.2 --fail-on-regression --ci
//
// Exit codes: 0 ok, 1 failure, 2 timeout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cadenza-ai/cadenza/pkg/latency"
	"github.com/cadenza-ai/cadenza/pkg/latency/mock"
	"github.com/cadenza-ai/cadenza/pkg/latency/storage"
)

// Exit codes per the harness contract.
const (
	exitOK      = 0
	exitFailure = 1
	exitTimeout = 2
)

// pollInterval is how often the runner re-reads run progress.
const pollInterval = 500 * time.Millisecond

var errTimedOut = errors.New("test run timed out")

type options struct {
	suite               string
	listSuites          bool
	timeout             time.Duration
	mock                bool
	baseline            string
	regressionThreshold float64
	output              string
	ci                  bool
	failOnRegression    bool
	dataDir             string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadenza-latency: %v\n", err)
		return exitFailure
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	store, err := storage.NewFileStore(opts.dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadenza-latency: %v\n", err)
		return exitFailure
	}

	orch := latency.NewOrchestrator(store, latency.Options{
		RunTimeout: opts.timeout,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Close(closeCtx)
	}()

	ctx := context.Background()
	for _, suite := range []latency.TestSuiteDefinition{
		latency.QuickValidationSuite(),
		latency.ProviderComparisonSuite(),
	} {
		if err := orch.RegisterSuite(ctx, suite); err != nil {
			fmt.Fprintf(os.Stderr, "cadenza-latency: register suite: %v\n", err)
			return exitFailure
		}
	}

	switch {
	case opts.listSuites:
		return listSuites(orch, opts)
	case opts.suite != "":
		return runSuite(ctx, orch, store, opts)
	default:
		fmt.Fprintln(os.Stderr, "cadenza-latency: --suite ID or --list-suites is required (see --help)")
		return exitFailure
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("cadenza-latency", flag.ContinueOnError)
	opts := options{}
	var timeoutSec int
	var noMock bool

	fs.StringVar(&opts.suite, "suite", "", "test suite ID to run (e.g. quick_validation)")
	fs.BoolVar(&opts.listSuites, "list-suites", false, "list registered test suites")
	fs.IntVar(&timeoutSec, "timeout", 300, "run timeout in seconds")
	fs.BoolVar(&opts.mock, "mock", true, "register the built-in mock client")
	fs.BoolVar(&noMock, "no-mock", false, "disable the mock client; a real client must be registered")
	fs.StringVar(&opts.baseline, "baseline", "", "baseline ID for regression checking")
	fs.Float64Var(&opts.regressionThreshold, "regression-threshold", latency.DefaultRegressionThreshold, "regression threshold (0.2 = 20%)")
	fs.StringVar(&opts.output, "output", "text", "output format: text or json")
	fs.BoolVar(&opts.ci, "ci", false, "CI mode: non-zero exit if success rate is below 100%")
	fs.BoolVar(&opts.failOnRegression, "fail-on-regression", false, "non-zero exit if any regression is detected")
	fs.StringVar(&opts.dataDir, "data-dir", "data/latency", "storage root directory")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if noMock {
		opts.mock = false
	}
	if opts.output != "text" && opts.output != "json" {
		return options{}, fmt.Errorf("invalid --output %q: valid values are text, json", opts.output)
	}
	opts.timeout = time.Duration(timeoutSec) * time.Second
	return opts, nil
}

func listSuites(orch *latency.Orchestrator, opts options) int {
	suites := orch.ListSuites()

	if opts.output == "json" {
		type row struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			TotalTests  int    `json:"total_tests"`
		}
		rows := make([]row, 0, len(suites))
		for _, s := range suites {
			rows = append(rows, row{s.ID, s.Name, s.Description, s.TotalTestCount()})
		}
		printJSON(rows)
		return exitOK
	}

	fmt.Println("\nRegistered test suites:")
	fmt.Println("------------------------------------------------------------")
	for _, s := range suites {
		fmt.Printf("  %s\n", s.ID)
		fmt.Printf("    Name:  %s\n", s.Name)
		fmt.Printf("    Tests: %d\n", s.TotalTestCount())
		fmt.Printf("    %s\n\n", s.Description)
	}
	return exitOK
}

func runSuite(ctx context.Context, orch *latency.Orchestrator, store latency.Store, opts options) int {
	if opts.mock {
		client := &mock.Client{
			ClientID: "cli_mock_client",
			Caps:     mock.DefaultCapabilities(),
		}
		if err := orch.RegisterClient(client); err != nil {
			fmt.Fprintf(os.Stderr, "cadenza-latency: register mock client: %v\n", err)
			return exitFailure
		}
	}

	run, err := awaitRun(ctx, orch, opts)
	if errors.Is(err, errTimedOut) {
		fmt.Fprintf(os.Stderr, "cadenza-latency: run timed out after %s\n", opts.timeout)
		return exitTimeout
	}
	if err != nil {
		printError(opts, err)
		return exitFailure
	}

	var baseline *latency.PerformanceBaseline
	if opts.baseline != "" {
		b, err := store.GetBaseline(ctx, opts.baseline)
		if err != nil {
			printError(opts, fmt.Errorf("baseline %q: %w", opts.baseline, err))
			return exitFailure
		}
		baseline = &b
	}

	report, err := latency.Analyze(run, baseline, latency.AnalyzerOptions{
		RegressionThreshold: opts.regressionThreshold,
	})
	if err != nil {
		printError(opts, err)
		return exitFailure
	}

	printReport(opts, run, report)

	code := exitOK
	if run.Status != latency.RunCompleted {
		code = exitFailure
	}
	if opts.failOnRegression && len(report.Regressions) > 0 {
		code = exitFailure
	}
	if opts.ci && report.Summary.SuccessRate < 100 {
		slog.Warn("success rate below 100%", "success_rate", report.Summary.SuccessRate)
		code = exitFailure
	}
	return code
}

// awaitRun starts the run and polls until it reaches a terminal status or
// the timeout elapses.
func awaitRun(ctx context.Context, orch *latency.Orchestrator, opts options) (latency.TestRun, error) {
	run, err := orch.StartTestRun(ctx, opts.suite)
	if err != nil {
		return latency.TestRun{}, err
	}
	fmt.Fprintf(os.Stderr, "started run %s (%d units)\n", run.ID, run.Total)

	deadline := time.Now().Add(opts.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !run.Status.Terminal() {
		if time.Now().After(deadline) {
			_ = orch.CancelRun(run.ID)
			return latency.TestRun{}, errTimedOut
		}
		<-ticker.C
		run, err = orch.GetRun(run.ID)
		if err != nil {
			return latency.TestRun{}, err
		}
		fmt.Fprintf(os.Stderr, "progress: %d/%d (%.1f%%)\n", run.Completed, run.Total, run.ProgressPercent())
	}
	// The orchestrator's RunTimeout equals opts.timeout and is the only thing
	// that cancels a CLI run, so a cancelled run is a timed-out run.
	if run.Status == latency.RunCancelled {
		return latency.TestRun{}, errTimedOut
	}
	return run, nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

func printReport(opts options, run latency.TestRun, report latency.AnalysisReport) {
	if opts.output == "json" {
		printJSON(struct {
			RunID     string                 `json:"run_id"`
			SuiteName string                 `json:"suite_name"`
			Status    latency.RunStatus      `json:"status"`
			Completed int                    `json:"completed"`
			Total     int                    `json:"total"`
			Report    latency.AnalysisReport `json:"report"`
		}{run.ID, run.SuiteName, run.Status, run.Completed, run.Total, report})
		return
	}

	fmt.Println()
	fmt.Println("============================================================")
	fmt.Printf("Test run complete: %s\n", run.ID)
	fmt.Println("============================================================")
	fmt.Printf("Suite:          %s\n", run.SuiteName)
	fmt.Printf("Status:         %s\n", run.Status)
	fmt.Printf("Configurations: %d/%d\n", run.Completed, run.Total)
	fmt.Printf("Duration:       %.1fs\n", run.Elapsed(time.Now()).Seconds())
	fmt.Println()
	fmt.Println("Latency summary:")
	fmt.Printf("  Median E2E:   %.1fms\n", report.Summary.MedianMS)
	fmt.Printf("  P95 E2E:      %.1fms\n", report.Summary.P95MS)
	fmt.Printf("  P99 E2E:      %.1fms\n", report.Summary.P99MS)
	fmt.Printf("  Min E2E:      %.1fms\n", report.Summary.MinMS)
	fmt.Printf("  Max E2E:      %.1fms\n", report.Summary.MaxMS)
	fmt.Printf("  Success rate: %.1f%%\n", report.Summary.SuccessRate)

	if len(report.Regressions) > 0 {
		fmt.Println()
		fmt.Printf("REGRESSIONS DETECTED: %d\n", len(report.Regressions))
		for _, r := range report.Regressions {
			fmt.Printf("  [%s] %s: %s %+.1f%% (%.1fms -> %.1fms)\n",
				r.Severity, r.ConfigID, r.Metric, r.ChangePercent, r.BaselineValue, r.CurrentValue)
		}
	} else if opts.baseline != "" {
		fmt.Println()
		fmt.Println("No regressions detected")
	}

	if len(report.Improvements) > 0 {
		fmt.Println()
		fmt.Println("Improvements:")
		for _, im := range report.Improvements {
			fmt.Printf("  %s: %s %+.1f%%\n", im.ConfigID, im.Metric, im.ChangePercent)
		}
	}

	if len(report.Recommendations) > 0 {
		fmt.Println()
		fmt.Println("Recommendations:")
		for _, rec := range report.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
	fmt.Println()
}

func printError(opts options, err error) {
	if opts.output == "json" {
		printJSON(map[string]string{
			"error_kind": string(latency.KindOf(err)),
			"error":      err.Error(),
		})
		return
	}
	fmt.Fprintf(os.Stderr, "cadenza-latency: %v\n", err)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
