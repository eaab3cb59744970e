package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

const FlakeShakeReportFile = "flake-shake-report.json"

// FlakeShakeResult represents aggregated results for a test across multiple runs
type FlakeShakeResult struct {
	Suite          string                   `json:"suite"`
	TestName       string                   `json:"test_name"`
	TotalRuns      int                      `json:"total_runs"`
	Passes         int                      `json:"passes"`
	Failures       int                      `json:"failures"`
	Skipped        int                      `json:"skipped"`
	Statuses       map[types.TestStatus]int `json:"statuses"`
	PassRate       float64                  `json:"pass_rate"`
	AvgDuration    time.Duration            `json:"avg_duration"`
	MinDuration    time.Duration            `json:"min_duration"`
	MaxDuration    time.Duration            `json:"max_duration"`
	FailureReasons []string                 `json:"failure_reasons,omitempty"`
	Recommendation string                   `json:"recommendation"`
}

// Stable reports whether the test ended in the same status on every run.
func (r FlakeShakeResult) Stable() bool {
	return len(r.Statuses) <= 1
}

// FlakeShakeReport contains the complete flake-shake analysis
type FlakeShakeReport struct {
	Date        string             `json:"date"`
	TotalRuns   int                `json:"total_runs"`
	Iterations  int                `json:"iterations"`
	Tests       []FlakeShakeResult `json:"tests"`
	GeneratedAt time.Time          `json:"generated_at"`
	RunIDs      []string           `json:"run_ids"`
}

// Unstable returns the tests whose status changed between runs.
func (r *FlakeShakeReport) Unstable() []FlakeShakeResult {
	var out []FlakeShakeResult
	for _, t := range r.Tests {
		if !t.Stable() {
			out = append(out, t)
		}
	}
	return out
}

// RunFunc executes one complete run of a frozen registry.
type RunFunc func(ctx context.Context) (*types.RunSummary, error)

// FlakeShakeRunner repeats a run to find tests whose status is not stable
type FlakeShakeRunner struct {
	run        RunFunc
	iterations int
	log        log.Logger
}

// NewFlakeShakeRunner creates a new flake-shake runner
func NewFlakeShakeRunner(run RunFunc, iterations int, log log.Logger) *FlakeShakeRunner {
	return &FlakeShakeRunner{
		run:        run,
		iterations: iterations,
		log:        log,
	}
}

// RunFlakeShake runs the tests repeatedly and generates a stability report
func (f *FlakeShakeRunner) RunFlakeShake(ctx context.Context) (*FlakeShakeReport, error) {
	if f.iterations < 1 {
		return nil, fmt.Errorf("flake-shake needs at least one iteration, got %d", f.iterations)
	}
	f.log.Info("Starting flake-shake analysis", "iterations", f.iterations)

	results := make(map[string][]types.TestOutcome)
	var order []string
	var runIDs []string

	for i := 1; i <= f.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.log.Info("Running iteration", "iteration", i, "total", f.iterations)

		summary, err := f.run(ctx)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		runIDs = append(runIDs, summary.RunID)
		for _, o := range summary.Outcomes {
			key := o.ID()
			if _, seen := results[key]; !seen {
				order = append(order, key)
			}
			results[key] = append(results[key], o)
		}
	}

	report := &FlakeShakeReport{
		Date:        time.Now().Format("2006-01-02"),
		Iterations:  f.iterations,
		GeneratedAt: time.Now(),
		RunIDs:      runIDs,
	}
	for _, key := range order {
		result := summarize(results[key])
		report.Tests = append(report.Tests, result)
		report.TotalRuns += result.TotalRuns
	}
	f.log.Info("Flake-shake analysis complete", "tests", len(report.Tests), "unstable", len(report.Unstable()))
	return report, nil
}

func summarize(outcomes []types.TestOutcome) FlakeShakeResult {
	result := FlakeShakeResult{
		Suite:     outcomes[0].Suite,
		TestName:  outcomes[0].Test,
		TotalRuns: len(outcomes),
		Statuses:  make(map[types.TestStatus]int),
	}

	var totalDuration time.Duration
	for i, o := range outcomes {
		result.Statuses[o.Status]++
		switch {
		case o.Status == types.TestStatusPassed:
			result.Passes++
		case o.Status == types.TestStatusSkipped:
			result.Skipped++
		default:
			result.Failures++
			// Keep the first 5 distinct failure reasons
			if len(result.FailureReasons) < 5 && o.Reason != "" && !slices.Contains(result.FailureReasons, o.Reason) {
				result.FailureReasons = append(result.FailureReasons, o.Reason)
			}
		}

		totalDuration += o.Elapsed
		if i == 0 || o.Elapsed < result.MinDuration {
			result.MinDuration = o.Elapsed
		}
		if o.Elapsed > result.MaxDuration {
			result.MaxDuration = o.Elapsed
		}
	}

	result.AvgDuration = totalDuration / time.Duration(result.TotalRuns)
	if executed := result.TotalRuns - result.Skipped; executed > 0 {
		result.PassRate = float64(result.Passes) / float64(executed) * 100
	}

	if result.Stable() {
		result.Recommendation = "STABLE"
	} else {
		result.Recommendation = "UNSTABLE"
	}
	return result
}

// SaveFlakeShakeReport writes the report as JSON into outputDir
func SaveFlakeShakeReport(report *FlakeShakeReport, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	filename := filepath.Join(outputDir, FlakeShakeReportFile)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write JSON file: %w", err)
	}
	return filename, nil
}
