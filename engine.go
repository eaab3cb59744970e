package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-harness/exitcodes"
	"github.com/ethereum-optimism/infra/op-harness/fixtures"
	"github.com/ethereum-optimism/infra/op-harness/logging"
	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/registry"
	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/runner"
	"github.com/ethereum-optimism/infra/op-harness/scheduler"
	"github.com/ethereum-optimism/infra/op-harness/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// FlakeShakeDir is the directory under the log directory holding flake-shake reports.
const FlakeShakeDir = "flake-shake"

// Engine implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Engine{}

// Engine runs a frozen registry, once or periodically, and reports each run.
type Engine struct {
	config    *Config
	version   string
	log       log.Logger
	registry  *registry.Registry
	resolver  *fixtures.Resolver
	scheduler *scheduler.Scheduler
	formatter ResultFormatter
	reporter  MetricsReporter
	tracer    trace.Tracer

	runScheduler RunScheduler
	runs         atomic.Int64

	mu          sync.Mutex
	lastSummary *types.RunSummary
	lastReport  *runner.FlakeShakeReport

	shutdownCallback func(error) // Callback to signal application shutdown
}

// NewEngine freezes the registry and validates it. Structural problems, such
// as a fixture cycle or a test requiring an unknown fixture, are returned as
// a RuntimeError before any test runs.
func NewEngine(config *Config, reg *registry.Registry, version string, shutdownCallback func(error)) (*Engine, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if config.Log == nil {
		config.Log = log.New()
		config.Log.Error("No logger provided, using default")
	}
	if err := config.Check(); err != nil {
		return nil, NewRuntimeError(fmt.Errorf("invalid config: %w", err))
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	l := config.Log.New("component", "engine")
	l.Debug("Creating engine with config",
		"manifest", config.Manifest,
		"filters", config.Filters,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"logDir", config.LogDir,
		"flakeShake", config.FlakeShake)

	reg.Freeze()
	resolver, err := fixtures.NewResolver(fixtures.Config{Log: config.Log, Fixtures: reg.Fixtures()})
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("invalid fixtures: %w", err))
	}
	// Plan once up front so structural errors surface before Start.
	if _, err := scheduler.BuildPlan(reg, resolver, config.Filters); err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to build plan: %w", err))
	}
	sched, err := scheduler.New(scheduler.Config{Log: config.Log, Registry: reg, Resolver: resolver})
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to create scheduler: %w", err))
	}

	return &Engine{
		config:           config,
		version:          version,
		log:              l,
		registry:         reg,
		resolver:         resolver,
		scheduler:        sched,
		formatter:        NewConsoleResultFormatter(l, config.Output),
		reporter:         NewDefaultMetricsReporter(),
		tracer:           otel.Tracer("harness"),
		runScheduler:     NewPeriodicScheduler(config.RunInterval, config.RunOnce, l),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs the registry immediately and, unless in run-once mode, keeps
// running it at the configured interval.
// Start implements the cliapp.Lifecycle interface.
func (e *Engine) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	switch {
	case e.config.FlakeShake:
		e.log.Info("Starting op-harness in flake-shake mode", "iterations", e.config.FlakeShakeIterations, "version", e.version)
		e.runScheduler.RegisterCallback(e.runFlakeShake)
	case e.config.RunOnce:
		e.log.Info("Starting op-harness in run-once mode", "version", e.version)
		e.runScheduler.RegisterCallback(e.runTests)
	default:
		e.log.Info("Starting op-harness in periodic mode", "interval", e.config.RunInterval, "version", e.version)
		e.runScheduler.RegisterCallback(e.runTests)
	}

	if err := e.runScheduler.Start(ctx); err != nil {
		if IsTestFailureError(err) {
			e.log.Warn("Run completed with failures, returning exit code 1")
		} else {
			e.log.Error("Runtime error running tests", "error", err)
		}
		return err
	}

	if e.config.RunOnce {
		e.log.Info("Tests completed, exiting (run-once mode)")
		go e.shutdownCallback(nil)
	}
	return nil
}

// runTests is the scheduler callback. Only run-once mode turns a failing
// verdict into an error; periodic runs report through metrics and logs.
func (e *Engine) runTests(ctx context.Context) error {
	summary, err := e.RunOnce(ctx)
	if err != nil {
		return err
	}
	if e.config.RunOnce && !summary.Passed {
		return NewRunFailureError(summary)
	}
	return nil
}

func (e *Engine) runFlakeShake(ctx context.Context) error {
	report, err := e.FlakeShake(ctx, e.config.FlakeShakeIterations)
	if err != nil {
		return err
	}
	if unstable := report.Unstable(); len(unstable) > 0 {
		return NewTestFailureError(fmt.Sprintf("%d of %d tests changed status across %d runs", len(unstable), len(report.Tests), report.Iterations))
	}
	return nil
}

// RunOnce plans and executes a single run, streaming events to the result
// sinks and metrics as they arrive. Test failures are reported in the
// summary; the error is reserved for problems that prevented the run.
func (e *Engine) RunOnce(ctx context.Context) (*types.RunSummary, error) {
	runID := uuid.New().String()
	l := e.log.New("run_id", runID)
	ctx, span := e.tracer.Start(ctx, "run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	plan, err := scheduler.BuildPlan(e.registry, e.resolver, e.config.Filters)
	if err != nil {
		return nil, NewRuntimeError(fmt.Errorf("failed to build plan: %w", err))
	}

	var sink *logging.FileLogger
	if e.config.LogDir != "" {
		sink, err = logging.NewFileLogger(e.config.LogDir, runID, e.config.Snapshot(runID))
		if err != nil {
			return nil, NewRuntimeError(fmt.Errorf("failed to create result sink: %w", err))
		}
		htmlSink, err := reporting.NewHTMLSink(sink.GetRunDir())
		if err != nil {
			return nil, NewRuntimeError(err)
		}
		sink.AddSink(reporting.NewTextSummarySink(sink.GetRunDir()))
		sink.AddSink(htmlSink)
	}

	l.Info("Running tests", "tests", len(plan.Entries), "runnable", plan.Runnable(), "workers", plan.WorkerCount)
	events, err := e.scheduler.Execute(ctx, plan)
	if err != nil {
		return nil, NewRuntimeError(err)
	}

	collector := runner.NewCollector(runID)
	for ev := range events {
		collector.AddEvent(ev)
		if ev.Outcome != nil {
			e.reporter.ReportOutcome(*ev.Outcome)
		}
		if sink != nil {
			if err := sink.Consume(ev, runID); err != nil {
				l.Warn("Failed to write result", "err", err)
				metrics.RecordErrorDetails("result sink", err)
			}
		}
	}

	summary := collector.Summary()
	e.reporter.ReportResults(summary)
	if sink != nil {
		if err := sink.Complete(summary); err != nil {
			l.Warn("Failed to complete result sink", "err", err)
			metrics.RecordErrorDetails("result sink", err)
		}
	}
	if err := e.formatter.FormatResults(summary); err != nil {
		l.Warn("Failed to print results", "err", err)
	}

	e.runs.Add(1)
	e.mu.Lock()
	e.lastSummary = summary
	e.mu.Unlock()

	span.SetAttributes(attribute.String("verdict", summary.Verdict()), attribute.Int("tests", summary.Total))
	l.Info("Test run completed", "verdict", summary.Verdict(), "total", summary.Total,
		"failed", len(summary.Failures()), "duration", summary.Duration)
	return summary, nil
}

// FlakeShake runs the registry iterations times with the same filters and
// reports which tests changed status. The report is saved under the log
// directory when one is configured.
func (e *Engine) FlakeShake(ctx context.Context, iterations int) (*runner.FlakeShakeReport, error) {
	fs := runner.NewFlakeShakeRunner(e.RunOnce, iterations, e.log)
	report, err := fs.RunFlakeShake(ctx)
	if err != nil {
		return nil, err
	}

	if e.config.LogDir != "" {
		path, err := runner.SaveFlakeShakeReport(report, filepath.Join(e.config.LogDir, FlakeShakeDir))
		if err != nil {
			return nil, NewRuntimeError(err)
		}
		e.log.Info("Saved flake-shake report", "path", path)
	}
	for _, t := range report.Unstable() {
		e.log.Warn("Unstable test", "test", types.TestID(t.Suite, t.TestName), "passRate", t.PassRate, "statuses", t.Statuses)
	}

	e.mu.Lock()
	e.lastReport = report
	e.mu.Unlock()
	return report, nil
}

// Stop stops periodic runs. A run in progress completes.
// Stop implements the cliapp.Lifecycle interface.
func (e *Engine) Stop(ctx context.Context) error {
	e.log.Info("Stopping op-harness")
	if err := e.runScheduler.Stop(); err != nil {
		return err
	}
	return e.runScheduler.WaitForShutdown(ctx)
}

// Stopped returns true if the engine is not running.
// Stopped implements the cliapp.Lifecycle interface.
func (e *Engine) Stopped() bool {
	return e.runScheduler.Stopped()
}

// LastSummary returns the summary of the most recent run, or nil.
func (e *Engine) LastSummary() *types.RunSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummary
}

// LastFlakeShakeReport returns the most recent flake-shake report, or nil.
func (e *Engine) LastFlakeShakeReport() *runner.FlakeShakeReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Runs returns the number of completed runs.
func (e *Engine) Runs() int64 {
	return e.runs.Load()
}
