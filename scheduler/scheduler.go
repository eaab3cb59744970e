package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ethereum-optimism/infra/op-harness/fixtures"
	"github.com/ethereum-optimism/infra/op-harness/registry"
	"github.com/ethereum-optimism/infra/op-harness/runner"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Config holds configuration for creating a new scheduler
type Config struct {
	Log      log.Logger
	Registry *registry.Registry
	Resolver *fixtures.Resolver
	// OnTransition, if set, observes every test state change.
	OnTransition runner.TransitionFunc
}

// Scheduler executes plans on a bounded pool of workers.
type Scheduler struct {
	log          log.Logger
	registry     *registry.Registry
	resolver     *fixtures.Resolver
	onTransition runner.TransitionFunc
	tracer       trace.Tracer
}

// New creates a new scheduler instance
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("fixture resolver is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Scheduler{
		log:          cfg.Log.New("component", "scheduler"),
		registry:     cfg.Registry,
		resolver:     cfg.Resolver,
		onTransition: cfg.OnTransition,
		tracer:       otel.Tracer("scheduler"),
	}, nil
}

// suiteState tracks one suite's lifecycle during a run.
type suiteState struct {
	desc       *types.SuiteDescriptor
	cache      *fixtures.SuiteCache
	sem        *semaphore.Weighted // nil when the suite is unbounded
	beforeEach []*types.HookDescriptor
	afterEach  []*types.HookDescriptor

	setupOnce sync.Once
	setupErr  error
	started   atomic.Bool
	remaining atomic.Int64
	tests     atomic.Int64

	// set inside setupOnce
	ctx   context.Context
	span  trace.Span
	start time.Time
}

// Execute runs the plan and streams an event per entry, plus one suite
// report per started suite. The channel is closed once every entry has an
// outcome and every started suite has been torn down.
//
// Cancelling ctx aborts the run: tests not yet started are reported as
// skipped, in-flight attempts are cancelled, and started suites still run
// their after_all hooks and release their fixtures.
func (s *Scheduler) Execute(ctx context.Context, plan *types.ExecutionPlan) (<-chan types.Event, error) {
	if plan == nil {
		return nil, errors.New("plan is required")
	}
	r, err := runner.New(runner.Config{
		Log:            s.log,
		Resolver:       s.resolver,
		DefaultTimeout: plan.DefaultTimeout,
		OnTransition:   s.onTransition,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	// Sized so no send ever blocks: one outcome per entry and at most one
	// report per group.
	events := make(chan types.Event, len(plan.Entries)+len(plan.Groups))
	suites := s.prepareSuites(ctx, plan)

	go func() {
		defer close(events)
		ex := &execution{
			Scheduler: s,
			runner:    r,
			plan:      plan,
			suites:    suites,
			events:    events,
		}
		ex.run(ctx)
	}()
	return events, nil
}

func (s *Scheduler) prepareSuites(ctx context.Context, plan *types.ExecutionPlan) map[string]*suiteState {
	suites := make(map[string]*suiteState, len(plan.Groups))
	for name, g := range plan.Groups {
		if g.Runnable == 0 {
			continue
		}
		desc, _ := s.registry.Suite(name)
		st := &suiteState{
			desc:       desc,
			cache:      s.resolver.NewSuiteCache(ctx, name),
			beforeEach: s.registry.HooksFor(name, types.HookBeforeEach),
			afterEach:  s.registry.HooksFor(name, types.HookAfterEach),
		}
		if g.Limit > 0 {
			st.sem = semaphore.NewWeighted(int64(g.Limit))
		}
		st.remaining.Store(int64(g.Runnable))
		suites[name] = st
	}
	return suites
}

// execution is the state of a single Execute call.
type execution struct {
	*Scheduler
	runner   *runner.Runner
	plan     *types.ExecutionPlan
	suites   map[string]*suiteState
	events   chan<- types.Event
	tripped  atomic.Bool
	finished atomic.Int64
}

func (ex *execution) run(ctx context.Context) {
	start := time.Now()
	ctx, span := ex.tracer.Start(ctx, "execute plan")
	defer span.End()

	workers := max(1, ex.plan.WorkerCount)
	ex.log.Info("Starting test execution", "tests", len(ex.plan.Entries), "runnable", ex.plan.Runnable(), "workers", workers, "onlyMode", ex.plan.OnlyMode)

	workChan := make(chan types.PlanEntry, min(workers*2, 100))
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			ex.worker(ctx, workerID, workChan)
			return nil
		})
	}

	// Every entry is handed out even after an abort. Workers report the
	// remainder as skipped, which lets the last test of each started suite
	// trigger its teardown.
	for _, entry := range ex.plan.Entries {
		if !entry.Runnable() {
			ex.emitOutcome(skipped(entry, entry.SkipReason))
			continue
		}
		workChan <- entry
	}
	close(workChan)
	_ = g.Wait()

	span.SetAttributes(attribute.Int("tests", len(ex.plan.Entries)))
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, runner.ReasonRunAborted)
	}
	ex.log.Info("Test execution completed", "duration", time.Since(start), "finished", ex.finished.Load())
}

func (ex *execution) worker(ctx context.Context, workerID string, workChan <-chan types.PlanEntry) {
	ex.log.Debug("Worker starting", "workerID", workerID)
	defer ex.log.Debug("Worker exiting", "workerID", workerID)

	for entry := range workChan {
		st := ex.suites[entry.Group]
		outcome := ex.runEntry(ctx, st, entry)
		if outcome.Status.FailsRun() && ex.plan.FailFast && ex.tripped.CompareAndSwap(false, true) {
			ex.log.Warn("Fail fast triggered, skipping remaining tests", "test", outcome.ID())
		}
		ex.emitOutcome(outcome)
		ex.leave(st)
	}
}

func (ex *execution) runEntry(ctx context.Context, st *suiteState, entry types.PlanEntry) types.TestOutcome {
	if ctx.Err() != nil {
		return skipped(entry, runner.ReasonRunAborted)
	}
	if ex.tripped.Load() {
		return skipped(entry, runner.ReasonFailFast)
	}
	if err := ex.enter(ctx, st); err != nil {
		return skipped(entry, runner.ReasonSuiteSetupFailed)
	}
	if st.sem != nil {
		if err := st.sem.Acquire(ctx, 1); err != nil {
			return skipped(entry, runner.ReasonRunAborted)
		}
		defer st.sem.Release(1)
	}
	// Fail fast may have tripped while waiting for a slot.
	if ex.tripped.Load() {
		return skipped(entry, runner.ReasonFailFast)
	}

	st.tests.Add(1)
	return ex.runner.Run(trace.ContextWithSpan(ctx, st.span), runner.Invocation{
		Entry:      entry,
		Cache:      st.cache,
		BeforeEach: st.beforeEach,
		AfterEach:  st.afterEach,
	})
}

// enter runs the suite's before_all hooks exactly once. Every caller blocks
// until they have completed and sees the same result.
func (ex *execution) enter(ctx context.Context, st *suiteState) error {
	st.setupOnce.Do(func() {
		st.start = time.Now()
		st.ctx, st.span = ex.tracer.Start(ctx, fmt.Sprintf("suite %s", st.desc.Name))
		st.started.Store(true)

		l := ex.log.New("suite", st.desc.Name)
		l.Debug("Starting suite")
		st.setupErr = runner.RunHooks(st.ctx, l, types.HookBeforeAll, ex.registry.HooksFor(st.desc.Name, types.HookBeforeAll), true)
		if st.setupErr != nil {
			l.Error("Suite setup failed", "err", st.setupErr)
		}
	})
	return st.setupErr
}

// leave marks one of the suite's tests as finished. The last one out tears
// the suite down.
func (ex *execution) leave(st *suiteState) {
	if st.remaining.Add(-1) != 0 {
		return
	}
	if !st.started.Load() {
		// No test ever entered, so there are no hooks to run and no fixtures to release.
		return
	}
	ex.finishSuite(st)
}

func (ex *execution) finishSuite(st *suiteState) {
	name := st.desc.Name
	l := ex.log.New("suite", name)
	cleanupCtx := context.WithoutCancel(st.ctx)

	report := types.SuiteReport{
		Suite: name,
		Tests: int(st.tests.Load()),
	}
	if st.setupErr != nil {
		report.SetupError = st.setupErr.Error()
	}
	if err := runner.RunHooks(cleanupCtx, l, types.HookAfterAll, ex.registry.HooksFor(name, types.HookAfterAll), false); err != nil {
		report.HookError = err.Error()
	}
	report.AfterAllRan = true
	if err := st.cache.Release(cleanupCtx); err != nil {
		l.Warn("Suite fixture teardown failed", "err", err)
		report.Teardown = err.Error()
	}
	report.Elapsed = time.Since(st.start)

	st.span.SetAttributes(attribute.Int("tests", report.Tests))
	if report.Failed() {
		st.span.SetStatus(codes.Error, "suite lifecycle failed")
	}
	st.span.End()

	l.Debug("Suite finished", "tests", report.Tests, "duration", report.Elapsed)
	ex.events <- types.Event{Suite: &report}
}

func (ex *execution) emitOutcome(outcome types.TestOutcome) {
	ex.finished.Add(1)
	ex.events <- types.Event{Outcome: &outcome}
}

func skipped(entry types.PlanEntry, reason string) types.TestOutcome {
	return types.TestOutcome{
		Suite:  entry.Test.Suite,
		Test:   entry.Test.Name,
		Status: types.TestStatusSkipped,
		Reason: reason,
		Index:  entry.Index,
	}
}

// Run executes the plan and aggregates its events into a summary.
func (s *Scheduler) Run(ctx context.Context, plan *types.ExecutionPlan, runID string) (*types.RunSummary, error) {
	events, err := s.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}
	return runner.NewCollector(runID).Consume(events), nil
}
