package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-harness/fixtures"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Runner executes single test invocations: before_each hooks, fixture
// resolution, the attempt loop and after_each hooks.
type Runner struct {
	log            log.Logger
	resolver       *fixtures.Resolver
	defaultTimeout time.Duration
	onTransition   TransitionFunc
	tracer         trace.Tracer
}

// Config holds configuration for creating a new runner
type Config struct {
	Log      log.Logger
	Resolver *fixtures.Resolver
	// DefaultTimeout bounds attempts of tests without their own timeout. Zero means unbounded.
	DefaultTimeout time.Duration
	// OnTransition, if set, observes every state change.
	OnTransition TransitionFunc
}

// Invocation is one (suite, test) pair plus what is needed to run it.
type Invocation struct {
	Entry      types.PlanEntry
	Cache      *fixtures.SuiteCache
	BeforeEach []*types.HookDescriptor
	AfterEach  []*types.HookDescriptor
}

// New creates a new runner instance
func New(cfg Config) (*Runner, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("fixture resolver is required")
	}
	if cfg.DefaultTimeout < 0 {
		return nil, errors.New("default timeout cannot be negative")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Runner{
		log:            cfg.Log.New("component", "runner"),
		resolver:       cfg.Resolver,
		defaultTimeout: cfg.DefaultTimeout,
		onTransition:   cfg.OnTransition,
		tracer:         otel.Tracer("test runner"),
	}, nil
}

// Run executes an invocation end to end and always returns an outcome.
// Cancelling ctx aborts the run: the in-flight attempt is cancelled, the
// test is reported as skipped, and after_each still runs.
func (r *Runner) Run(ctx context.Context, inv Invocation) types.TestOutcome {
	test := inv.Entry.Test
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("test %s", test.ID()))
	defer span.End()

	start := time.Now()
	m := newMachine(test.ID(), r.onTransition)
	outcome := types.TestOutcome{
		Suite: test.Suite,
		Test:  test.Name,
		Index: inv.Entry.Index,
	}
	l := r.log.New("test", test.ID())
	l.Debug("Running test", "retries", test.Retries, "timeout", r.timeoutFor(test))

	m.to(StateSetup)
	var scope *fixtures.Scope
	var teardownErrs []error
	if err := RunHooks(ctx, l, types.HookBeforeEach, inv.BeforeEach, true); err != nil {
		setFailure(ctx, &outcome, types.TestStatusSetupFailed, err.Error())
	} else {
		scope, teardownErrs = r.attemptLoop(ctx, l, m, inv, &outcome)
	}

	m.to(StateTeardown)
	// Teardown must run even when the run has been aborted.
	cleanupCtx := context.WithoutCancel(ctx)
	if err := RunHooks(cleanupCtx, l, types.HookAfterEach, inv.AfterEach, false); err != nil {
		teardownErrs = append(teardownErrs, err)
	}
	if scope != nil {
		if err := scope.Release(cleanupCtx); err != nil {
			teardownErrs = append(teardownErrs, err)
		}
	}
	if err := errors.Join(teardownErrs...); err != nil {
		applyTeardownFailure(&outcome, err.Error())
	}
	m.to(StateDone)

	outcome.Elapsed = time.Since(start)
	outcome.Reason = cleanReason(outcome.Reason)

	span.SetAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.Int("attempts", int(outcome.Attempts)),
	)
	if outcome.Status.FailsRun() {
		span.SetStatus(codes.Error, outcome.Reason)
	}
	l.Info("Test finished", "status", outcome.Status, "attempts", outcome.Attempts, "duration", outcome.Elapsed)
	return outcome
}

// attemptLoop resolves fixtures and runs attempts until one passes, the
// attempts are exhausted, or the run is aborted. It returns the scope of the
// last attempt, still unreleased, and any errors from releasing earlier scopes.
func (r *Runner) attemptLoop(ctx context.Context, l log.Logger, m *machine, inv Invocation, outcome *types.TestOutcome) (*fixtures.Scope, []error) {
	test := inv.Entry.Test
	var releaseErrs []error

	for {
		scope, err := r.resolver.Resolve(ctx, inv.Cache, inv.Entry.Fixtures)
		if err != nil {
			setFailure(ctx, outcome, types.TestStatusSetupFailed, fmt.Sprintf("fixture setup: %v", err))
			return nil, releaseErrs
		}

		m.to(StateRunning)
		outcome.Attempts++
		status, reason := r.attempt(ctx, test, scope.Fixtures())
		if ctx.Err() != nil && status != types.TestStatusPassed {
			outcome.Status, outcome.Reason = types.TestStatusSkipped, ReasonRunAborted
			return scope, releaseErrs
		}
		outcome.Status, outcome.Reason = status, reason

		switch status {
		case types.TestStatusPassed:
			m.to(StatePassed)
			return scope, releaseErrs
		case types.TestStatusTimedOut:
			m.to(StateTimedOut)
		default:
			m.to(StateFailed)
		}
		if outcome.Attempts >= test.MaxAttempts() {
			return scope, releaseErrs
		}

		m.to(StateRetrying)
		l.Info("Retrying test", "attempt", outcome.Attempts, "of", test.MaxAttempts(), "status", status, "reason", reason)
		if err := scope.Release(context.WithoutCancel(ctx)); err != nil {
			releaseErrs = append(releaseErrs, err)
		}
	}
}

// attempt runs the test body once under the attempt timeout.
func (r *Runner) attempt(ctx context.Context, test *types.TestDescriptor, fx types.Fixtures) (types.TestStatus, string) {
	timeout := r.timeoutFor(test)
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
	)
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The body runs on its own goroutine so a body that ignores its context
	// cannot hold the worker past the deadline.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- test.Body(attemptCtx, fx)
	}()

	select {
	case err := <-done:
		if err == nil {
			return types.TestStatusPassed, ""
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return types.TestStatusTimedOut, timeoutReason(timeout)
		}
		return types.TestStatusFailed, err.Error()
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return types.TestStatusTimedOut, timeoutReason(timeout)
		}
		return types.TestStatusFailed, attemptCtx.Err().Error()
	}
}

func (r *Runner) timeoutFor(test *types.TestDescriptor) time.Duration {
	if test.Timeout > 0 {
		return test.Timeout
	}
	return r.defaultTimeout
}

func timeoutReason(timeout time.Duration) string {
	return fmt.Sprintf("attempt exceeded timeout of %s", timeout)
}

// setFailure records a setup failure, or an abort if ctx was cancelled.
func setFailure(ctx context.Context, outcome *types.TestOutcome, status types.TestStatus, reason string) {
	if ctx.Err() != nil {
		outcome.Status, outcome.Reason = types.TestStatusSkipped, ReasonRunAborted
		return
	}
	outcome.Status, outcome.Reason = status, reason
}

// applyTeardownFailure marks a passed test TeardownFailed. Any other status
// already describes a worse result, so the teardown error is only appended.
func applyTeardownFailure(outcome *types.TestOutcome, reason string) {
	reason = "teardown: " + reason
	if outcome.Status == types.TestStatusPassed {
		outcome.Status = types.TestStatusTeardownFailed
		outcome.Reason = reason
		return
	}
	if outcome.Reason == "" {
		outcome.Reason = reason
		return
	}
	outcome.Reason = outcome.Reason + "; " + reason
}

// cleanReason strips terminal escape codes and collapses whitespace so
// reasons are safe to write to logs and reports.
func cleanReason(reason string) string {
	return strings.Join(strings.Fields(stripansi.Strip(reason)), " ")
}
