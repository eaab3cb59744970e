package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ethereum-optimism/infra/op-harness/fixtures"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

type transitionLog struct {
	mu     sync.Mutex
	states []State
}

func (tl *transitionLog) observe(_ string, _, to State) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.states = append(tl.states, to)
}

func (tl *transitionLog) get() []State {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]State(nil), tl.states...)
}

func newTestRunner(t testing.TB, defaultTimeout time.Duration, observer TransitionFunc, defs ...*types.FixtureDescriptor) *Runner {
	t.Helper()
	logger := log.NewLogger(log.DiscardHandler())
	resolver, err := fixtures.NewResolver(fixtures.Config{Log: logger, Fixtures: defs})
	require.NoError(t, err)
	r, err := New(Config{Log: logger, Resolver: resolver, DefaultTimeout: defaultTimeout, OnTransition: observer})
	require.NoError(t, err)
	return r
}

func invocation(td *types.TestDescriptor, fixtureNames ...string) Invocation {
	return Invocation{Entry: types.PlanEntry{Suite: &types.SuiteDescriptor{Name: td.Suite}, Test: td, Fixtures: fixtureNames}}
}

// failTimes returns a body that fails n times before passing.
func failTimes(n int, calls *atomic.Int32) types.TestFunc {
	return func(context.Context, types.Fixtures) error {
		if int(calls.Add(1)) <= n {
			return errors.New("not yet")
		}
		return nil
	}
}

func countingHook(kind types.HookKind, counter *atomic.Int32, err error) *types.HookDescriptor {
	return &types.HookDescriptor{Kind: kind, Suite: "s", Func: func(context.Context) error {
		counter.Add(1)
		return err
	}}
}

func TestNewRequiresResolver(t *testing.T) {
	_, err := New(Config{Log: log.NewLogger(log.DiscardHandler())})
	assert.ErrorContains(t, err, "resolver is required")
}

func TestRunPassTransitions(t *testing.T) {
	tl := &transitionLog{}
	r := newTestRunner(t, 0, tl.observe)
	var calls atomic.Int32
	td := &types.TestDescriptor{Name: "ok", Suite: "s", Body: failTimes(0, &calls)}

	inv := invocation(td)
	inv.Entry.Index = 7
	out := r.Run(context.Background(), inv)

	assert.Equal(t, types.TestStatusPassed, out.Status)
	assert.Equal(t, uint(1), out.Attempts)
	assert.Equal(t, 7, out.Index)
	assert.Equal(t, "s", out.Suite)
	assert.Equal(t, "ok", out.Test)
	assert.Empty(t, out.Reason)
	assert.Equal(t, []State{StateSetup, StateRunning, StatePassed, StateTeardown, StateDone}, tl.get())
}

func TestRunRetries(t *testing.T) {
	tests := []struct {
		name         string
		retries      uint
		failures     int
		wantStatus   types.TestStatus
		wantAttempts uint
	}{
		{"passes first time", 3, 0, types.TestStatusPassed, 1},
		{"passes on last retry", 2, 2, types.TestStatusPassed, 3},
		{"exhausts retries", 2, 100, types.TestStatusFailed, 3},
		{"no retries", 0, 1, types.TestStatusFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(t, 0, nil)
			var calls atomic.Int32
			td := &types.TestDescriptor{Name: "t", Suite: "s", Retries: tt.retries, Body: failTimes(tt.failures, &calls)}

			out := r.Run(context.Background(), invocation(td))
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Equal(t, int32(tt.wantAttempts), calls.Load())
		})
	}
}

func TestRunRetryTransitions(t *testing.T) {
	tl := &transitionLog{}
	r := newTestRunner(t, 0, tl.observe)
	var calls atomic.Int32
	td := &types.TestDescriptor{Name: "t", Suite: "s", Retries: 1, Body: failTimes(1, &calls)}

	out := r.Run(context.Background(), invocation(td))
	require.Equal(t, types.TestStatusPassed, out.Status)
	assert.Equal(t, []State{
		StateSetup, StateRunning, StateFailed, StateRetrying, StateRunning, StatePassed, StateTeardown, StateDone,
	}, tl.get())
}

func TestRunTimeout(t *testing.T) {
	var afterEach atomic.Int32
	block := make(chan struct{})
	defer close(block)

	r := newTestRunner(t, time.Hour, nil)
	td := &types.TestDescriptor{
		Name:    "hang",
		Suite:   "s",
		Timeout: 20 * time.Millisecond,
		Body: func(context.Context, types.Fixtures) error {
			<-block // ignores its context entirely
			return nil
		},
	}
	inv := invocation(td)
	inv.AfterEach = []*types.HookDescriptor{countingHook(types.HookAfterEach, &afterEach, nil)}

	out := r.Run(context.Background(), inv)
	assert.Equal(t, types.TestStatusTimedOut, out.Status)
	assert.Equal(t, uint(1), out.Attempts)
	assert.Contains(t, out.Reason, "timeout of 20ms")
	assert.Equal(t, int32(1), afterEach.Load())
}

func TestRunDefaultTimeoutAndContextAwareBody(t *testing.T) {
	r := newTestRunner(t, 20*time.Millisecond, nil)
	td := &types.TestDescriptor{
		Name:  "slow",
		Suite: "s",
		Body: func(ctx context.Context, _ types.Fixtures) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}

	out := r.Run(context.Background(), invocation(td))
	assert.Equal(t, types.TestStatusTimedOut, out.Status)
}

func TestRunTimeoutThenPass(t *testing.T) {
	var calls atomic.Int32
	r := newTestRunner(t, 0, nil)
	td := &types.TestDescriptor{
		Name:    "eventually",
		Suite:   "s",
		Retries: 1,
		Timeout: 20 * time.Millisecond,
		Body: func(ctx context.Context, _ types.Fixtures) error {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}

	out := r.Run(context.Background(), invocation(td))
	assert.Equal(t, types.TestStatusPassed, out.Status)
	assert.Equal(t, uint(2), out.Attempts)
}

func TestRunBeforeEachFailure(t *testing.T) {
	var first, second, afterEach, body atomic.Int32
	tl := &transitionLog{}
	r := newTestRunner(t, 0, tl.observe)
	td := &types.TestDescriptor{Name: "t", Suite: "s", Retries: 3, Body: func(context.Context, types.Fixtures) error {
		body.Add(1)
		return nil
	}}
	inv := invocation(td)
	inv.BeforeEach = []*types.HookDescriptor{
		countingHook(types.HookBeforeEach, &first, errors.New("no database")),
		countingHook(types.HookBeforeEach, &second, nil),
	}
	inv.AfterEach = []*types.HookDescriptor{countingHook(types.HookAfterEach, &afterEach, nil)}

	out := r.Run(context.Background(), inv)
	assert.Equal(t, types.TestStatusSetupFailed, out.Status)
	assert.Contains(t, out.Reason, "no database")
	assert.Zero(t, out.Attempts, "hook failures do not consume attempts")
	assert.Zero(t, body.Load())
	assert.Equal(t, int32(1), first.Load())
	assert.Zero(t, second.Load(), "before_each stops at the first failure")
	assert.Equal(t, int32(1), afterEach.Load())
	assert.Equal(t, []State{StateSetup, StateTeardown, StateDone}, tl.get())
}

func TestRunAfterEachFailure(t *testing.T) {
	tests := []struct {
		name       string
		body       types.TestFunc
		wantStatus types.TestStatus
	}{
		{
			name:       "passed test becomes teardown failed",
			body:       func(context.Context, types.Fixtures) error { return nil },
			wantStatus: types.TestStatusTeardownFailed,
		},
		{
			name:       "failed test stays failed",
			body:       func(context.Context, types.Fixtures) error { return errors.New("assertion") },
			wantStatus: types.TestStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a, b atomic.Int32
			r := newTestRunner(t, 0, nil)
			inv := invocation(&types.TestDescriptor{Name: "t", Suite: "s", Retries: 1, Body: tt.body})
			inv.AfterEach = []*types.HookDescriptor{
				countingHook(types.HookAfterEach, &a, errors.New("cleanup broke")),
				countingHook(types.HookAfterEach, &b, nil),
			}

			out := r.Run(context.Background(), inv)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Contains(t, out.Reason, "cleanup broke")
			assert.Equal(t, int32(1), a.Load(), "after_each runs once, not per attempt")
			assert.Equal(t, int32(1), b.Load(), "after_each hooks all run")
		})
	}
}

func TestRunFixtureSetupFailure(t *testing.T) {
	var body, afterEach atomic.Int32
	r := newTestRunner(t, 0, nil, &types.FixtureDescriptor{
		Name:  "db",
		Scope: types.ScopeTest,
		Setup: func(context.Context, types.Fixtures) (any, error) {
			return nil, errors.New("refused")
		},
	})
	inv := invocation(&types.TestDescriptor{Name: "t", Suite: "s", Retries: 2, Body: func(context.Context, types.Fixtures) error {
		body.Add(1)
		return nil
	}}, "db")
	inv.AfterEach = []*types.HookDescriptor{countingHook(types.HookAfterEach, &afterEach, nil)}

	out := r.Run(context.Background(), inv)
	assert.Equal(t, types.TestStatusSetupFailed, out.Status)
	assert.Contains(t, out.Reason, "refused")
	assert.Zero(t, out.Attempts)
	assert.Zero(t, body.Load())
	assert.Equal(t, int32(1), afterEach.Load())
}

func TestRunFreshFixturePerAttempt(t *testing.T) {
	var setups, teardowns atomic.Int32
	var seen []int32
	var mu sync.Mutex
	r := newTestRunner(t, 0, nil, &types.FixtureDescriptor{
		Name:  "counter",
		Scope: types.ScopeTest,
		Setup: func(context.Context, types.Fixtures) (any, error) {
			return setups.Add(1), nil
		},
		Teardown: func(context.Context, any) error {
			teardowns.Add(1)
			return nil
		},
	})
	td := &types.TestDescriptor{Name: "t", Suite: "s", Retries: 2, Body: func(_ context.Context, fx types.Fixtures) error {
		v, err := types.Fixture[int32](fx, "counter")
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		return errors.New("always")
	}}

	out := r.Run(context.Background(), invocation(td, "counter"))
	assert.Equal(t, types.TestStatusFailed, out.Status)
	assert.Equal(t, uint(3), out.Attempts)
	assert.Equal(t, []int32{1, 2, 3}, seen)
	assert.Equal(t, int32(3), teardowns.Load(), "every attempt's scope is released")
}

func TestRunFixtureTeardownFailure(t *testing.T) {
	r := newTestRunner(t, 0, nil, &types.FixtureDescriptor{
		Name:     "leaky",
		Scope:    types.ScopeTest,
		Setup:    func(context.Context, types.Fixtures) (any, error) { return 1, nil },
		Teardown: func(context.Context, any) error { return errors.New("leaked handle") },
	})
	td := &types.TestDescriptor{Name: "t", Suite: "s", Body: func(context.Context, types.Fixtures) error { return nil }}

	out := r.Run(context.Background(), invocation(td, "leaky"))
	assert.Equal(t, types.TestStatusTeardownFailed, out.Status)
	assert.Contains(t, out.Reason, "leaked handle")
}

func TestRunPanickingBody(t *testing.T) {
	r := newTestRunner(t, 0, nil)
	td := &types.TestDescriptor{Name: "t", Suite: "s", Body: func(context.Context, types.Fixtures) error {
		panic("index out of range")
	}}

	out := r.Run(context.Background(), invocation(td))
	assert.Equal(t, types.TestStatusFailed, out.Status)
	assert.Equal(t, "panic: index out of range", out.Reason)
}

func TestRunAbort(t *testing.T) {
	var afterEach atomic.Int32
	started := make(chan struct{})
	r := newTestRunner(t, 0, nil)
	td := &types.TestDescriptor{Name: "t", Suite: "s", Retries: 5, Body: func(ctx context.Context, _ types.Fixtures) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	inv := invocation(td)
	inv.AfterEach = []*types.HookDescriptor{{Kind: types.HookAfterEach, Suite: "s", Func: func(ctx context.Context) error {
		if ctx.Err() != nil {
			return errors.New("after_each got a cancelled context")
		}
		afterEach.Add(1)
		return nil
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	out := r.Run(ctx, inv)
	assert.Equal(t, types.TestStatusSkipped, out.Status)
	assert.Equal(t, ReasonRunAborted, out.Reason)
	assert.Equal(t, uint(1), out.Attempts, "aborted tests are not retried")
	assert.Equal(t, int32(1), afterEach.Load())
}

func TestRunStripsEscapeCodes(t *testing.T) {
	r := newTestRunner(t, 0, nil)
	td := &types.TestDescriptor{Name: "t", Suite: "s", Body: func(context.Context, types.Fixtures) error {
		return errors.New("\x1b[31mexpected 1\x1b[0m\n\tgot   2")
	}}

	out := r.Run(context.Background(), invocation(td))
	assert.Equal(t, "expected 1 got 2", out.Reason)
}

func TestIllegalTransitionPanics(t *testing.T) {
	m := newMachine("s::t", nil)
	assert.Panics(t, func() { m.to(StateDone) })
	m.to(StateSetup)
	assert.NotPanics(t, func() { m.to(StateTeardown) })
	assert.Equal(t, "teardown", m.state.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestRetryProperties(t *testing.T) {
	r := newTestRunner(t, 0, nil)
	rapid.Check(t, func(rt *rapid.T) {
		retries := rapid.UintRange(0, 5).Draw(rt, "retries")
		failures := rapid.IntRange(0, 8).Draw(rt, "failures")

		var calls atomic.Int32
		td := &types.TestDescriptor{Name: "p", Suite: "s", Retries: retries, Body: failTimes(failures, &calls)}
		out := r.Run(context.Background(), invocation(td))

		if uint(failures) <= retries {
			if out.Status != types.TestStatusPassed || out.Attempts != uint(failures)+1 {
				rt.Fatalf("retries=%d failures=%d: got %s after %d attempts", retries, failures, out.Status, out.Attempts)
			}
		} else if out.Status != types.TestStatusFailed || out.Attempts != retries+1 {
			rt.Fatalf("retries=%d failures=%d: got %s after %d attempts", retries, failures, out.Status, out.Attempts)
		}
		if int32(out.Attempts) != calls.Load() {
			rt.Fatalf("attempt count %d does not match body calls %d", out.Attempts, calls.Load())
		}
	})
}
