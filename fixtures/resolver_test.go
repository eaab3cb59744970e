package fixtures

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// recorder tracks producer and teardown calls across fixtures.
type recorder struct {
	mu        sync.Mutex
	setups    map[string]int
	teardowns []string
}

func newRecorder() *recorder {
	return &recorder{setups: make(map[string]int)}
}

func (r *recorder) fixture(name string, scope types.FixtureScope, requires ...string) *types.FixtureDescriptor {
	return &types.FixtureDescriptor{
		Name:     name,
		Scope:    scope,
		Requires: requires,
		Setup: func(_ context.Context, deps types.Fixtures) (any, error) {
			r.mu.Lock()
			r.setups[name]++
			r.mu.Unlock()
			return fmt.Sprintf("%s%v", name, deps.Names()), nil
		},
		Teardown: func(context.Context, any) error {
			r.mu.Lock()
			r.teardowns = append(r.teardowns, name)
			r.mu.Unlock()
			return nil
		},
	}
}

func (r *recorder) setupCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setups[name]
}

func newTestResolver(t *testing.T, defs ...*types.FixtureDescriptor) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{Log: log.NewLogger(log.DiscardHandler()), Fixtures: defs})
	require.NoError(t, err)
	return r
}

func TestNewResolverValidation(t *testing.T) {
	rec := newRecorder()
	tests := []struct {
		name    string
		defs    []*types.FixtureDescriptor
		check   func(t *testing.T, err error)
		wantErr bool
	}{
		{
			name: "two-node cycle",
			defs: []*types.FixtureDescriptor{
				rec.fixture("a", types.ScopeTest, "b"),
				rec.fixture("b", types.ScopeTest, "a"),
			},
			wantErr: true,
			check: func(t *testing.T, err error) {
				var cycleErr *FixtureCycleError
				require.True(t, errors.As(err, &cycleErr))
				assert.Equal(t, []string{"a", "b", "a"}, cycleErr.Cycle)
				assert.ErrorIs(t, err, ErrFixtureCycle)
				assert.Contains(t, err.Error(), "a -> b -> a")
			},
		},
		{
			name: "self cycle",
			defs: []*types.FixtureDescriptor{
				rec.fixture("a", types.ScopeSuite, "a"),
			},
			wantErr: true,
			check: func(t *testing.T, err error) {
				var cycleErr *FixtureCycleError
				require.True(t, errors.As(err, &cycleErr))
				assert.Equal(t, []string{"a", "a"}, cycleErr.Cycle)
			},
		},
		{
			name: "cycle behind an acyclic prefix",
			defs: []*types.FixtureDescriptor{
				rec.fixture("root", types.ScopeTest, "x"),
				rec.fixture("x", types.ScopeTest, "y"),
				rec.fixture("y", types.ScopeTest, "z"),
				rec.fixture("z", types.ScopeTest, "x"),
			},
			wantErr: true,
			check: func(t *testing.T, err error) {
				var cycleErr *FixtureCycleError
				require.True(t, errors.As(err, &cycleErr))
				assert.Equal(t, []string{"x", "y", "z", "x"}, cycleErr.Cycle)
			},
		},
		{
			name: "unknown requirement",
			defs: []*types.FixtureDescriptor{
				rec.fixture("a", types.ScopeTest, "ghost"),
			},
			wantErr: true,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnknownFixture)
				assert.Contains(t, err.Error(), `fixture "a" requires unknown fixture "ghost"`)
			},
		},
		{
			name: "suite fixture requiring test fixture",
			defs: []*types.FixtureDescriptor{
				rec.fixture("conn", types.ScopeSuite, "tx"),
				rec.fixture("tx", types.ScopeTest),
			},
			wantErr: true,
			check: func(t *testing.T, err error) {
				var scopeErr *ScopeMismatchError
				require.True(t, errors.As(err, &scopeErr))
				assert.Equal(t, "conn", scopeErr.Fixture)
			},
		},
		{
			name: "diamond",
			defs: []*types.FixtureDescriptor{
				rec.fixture("top", types.ScopeTest, "left", "right"),
				rec.fixture("left", types.ScopeTest, "base"),
				rec.fixture("right", types.ScopeSuite, "base"),
				rec.fixture("base", types.ScopeSuite),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(Config{Log: log.NewLogger(log.DiscardHandler()), Fixtures: tt.defs})
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestClosureOrder(t *testing.T) {
	rec := newRecorder()
	r := newTestResolver(t,
		rec.fixture("top", types.ScopeTest, "left", "right"),
		rec.fixture("left", types.ScopeTest, "base"),
		rec.fixture("right", types.ScopeSuite, "base"),
		rec.fixture("base", types.ScopeSuite),
		rec.fixture("unused", types.ScopeTest),
	)

	order, err := r.Closure([]string{"top"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "left", "right", "top"}, order)

	order, err = r.Closure([]string{"right", "left"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "right", "left"}, order)

	_, err = r.Closure([]string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownFixture)
}

func TestResolveThreadsDependencies(t *testing.T) {
	rec := newRecorder()
	r := newTestResolver(t,
		rec.fixture("base", types.ScopeSuite),
		rec.fixture("tx", types.ScopeTest, "base"),
	)
	cache := r.NewSuiteCache(context.Background(), "s")

	scope, err := r.Resolve(context.Background(), cache, []string{"tx"})
	require.NoError(t, err)
	fx := scope.Fixtures()
	assert.Equal(t, []string{"base", "tx"}, fx.Names())
	v, _ := fx.Get("tx")
	assert.Equal(t, "tx[base]", v)

	require.NoError(t, scope.Release(context.Background()))
	require.NoError(t, scope.Release(context.Background()))
	assert.Equal(t, []string{"tx"}, rec.teardowns, "only test-scoped fixtures are released by the scope, once")

	require.NoError(t, cache.Release(context.Background()))
	assert.Equal(t, []string{"tx", "base"}, rec.teardowns)
}

func TestScopeReleaseReverseOrder(t *testing.T) {
	rec := newRecorder()
	r := newTestResolver(t,
		rec.fixture("a", types.ScopeTest),
		rec.fixture("b", types.ScopeTest, "a"),
		rec.fixture("c", types.ScopeTest, "b"),
	)

	scope, err := r.Resolve(context.Background(), nil, []string{"c"})
	require.NoError(t, err)
	require.NoError(t, scope.Release(context.Background()))
	assert.Equal(t, []string{"c", "b", "a"}, rec.teardowns)
}

func TestResolveFailureReleasesCreated(t *testing.T) {
	rec := newRecorder()
	failing := &types.FixtureDescriptor{
		Name:     "broken",
		Scope:    types.ScopeTest,
		Requires: []string{"a"},
		Setup: func(context.Context, types.Fixtures) (any, error) {
			return nil, errors.New("cannot connect")
		},
	}
	r := newTestResolver(t, rec.fixture("a", types.ScopeTest), failing)

	scope, err := r.Resolve(context.Background(), nil, []string{"broken"})
	require.Error(t, err)
	assert.Nil(t, scope)
	assert.Contains(t, err.Error(), `fixture "broken": cannot connect`)
	assert.Equal(t, []string{"a"}, rec.teardowns)
}

func TestResolvePanickingProducer(t *testing.T) {
	r := newTestResolver(t, &types.FixtureDescriptor{
		Name:  "p",
		Scope: types.ScopeTest,
		Setup: func(context.Context, types.Fixtures) (any, error) {
			panic("kaboom")
		},
	})

	_, err := r.Resolve(context.Background(), nil, []string{"p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup panicked: kaboom")
}

func TestSuiteCacheSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	var teardowns atomic.Int32
	r := newTestResolver(t, &types.FixtureDescriptor{
		Name:  "shared",
		Scope: types.ScopeSuite,
		Setup: func(context.Context, types.Fixtures) (any, error) {
			calls.Add(1)
			<-release
			return "value", nil
		},
		Teardown: func(context.Context, any) error {
			teardowns.Add(1)
			return nil
		},
	})
	cache := r.NewSuiteCache(context.Background(), "s")

	const workers = 10
	var wg sync.WaitGroup
	results := make([]any, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope, err := r.Resolve(context.Background(), cache, []string{"shared"})
			errs[i] = err
			if err == nil {
				results[i], _ = scope.Fixtures().Get("shared")
			}
		}(i)
	}

	// Give every goroutine a chance to block on the in-flight producer.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "value", results[i])
	}
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, cache.Release(context.Background()))
	require.NoError(t, cache.Release(context.Background()))
	assert.Equal(t, int32(1), teardowns.Load())

	_, err := cache.Get(context.Background(), "shared")
	assert.ErrorIs(t, err, ErrCacheReleased)
}

func TestSuiteCacheCachesErrors(t *testing.T) {
	var calls atomic.Int32
	r := newTestResolver(t, &types.FixtureDescriptor{
		Name:  "flaky",
		Scope: types.ScopeSuite,
		Setup: func(context.Context, types.Fixtures) (any, error) {
			calls.Add(1)
			return nil, errors.New("down")
		},
	})
	cache := r.NewSuiteCache(context.Background(), "s")

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), cache, []string{"flaky"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "down")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSuiteCacheReleaseOrderAndErrors(t *testing.T) {
	rec := newRecorder()
	bad := rec.fixture("bad", types.ScopeSuite, "base")
	bad.Teardown = func(context.Context, any) error { return errors.New("leak") }
	r := newTestResolver(t, rec.fixture("base", types.ScopeSuite), bad, rec.fixture("top", types.ScopeSuite, "bad"))
	cache := r.NewSuiteCache(context.Background(), "s")

	_, err := r.Resolve(context.Background(), cache, []string{"top"})
	require.NoError(t, err)

	err = cache.Release(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `fixture "bad" teardown: leak`)
	assert.Equal(t, []string{"top", "base"}, rec.teardowns, "every teardown runs even after one fails")
	assert.Equal(t, 1, rec.setupCount("base"))
}

func TestSuiteCacheWaiterCancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := newTestResolver(t, &types.FixtureDescriptor{
		Name:  "slow",
		Scope: types.ScopeSuite,
		Setup: func(context.Context, types.Fixtures) (any, error) {
			<-block
			return 1, nil
		},
	})
	cache := r.NewSuiteCache(context.Background(), "s")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Get(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSuiteCacheTearsDownFixtureProducedAfterRelease(t *testing.T) {
	var setups, teardowns atomic.Int32
	started, block := make(chan struct{}), make(chan struct{})
	r := newTestResolver(t, &types.FixtureDescriptor{
		Name:  "slow",
		Scope: types.ScopeSuite,
		Setup: func(context.Context, types.Fixtures) (any, error) {
			close(started)
			<-block
			setups.Add(1)
			return 1, nil
		},
		Teardown: func(context.Context, any) error {
			teardowns.Add(1)
			return nil
		},
	})
	cacheCtx, abort := context.WithCancel(context.Background())
	cache := r.NewSuiteCache(cacheCtx, "s")

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "slow")
		errs <- err
	}()
	<-started
	cancel()
	abort()
	require.ErrorIs(t, <-errs, context.Canceled)

	require.NoError(t, cache.Release(context.Background()))
	close(block)

	require.Eventually(t, func() bool { return teardowns.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), setups.Load())

	_, err := cache.Get(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrCacheReleased)
}
