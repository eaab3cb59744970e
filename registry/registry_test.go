package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum-optimism/infra/op-harness/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return New(Config{Log: log.NewLogger(log.DiscardHandler())})
}

func noopTest(context.Context, types.Fixtures) error { return nil }

func noopHook(context.Context) error { return nil }

func noopSetup(context.Context, types.Fixtures) (any, error) { return struct{}{}, nil }

func TestRegisterDuplicates(t *testing.T) {
	tests := []struct {
		name      string
		first     any
		second    any
		namespace string
	}{
		{
			name:      "suite",
			first:     &types.SuiteDescriptor{Name: "s"},
			second:    &types.SuiteDescriptor{Name: "s"},
			namespace: "suite",
		},
		{
			name:      "test within suite",
			first:     &types.TestDescriptor{Name: "t", Suite: "base", Body: noopTest},
			second:    &types.TestDescriptor{Name: "t", Suite: "base", Body: noopTest},
			namespace: "test",
		},
		{
			name:      "fixture",
			first:     &types.FixtureDescriptor{Name: "f", Scope: types.ScopeTest, Setup: noopSetup},
			second:    &types.FixtureDescriptor{Name: "f", Scope: types.ScopeSuite, Setup: noopSetup},
			namespace: "fixture",
		},
		{
			name:      "named hook",
			first:     &types.HookDescriptor{Kind: types.HookBeforeAll, Suite: "base", Name: "h", Func: noopHook},
			second:    &types.HookDescriptor{Kind: types.HookBeforeAll, Suite: "base", Name: "h", Func: noopHook},
			namespace: `before_all hook in suite "base"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "base"}))
			require.NoError(t, r.Register(tt.first))

			err := r.Register(tt.second)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDuplicateName)

			var dupErr *DuplicateNameError
			require.True(t, errors.As(err, &dupErr))
			assert.Equal(t, tt.namespace, dupErr.Namespace)
		})
	}
}

func TestSameNameDifferentNamespaces(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "a"}))
	require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "b"}))
	require.NoError(t, r.Register(&types.TestDescriptor{Name: "x", Suite: "a", Body: noopTest}))
	require.NoError(t, r.Register(&types.TestDescriptor{Name: "x", Suite: "b", Body: noopTest}))
	require.NoError(t, r.Register(&types.FixtureDescriptor{Name: "x", Scope: types.ScopeTest, Setup: noopSetup}))
	require.NoError(t, r.Register(&types.HookDescriptor{Kind: types.HookBeforeAll, Suite: "a", Name: "x", Func: noopHook}))
	require.NoError(t, r.Register(&types.HookDescriptor{Kind: types.HookAfterAll, Suite: "a", Name: "x", Func: noopHook}))
	// unnamed hooks never collide
	require.NoError(t, r.Register(&types.HookDescriptor{Kind: types.HookBeforeEach, Suite: "a", Func: noopHook}))
	require.NoError(t, r.Register(&types.HookDescriptor{Kind: types.HookBeforeEach, Suite: "a", Func: noopHook}))

	assert.Len(t, r.AllTests(), 2)
	assert.Len(t, r.HooksFor("a", types.HookBeforeEach), 2)
}

func TestFreeze(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "s"}))
	assert.False(t, r.Frozen())
	r.Freeze()
	r.Freeze() // idempotent
	assert.True(t, r.Frozen())

	descriptors := []any{
		&types.SuiteDescriptor{Name: "other"},
		&types.TestDescriptor{Name: "t", Suite: "s", Body: noopTest},
		&types.FixtureDescriptor{Name: "f", Scope: types.ScopeTest, Setup: noopSetup},
		&types.HookDescriptor{Kind: types.HookAfterEach, Suite: "s", Func: noopHook},
	}
	for _, d := range descriptors {
		err := r.Register(d)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRegistryFrozen)
		var frozenErr *RegistryFrozenError
		assert.True(t, errors.As(err, &frozenErr))
	}
	assert.Len(t, r.Suites(), 1)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "s"}))

	tests := []struct {
		name    string
		desc    any
		wantErr string
	}{
		{"unsupported type", "suite", "unsupported descriptor type string"},
		{"suite without name", &types.SuiteDescriptor{}, "suite name is required"},
		{"negative max concurrent", &types.SuiteDescriptor{Name: "n", MaxConcurrent: -1}, "cannot be negative"},
		{"test without body", &types.TestDescriptor{Name: "t", Suite: "s"}, "has no body"},
		{"test in unknown suite", &types.TestDescriptor{Name: "t", Suite: "nope", Body: noopTest}, `unknown suite "nope"`},
		{"fixture with bad scope", &types.FixtureDescriptor{Name: "f", Scope: "global", Setup: noopSetup}, "invalid scope"},
		{"fixture without setup", &types.FixtureDescriptor{Name: "f", Scope: types.ScopeTest}, "has no setup"},
		{"hook with bad kind", &types.HookDescriptor{Kind: "around", Suite: "s", Func: noopHook}, "invalid kind"},
		{"hook in unknown suite", &types.HookDescriptor{Kind: types.HookAfterAll, Suite: "nope", Func: noopHook}, `unknown suite "nope"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.desc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAccessorsPreserveRegistrationOrder(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&types.FixtureDescriptor{Name: "db", Scope: types.ScopeSuite, Setup: noopSetup}))
	require.NoError(t, r.Register(&types.FixtureDescriptor{Name: "tx", Scope: types.ScopeTest, Requires: []string{"db"}, Setup: noopSetup}))
	require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "second", Fixtures: []string{"db"}}))
	require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "first"}))
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(&types.TestDescriptor{Name: name, Suite: "second", Body: noopTest}))
	}
	require.NoError(t, r.Register(&types.TestDescriptor{Name: "z", Suite: "first", Body: noopTest}))
	for _, name := range []string{"h2", "h1", "h3"} {
		require.NoError(t, r.Register(&types.HookDescriptor{Kind: types.HookBeforeEach, Suite: "second", Name: name, Func: noopHook}))
	}
	r.Freeze()

	var ids []string
	for _, td := range r.AllTests() {
		ids = append(ids, td.ID())
	}
	assert.Equal(t, []string{"second::c", "second::a", "second::b", "first::z"}, ids)

	var hooks []string
	for _, h := range r.HooksFor("second", types.HookBeforeEach) {
		hooks = append(hooks, h.Name)
	}
	assert.Equal(t, []string{"h2", "h1", "h3"}, hooks)
	assert.Empty(t, r.HooksFor("second", types.HookAfterAll))
	assert.Empty(t, r.HooksFor("unknown", types.HookAfterAll))

	fixtures, err := r.FixturesFor("second")
	require.NoError(t, err)
	require.Len(t, fixtures, 1)
	assert.Equal(t, "db", fixtures[0].Name)

	_, err = r.FixturesFor("missing")
	assert.ErrorIs(t, err, ErrUnknownName)

	s, ok := r.Suite("first")
	require.True(t, ok)
	assert.Equal(t, "first", s.Name)
	assert.Len(t, r.TestsFor("second"), 3)
	assert.Len(t, r.Fixtures(), 2)
	_, ok = r.Fixture("tx")
	assert.True(t, ok)
}

func TestFixturesForUnknownFixture(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(&types.SuiteDescriptor{Name: "s", Fixtures: []string{"ghost"}}))

	_, err := r.FixturesFor("s")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownName)
	assert.Contains(t, err.Error(), `unknown fixture "ghost"`)
}
