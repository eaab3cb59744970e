// Package fixtures resolves fixture dependency graphs and manages fixture
// lifetimes. Suite-scoped fixtures live in a SuiteCache shared by every test
// of a suite; test-scoped fixtures live in a Scope owned by one attempt.
package fixtures

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Resolver holds a validated, acyclic fixture graph.
type Resolver struct {
	log  log.Logger
	defs map[string]*types.FixtureDescriptor
}

// Config contains resolver configuration
type Config struct {
	Log      log.Logger
	Fixtures []*types.FixtureDescriptor
}

// NewResolver validates the fixture graph. It fails when a fixture requires
// an unknown fixture, when a suite-scoped fixture requires a test-scoped one,
// or when the graph contains a cycle.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	r := &Resolver{
		log:  cfg.Log.New("component", "fixture-resolver"),
		defs: make(map[string]*types.FixtureDescriptor, len(cfg.Fixtures)),
	}
	for _, f := range cfg.Fixtures {
		if _, dup := r.defs[f.Name]; dup {
			return nil, fmt.Errorf("fixture %q defined twice", f.Name)
		}
		r.defs[f.Name] = f
	}

	for _, f := range cfg.Fixtures {
		for _, dep := range f.Requires {
			d, ok := r.defs[dep]
			if !ok {
				return nil, &UnknownFixtureError{Fixture: f.Name, Missing: dep}
			}
			if f.Scope == types.ScopeSuite && d.Scope == types.ScopeTest {
				return nil, &ScopeMismatchError{Fixture: f.Name, Dependency: dep}
			}
		}
	}

	if err := r.checkCycles(cfg.Fixtures); err != nil {
		return nil, err
	}
	r.log.Debug("Fixture graph validated", "fixtures", len(r.defs))
	return r, nil
}

type color int

const (
	white color = iota
	gray
	black
)

// checkCycles runs a colored DFS over the whole graph so that cycles are
// reported even among fixtures no test requests.
func (r *Resolver) checkCycles(order []*types.FixtureDescriptor) error {
	colors := make(map[string]color, len(r.defs))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case black:
			return nil
		case gray:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), name)
			return &FixtureCycleError{Cycle: cycle}
		}

		colors[name] = gray
		stack = append(stack, name)
		for _, dep := range r.defs[name].Requires {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		colors[name] = black
		return nil
	}

	for _, f := range order {
		if err := visit(f.Name); err != nil {
			return err
		}
	}
	return nil
}

// Descriptor returns the named fixture.
func (r *Resolver) Descriptor(name string) (*types.FixtureDescriptor, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Closure returns names plus everything they transitively require, ordered
// so every fixture appears after its requirements. The order is stable for
// a given input.
func (r *Resolver) Closure(names []string) ([]string, error) {
	visited := make(map[string]bool)
	var order []string

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range r.defs[name].Requires {
			visit(dep)
		}
		order = append(order, name)
	}

	for _, name := range names {
		if _, ok := r.defs[name]; !ok {
			return nil, &UnknownFixtureError{Missing: name}
		}
		visit(name)
	}
	return order, nil
}

// Resolve instantiates the closure of names. Suite-scoped fixtures come from
// cache; test-scoped fixtures are created fresh and owned by the returned
// Scope. On failure every test-scoped fixture already created is torn down.
func (r *Resolver) Resolve(ctx context.Context, cache *SuiteCache, names []string) (*Scope, error) {
	order, err := r.Closure(names)
	if err != nil {
		return nil, err
	}

	scope := &Scope{log: r.log, values: make(map[string]any, len(order))}
	for _, name := range order {
		def := r.defs[name]
		var value any
		if def.Scope == types.ScopeSuite {
			if cache == nil {
				err = fmt.Errorf("suite-scoped fixture %q requested without a suite cache", name)
			} else {
				value, err = cache.Get(ctx, name)
			}
		} else {
			value, err = produce(ctx, def, scope.values)
			if err == nil {
				metrics.RecordFixtureSetup(name, string(def.Scope))
				scope.created = append(scope.created, created{def: def, value: value})
			}
		}
		if err != nil {
			if relErr := scope.Release(context.WithoutCancel(ctx)); relErr != nil {
				err = errors.Join(err, relErr)
			}
			return nil, fmt.Errorf("fixture %q: %w", name, err)
		}
		scope.values[name] = value
	}
	return scope, nil
}

// produce calls the fixture's producer with its requirements, converting a
// panic into an error.
func produce(ctx context.Context, def *types.FixtureDescriptor, available map[string]any) (value any, err error) {
	deps := make(map[string]any, len(def.Requires))
	for _, name := range def.Requires {
		deps[name] = available[name]
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("setup panicked: %v", rec)
		}
	}()
	return def.Setup(ctx, types.NewFixtures(deps))
}

func teardown(ctx context.Context, def *types.FixtureDescriptor, value any) (err error) {
	if def.Teardown == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("fixture %q teardown panicked: %v", def.Name, rec)
		}
	}()
	if err := def.Teardown(ctx, value); err != nil {
		return fmt.Errorf("fixture %q teardown: %w", def.Name, err)
	}
	return nil
}
