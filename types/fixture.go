package types

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// FixtureScope controls how long a fixture instance lives
type FixtureScope string

const (
	// ScopeSuite fixtures are created once per suite run and shared by its tests.
	ScopeSuite FixtureScope = "suite"
	// ScopeTest fixtures are created fresh for every test attempt.
	ScopeTest FixtureScope = "test"
)

func (s FixtureScope) Valid() bool {
	return s == ScopeSuite || s == ScopeTest
}

// ProducerFunc builds a fixture value. deps holds every fixture named in Requires.
type ProducerFunc func(ctx context.Context, deps Fixtures) (any, error)

// TeardownFunc releases a value previously returned by the producer.
type TeardownFunc func(ctx context.Context, value any) error

// FixtureDescriptor describes a named fixture and its dependencies.
type FixtureDescriptor struct {
	Name     string
	Scope    FixtureScope
	Requires []string
	Setup    ProducerFunc
	Teardown TeardownFunc // optional
}

// Fixtures is a read-only view of resolved fixture values handed to tests and producers.
type Fixtures struct {
	values map[string]any
}

// NewFixtures copies values into a new Fixtures view.
func NewFixtures(values map[string]any) Fixtures {
	return Fixtures{values: maps.Clone(values)}
}

// Get returns the named fixture value.
func (f Fixtures) Get(name string) (any, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Names returns the sorted names of the available fixtures.
func (f Fixtures) Names() []string {
	return slices.Sorted(maps.Keys(f.values))
}

func (f Fixtures) Len() int {
	return len(f.values)
}

// Fixture returns the named fixture value converted to T.
func Fixture[T any](f Fixtures, name string) (T, error) {
	var zero T
	v, ok := f.values[name]
	if !ok {
		return zero, fmt.Errorf("fixture %q not resolved", name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("fixture %q has type %T, want %T", name, v, zero)
	}
	return typed, nil
}
