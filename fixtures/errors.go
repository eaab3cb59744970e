package fixtures

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFixtureCycle   = errors.New("fixture dependency cycle")
	ErrUnknownFixture = errors.New("unknown fixture")
	ErrCacheReleased  = errors.New("suite fixture cache released")
)

// FixtureCycleError reports a cycle in the fixture dependency graph. Cycle
// starts and ends with the same fixture name.
type FixtureCycleError struct {
	Cycle []string
}

func (e *FixtureCycleError) Error() string {
	return fmt.Sprintf("fixture dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

func (e *FixtureCycleError) Is(target error) bool {
	return target == ErrFixtureCycle
}

// UnknownFixtureError reports a reference to a fixture that was never registered.
// Fixture is empty when the reference comes from a test or suite.
type UnknownFixtureError struct {
	Fixture string
	Missing string
}

func (e *UnknownFixtureError) Error() string {
	if e.Fixture == "" {
		return fmt.Sprintf("unknown fixture %q", e.Missing)
	}
	return fmt.Sprintf("fixture %q requires unknown fixture %q", e.Fixture, e.Missing)
}

func (e *UnknownFixtureError) Is(target error) bool {
	return target == ErrUnknownFixture
}

// ScopeMismatchError reports a suite-scoped fixture depending on a
// test-scoped one, which would outlive its dependency.
type ScopeMismatchError struct {
	Fixture    string
	Dependency string
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("suite-scoped fixture %q cannot require test-scoped fixture %q", e.Fixture, e.Dependency)
}
