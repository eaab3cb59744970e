package types

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// TestStatus represents the final state of a single test invocation
type TestStatus string

const (
	TestStatusPassed         TestStatus = "passed"
	TestStatusFailed         TestStatus = "failed"
	TestStatusSkipped        TestStatus = "skipped"
	TestStatusTimedOut       TestStatus = "timed_out"
	TestStatusSetupFailed    TestStatus = "setup_failed"
	TestStatusTeardownFailed TestStatus = "teardown_failed"
)

// AllStatuses lists every status in reporting order.
var AllStatuses = []TestStatus{
	TestStatusPassed,
	TestStatusFailed,
	TestStatusTimedOut,
	TestStatusSetupFailed,
	TestStatusTeardownFailed,
	TestStatusSkipped,
}

// FailsRun reports whether a test ending in this status fails the whole run.
// Skipped and TeardownFailed never do.
func (s TestStatus) FailsRun() bool {
	switch s {
	case TestStatusFailed, TestStatusTimedOut, TestStatusSetupFailed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s TestStatus) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// TestFunc is the body of a test. Returning a non-nil error fails the attempt.
// The context is cancelled when the attempt times out or the run is aborted.
type TestFunc func(ctx context.Context, fx Fixtures) error

// TestDescriptor describes a single registered test. It is immutable once registered.
type TestDescriptor struct {
	Name     string
	Suite    string
	Ignored  bool
	Only     bool
	Retries  uint
	Timeout  time.Duration // zero means use the run default
	Tags     []string
	Fixtures []string // fixture names in addition to the suite's
	Body     TestFunc
}

// ID returns the fully qualified "suite::test" identifier.
func (t *TestDescriptor) ID() string {
	return TestID(t.Suite, t.Name)
}

// MaxAttempts is the number of times the body may be invoked.
func (t *TestDescriptor) MaxAttempts() uint {
	return t.Retries + 1
}

// TestID joins a suite and test name into the identifier used for filtering and reporting.
func TestID(suite, test string) string {
	return fmt.Sprintf("%s::%s", suite, test)
}

// TestOutcome is the single result produced for every planned test
type TestOutcome struct {
	Suite    string        `json:"suite"`
	Test     string        `json:"test"`
	Status   TestStatus    `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts uint          `json:"attempts"`

	// Index is the position of the test in the execution plan.
	Index int `json:"index"`
}

// ID returns the fully qualified "suite::test" identifier.
func (o TestOutcome) ID() string {
	return TestID(o.Suite, o.Test)
}

// Retried reports whether the body ran more than once.
func (o TestOutcome) Retried() bool {
	return o.Attempts > 1
}

func (o TestOutcome) String() string {
	s := fmt.Sprintf("%s: %s", o.ID(), o.Status)
	if o.Retried() {
		s += fmt.Sprintf(" after %d attempts", o.Attempts)
	}
	if o.Reason != "" {
		s += fmt.Sprintf(" (%s)", o.Reason)
	}
	return s
}
