package types

import "time"

// FilterConfig holds the run-time options that select and bound a run.
type FilterConfig struct {
	TagsInclude []string `json:"tagsInclude,omitempty"`
	TagsExclude []string `json:"tagsExclude,omitempty"`
	// NamePattern is a regular expression matched against "suite::test".
	NamePattern string `json:"namePattern,omitempty"`
	// WorkerCount of zero picks a value from the CPU count.
	WorkerCount uint `json:"workerCount"`
	// DefaultTimeout bounds attempts of tests without their own timeout. Zero means unbounded.
	DefaultTimeout time.Duration `json:"defaultTimeout"`
	// IncludeIgnored runs ignored tests instead of skipping them.
	IncludeIgnored bool `json:"includeIgnored"`
	// FailFast skips tests not yet started once any test fails the run.
	FailFast bool `json:"failFast"`
}

// PlanEntry is one (suite, test) pair selected for a run.
type PlanEntry struct {
	Index int
	Suite *SuiteDescriptor
	Test  *TestDescriptor
	// Group names the concurrency group the entry belongs to.
	Group string
	// Fixtures lists the suite and test fixture names requested by the test.
	Fixtures []string
	// SkipReason is set for entries reported as skipped without running.
	SkipReason string
}

// Runnable reports whether the entry will be executed.
func (e PlanEntry) Runnable() bool {
	return e.SkipReason == ""
}

// ConcurrencyGroup describes the tests of one suite scheduled in a run.
type ConcurrencyGroup struct {
	Suite string
	// Limit is the number of the group's tests that may run at once; zero means unbounded.
	Limit int
	// Runnable counts the group's entries that will execute.
	Runnable int
}

// ExecutionPlan is the ordered set of entries selected for a single run.
type ExecutionPlan struct {
	Entries        []PlanEntry
	Groups         map[string]ConcurrencyGroup
	OnlyMode       bool
	WorkerCount    int
	DefaultTimeout time.Duration
	FailFast       bool
}

// Runnable returns the number of entries that will execute.
func (p *ExecutionPlan) Runnable() int {
	n := 0
	for _, e := range p.Entries {
		if e.Runnable() {
			n++
		}
	}
	return n
}

// Event is a single item of the result stream. Exactly one field is set.
type Event struct {
	Outcome *TestOutcome
	Suite   *SuiteReport
}
