package types

import (
	"fmt"
	"strings"
	"time"
)

// RunSummary aggregates every outcome of a run.
type RunSummary struct {
	RunID    string             `json:"runId"`
	Counts   map[TestStatus]int `json:"counts"`
	Total    int                `json:"total"`
	Retried  int                `json:"retried"`
	Outcomes []TestOutcome      `json:"outcomes"`
	Suites   []SuiteReport      `json:"suites,omitempty"`
	Passed   bool               `json:"passed"`
	Duration time.Duration      `json:"duration"`
}

// Count returns the number of outcomes with the given status.
func (s *RunSummary) Count(status TestStatus) int {
	return s.Counts[status]
}

// Failures returns the outcomes that failed the run.
func (s *RunSummary) Failures() []TestOutcome {
	var out []TestOutcome
	for _, o := range s.Outcomes {
		if o.Status.FailsRun() {
			out = append(out, o)
		}
	}
	return out
}

// Verdict returns "pass" or "fail".
func (s *RunSummary) Verdict() string {
	if s.Passed {
		return "pass"
	}
	return "fail"
}

func (s *RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s (%d tests in %s)", s.RunID, strings.ToUpper(s.Verdict()), s.Total, s.Duration.Round(time.Millisecond))
	for _, status := range AllStatuses {
		if n := s.Counts[status]; n > 0 {
			fmt.Fprintf(&b, ", %s=%d", status, n)
		}
	}
	return b.String()
}
