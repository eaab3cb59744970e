// Package reporting renders a run summary as a suite/test tree, for the
// console table and for the text and HTML reports in each run directory.
package reporting

import (
	"time"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// RunTree is a run summary grouped by suite.
type RunTree struct {
	RunID    string
	Passed   bool
	Verdict  string
	Total    int
	Retried  int
	Duration time.Duration
	Counts   []StatusCount
	Suites   []*SuiteNode
}

// StatusCount is the number of outcomes with one status.
type StatusCount struct {
	Status types.TestStatus
	Count  int
}

// SuiteNode holds a suite's lifecycle report and its test outcomes in plan order.
type SuiteNode struct {
	Name    string
	Report  types.SuiteReport
	Tests   []types.TestOutcome
	Passed  int
	Failed  int
	Skipped int
}

// BuildRunTree groups outcomes under their suites. Suites appear in the
// order of their first outcome; suites with a report but no outcomes are
// appended last.
func BuildRunTree(summary *types.RunSummary) *RunTree {
	tree := &RunTree{
		RunID:    summary.RunID,
		Passed:   summary.Passed,
		Verdict:  summary.Verdict(),
		Total:    summary.Total,
		Retried:  summary.Retried,
		Duration: summary.Duration,
	}
	for _, status := range types.AllStatuses {
		if n := summary.Count(status); n > 0 {
			tree.Counts = append(tree.Counts, StatusCount{Status: status, Count: n})
		}
	}

	bySuite := make(map[string]*SuiteNode)
	node := func(name string) *SuiteNode {
		n, ok := bySuite[name]
		if !ok {
			n = &SuiteNode{Name: name}
			bySuite[name] = n
			tree.Suites = append(tree.Suites, n)
		}
		return n
	}
	for _, o := range summary.Outcomes {
		n := node(o.Suite)
		n.Tests = append(n.Tests, o)
		switch {
		case o.Status == types.TestStatusPassed:
			n.Passed++
		case o.Status == types.TestStatusSkipped:
			n.Skipped++
		case o.Status.FailsRun():
			n.Failed++
		}
	}
	for _, r := range summary.Suites {
		node(r.Suite).Report = r
	}
	return tree
}

// Elapsed is the suite's wall time from before_all to the end of after_all.
func (n *SuiteNode) Elapsed() time.Duration {
	return n.Report.Elapsed
}

// Status summarises the suite as a single test status.
func (n *SuiteNode) Status() types.TestStatus {
	switch {
	case n.Failed > 0 || n.Report.SetupError != "":
		return types.TestStatusFailed
	case n.Report.Failed():
		return types.TestStatusTeardownFailed
	case n.Passed == 0 && n.Skipped > 0:
		return types.TestStatusSkipped
	default:
		return types.TestStatusPassed
	}
}

// Reason describes the first suite-level lifecycle failure, if any.
func (n *SuiteNode) Reason() string {
	switch {
	case n.Report.SetupError != "":
		return "before_all: " + n.Report.SetupError
	case n.Report.HookError != "":
		return "after_all: " + n.Report.HookError
	case n.Report.Teardown != "":
		return "teardown: " + n.Report.Teardown
	}
	return ""
}
