package runner

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Collector aggregates outcomes into a RunSummary. Outcomes may arrive in any
// order and from any goroutine; the summary orders them by plan index.
type Collector struct {
	runID string
	start time.Time

	mu       sync.Mutex
	outcomes []types.TestOutcome
	suites   []types.SuiteReport
}

// NewCollector creates a collector for one run
func NewCollector(runID string) *Collector {
	return &Collector{
		runID: runID,
		start: time.Now(),
	}
}

// Add records a single test outcome
func (c *Collector) Add(outcome types.TestOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

// AddSuite records a suite lifecycle report
func (c *Collector) AddSuite(report types.SuiteReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suites = append(c.suites, report)
}

// AddEvent records whichever item the event carries
func (c *Collector) AddEvent(ev types.Event) {
	if ev.Outcome != nil {
		c.Add(*ev.Outcome)
	}
	if ev.Suite != nil {
		c.AddSuite(*ev.Suite)
	}
}

// Consume drains events until the channel is closed and returns the summary.
func (c *Collector) Consume(events <-chan types.Event) *types.RunSummary {
	for ev := range events {
		c.AddEvent(ev)
	}
	return c.Summary()
}

// Summary computes counts and the verdict from the outcomes collected so far.
func (c *Collector) Summary() *types.RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcomes := slices.Clone(c.outcomes)
	slices.SortStableFunc(outcomes, func(a, b types.TestOutcome) int {
		return cmp.Compare(a.Index, b.Index)
	})
	suites := slices.Clone(c.suites)
	slices.SortStableFunc(suites, func(a, b types.SuiteReport) int {
		return cmp.Compare(a.Suite, b.Suite)
	})

	summary := &types.RunSummary{
		RunID:    c.runID,
		Counts:   make(map[types.TestStatus]int, len(types.AllStatuses)),
		Total:    len(outcomes),
		Outcomes: outcomes,
		Suites:   suites,
		Duration: time.Since(c.start),
	}
	anyFailed := false
	for _, o := range outcomes {
		summary.Counts[o.Status]++
		if o.Retried() {
			summary.Retried++
		}
		if o.Status.FailsRun() {
			anyFailed = true
		}
	}
	summary.Passed = determineVerdict(anyFailed)
	return summary
}

// determineVerdict returns the run verdict. Only failing statuses count;
// a run where everything was skipped still passes.
func determineVerdict(anyFailed bool) bool {
	return !anyFailed
}
