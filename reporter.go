package harness

import (
	"github.com/ethereum-optimism/infra/op-harness/metrics"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// MetricsReporter is responsible for reporting metrics from test results.
type MetricsReporter interface {
	ReportOutcome(outcome types.TestOutcome)
	ReportResults(summary *types.RunSummary)
}

// DefaultMetricsReporter records to the Prometheus metrics in the metrics package.
type DefaultMetricsReporter struct{}

// NewDefaultMetricsReporter creates a new DefaultMetricsReporter.
func NewDefaultMetricsReporter() *DefaultMetricsReporter {
	return &DefaultMetricsReporter{}
}

// ReportOutcome records a single final outcome as it is emitted.
func (r *DefaultMetricsReporter) ReportOutcome(outcome types.TestOutcome) {
	metrics.RecordOutcome(outcome)
}

// ReportResults records the aggregate of a completed run.
func (r *DefaultMetricsReporter) ReportResults(summary *types.RunSummary) {
	metrics.RecordRun(summary.Verdict(), summary.Counts, summary.Duration)
}
