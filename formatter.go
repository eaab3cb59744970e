package harness

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-harness/reporting"
	"github.com/ethereum-optimism/infra/op-harness/types"
	"github.com/ethereum-optimism/infra/op-harness/ui"
)

// ResultFormatter is responsible for formatting and displaying test results.
type ResultFormatter interface {
	FormatResults(summary *types.RunSummary) error
}

// ConsoleResultFormatter renders a summary table.
type ConsoleResultFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleResultFormatter creates a formatter writing to out, or stdout if out is nil.
func NewConsoleResultFormatter(logger log.Logger, out io.Writer) *ConsoleResultFormatter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleResultFormatter{
		logger: logger,
		out:    out,
	}
}

// FormatResults writes the summary table followed by the one-line summary.
func (f *ConsoleResultFormatter) FormatResults(summary *types.RunSummary) error {
	f.logger.Debug("Printing results...")
	t := SummaryTable(summary)
	t.SetOutputMirror(f.out)
	t.Render()
	_, err := fmt.Fprintln(f.out, summary.String())
	return err
}

// SummaryTable builds a table with one row per suite followed by its tests
// in plan order.
func SummaryTable(summary *types.RunSummary) table.Writer {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("Test Results %s (%s)", summary.RunID, formatDuration(summary.Duration)))
	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Attempts", "Passed", "Failed", "Skipped", "Status", "Reason",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Reason", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, suite := range reporting.BuildRunTree(summary).Suites {
		t.AppendRow(table.Row{
			"Suite",
			suite.Name,
			formatDuration(suite.Elapsed()),
			"-",
			suite.Passed,
			suite.Failed,
			suite.Skipped,
			getResultString(suite.Status()),
			suite.Reason(),
		})
		for i, o := range suite.Tests {
			t.AppendRow(table.Row{
				"Test",
				ui.BuildTreePrefix(1, i == len(suite.Tests)-1, nil) + o.Test,
				formatDuration(o.Elapsed),
				o.Attempts,
				boolToInt(o.Status == types.TestStatusPassed),
				boolToInt(o.Status.FailsRun()),
				boolToInt(o.Status == types.TestStatusSkipped),
				getResultString(o.Status),
				o.Reason,
			})
		}
		t.AppendSeparator()
	}

	switch {
	case !summary.Passed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case summary.Total > 0 && summary.Count(types.TestStatusSkipped) == summary.Total:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	passed, failed, skipped := countStatuses(summary.Outcomes)
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(summary.Duration),
		summary.Total,
		passed,
		failed,
		skipped,
		verdictString(summary.Passed),
		"",
	})
	return t
}

func countStatuses(outcomes []types.TestOutcome) (passed, failed, skipped int) {
	for _, o := range outcomes {
		switch {
		case o.Status == types.TestStatusPassed:
			passed++
		case o.Status == types.TestStatusSkipped:
			skipped++
		case o.Status.FailsRun():
			failed++
		}
	}
	return passed, failed, skipped
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getResultString returns a marker string representing the test status
func getResultString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPassed:
		return "✓ pass"
	case types.TestStatusSkipped:
		return "- skip"
	case types.TestStatusTeardownFailed:
		return "! teardown"
	case types.TestStatusTimedOut:
		return "✗ timeout"
	case types.TestStatusSetupFailed:
		return "✗ setup"
	default:
		return "✗ fail"
	}
}

func verdictString(passed bool) string {
	if passed {
		return "✓ pass"
	}
	return "✗ fail"
}

// formatDuration formats a duration in seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
