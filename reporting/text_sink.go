package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/types"
	"github.com/ethereum-optimism/infra/op-harness/ui"
)

const (
	TextSummaryFilename = "summary.log"
	textBoxWidth        = 80
)

// TextSummarySink writes a tree view of the run into the run directory.
type TextSummarySink struct {
	runDir string
}

// NewTextSummarySink creates a text summary sink writing into runDir
func NewTextSummarySink(runDir string) *TextSummarySink {
	return &TextSummarySink{runDir: runDir}
}

// Consume is a no-op; the tree is built from the final summary.
func (s *TextSummarySink) Consume(types.Event, string) error {
	return nil
}

// Complete writes the text summary file
func (s *TextSummarySink) Complete(summary *types.RunSummary) error {
	content := FormatText(BuildRunTree(summary))
	path := filepath.Join(s.runDir, TextSummaryFilename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}

// FormatText renders the tree with box-drawing connectors, one line per
// suite and test, and the failure reason indented under failed tests.
func FormatText(tree *RunTree) string {
	var b strings.Builder
	b.WriteString(ui.BuildBoxHeader(fmt.Sprintf("Run %s: %s", tree.RunID, strings.ToUpper(tree.Verdict)), textBoxWidth))
	b.WriteString(ui.BuildBoxLine(fmt.Sprintf("%d tests in %s", tree.Total, tree.Duration.Round(time.Millisecond)), textBoxWidth))
	for _, c := range tree.Counts {
		b.WriteString(ui.BuildBoxLine(fmt.Sprintf("%-16s %d", c.Status, c.Count), textBoxWidth))
	}
	b.WriteString(ui.BuildBoxFooter(textBoxWidth))

	for i, suite := range tree.Suites {
		lastSuite := i == len(tree.Suites)-1
		fmt.Fprintf(&b, "%s%s [%s] passed=%d failed=%d skipped=%d\n",
			ui.BuildTreePrefix(1, lastSuite, nil), suite.Name, suite.Status(), suite.Passed, suite.Failed, suite.Skipped)
		if reason := suite.Reason(); reason != "" {
			fmt.Fprintf(&b, "%s%s\n", continuation(2, []bool{lastSuite}), reason)
		}
		for j, o := range suite.Tests {
			lastTest := j == len(suite.Tests)-1
			fmt.Fprintf(&b, "%s%s [%s]", ui.BuildTreePrefix(2, lastTest, []bool{lastSuite}), o.Test, o.Status)
			if o.Attempts > 1 {
				fmt.Fprintf(&b, " attempts=%d", o.Attempts)
			}
			b.WriteString("\n")
			if o.Reason != "" && o.Status != types.TestStatusPassed {
				fmt.Fprintf(&b, "%s%s\n", continuation(3, []bool{lastSuite, lastTest}), o.Reason)
			}
		}
	}
	return b.String()
}

// continuation indents a detail line under the node at depth-1.
func continuation(depth int, parentIsLast []bool) string {
	var b strings.Builder
	for i := 0; i < depth-1; i++ {
		if i < len(parentIsLast) && parentIsLast[i] {
			b.WriteString(ui.TreeIndent)
		} else {
			b.WriteString(ui.TreeContinue)
		}
	}
	return b.String()
}
