package templates

import (
	"fmt"
	"html/template"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// GetTemplateFunc returns the template functions shared by the HTML reports
func GetTemplateFunc() template.FuncMap {
	return template.FuncMap{
		"formatDuration": formatDuration,
		"getStatusClass": getStatusClass,
		"getStatusText": func(status types.TestStatus) string {
			return string(status)
		},
		"getVerdictClass": func(passed bool) string {
			if passed {
				return "pass"
			}
			return "fail"
		},
		"testID": types.TestID,
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

// getStatusClass maps a status to one of the stylesheet classes
func getStatusClass(status types.TestStatus) string {
	switch {
	case status == types.TestStatusPassed:
		return "pass"
	case status == types.TestStatusSkipped:
		return "skip"
	case status == types.TestStatusTeardownFailed:
		return "warn"
	case status.FailsRun():
		return "fail"
	default:
		return "unknown"
	}
}
