package logging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// EventRecord is one line of events.jsonl
type EventRecord struct {
	Type    string             `json:"type"` // "outcome" or "suite"
	Time    time.Time          `json:"time"`
	RunID   string             `json:"runId"`
	Outcome *types.TestOutcome `json:"outcome,omitempty"`
	Suite   *types.SuiteReport `json:"suite,omitempty"`
}

// EventsJSONSink appends every event to events.jsonl as it arrives
type EventsJSONSink struct {
	logger *FileLogger
}

func (s *EventsJSONSink) Consume(ev types.Event, runID string) error {
	path, err := s.logger.fileForRunID(runID, EventsFilename)
	if err != nil {
		return err
	}
	writer, err := s.logger.getAsyncWriter(path)
	if err != nil {
		return err
	}

	rec := EventRecord{Time: time.Now(), RunID: runID, Outcome: ev.Outcome, Suite: ev.Suite}
	if ev.Outcome != nil {
		rec.Type = "outcome"
	} else {
		rec.Type = "suite"
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return writer.Write(append(data, '\n'))
}

// Complete is a no-op for EventsJSONSink
func (s *EventsJSONSink) Complete(*types.RunSummary) error {
	return nil
}

// AllLogsFileSink writes a readable line per event to all.log
type AllLogsFileSink struct {
	logger *FileLogger
}

func (s *AllLogsFileSink) Consume(ev types.Event, runID string) error {
	path, err := s.logger.fileForRunID(runID, AllLogsFilename)
	if err != nil {
		return err
	}
	writer, err := s.logger.getAsyncWriter(path)
	if err != nil {
		return err
	}

	var line string
	switch {
	case ev.Outcome != nil:
		line = formatOutcomeLine(*ev.Outcome)
	case ev.Suite != nil:
		line = formatSuiteLine(*ev.Suite)
	default:
		return nil
	}
	return writer.Write([]byte(time.Now().Format(time.RFC3339) + " " + line + "\n"))
}

// Complete appends the run summary line to all.log
func (s *AllLogsFileSink) Complete(summary *types.RunSummary) error {
	path, err := s.logger.fileForRunID(summary.RunID, AllLogsFilename)
	if err != nil {
		return err
	}
	writer, err := s.logger.getAsyncWriter(path)
	if err != nil {
		return err
	}
	return writer.Write([]byte(summary.String() + "\n"))
}

func formatOutcomeLine(o types.TestOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(o.Status)), o.ID())
	if o.Attempts > 1 {
		fmt.Fprintf(&b, " attempts=%d", o.Attempts)
	}
	fmt.Fprintf(&b, " duration=%s", formatDuration(o.Elapsed))
	if o.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", o.Reason)
	}
	return b.String()
}

func formatSuiteLine(r types.SuiteReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SUITE] %s tests=%d duration=%s", r.Suite, r.Tests, formatDuration(r.Elapsed))
	if r.SetupError != "" {
		fmt.Fprintf(&b, " before_all=%q", r.SetupError)
	}
	if r.HookError != "" {
		fmt.Fprintf(&b, " after_all=%q", r.HookError)
	}
	if r.Teardown != "" {
		fmt.Fprintf(&b, " teardown=%q", r.Teardown)
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(time.Millisecond).String()
}

// SummaryFileSink writes summary.json once the run completes
type SummaryFileSink struct {
	logger *FileLogger
}

// Consume is a no-op for SummaryFileSink
func (s *SummaryFileSink) Consume(types.Event, string) error {
	return nil
}

func (s *SummaryFileSink) Complete(summary *types.RunSummary) error {
	path, err := s.logger.fileForRunID(summary.RunID, SummaryFilename)
	if err != nil {
		return err
	}
	return writeJSONFile(path, summary)
}
