package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

const (
	RunDirectoryPrefix = "testrun-" // Standardized prefix for run directories

	EventsFilename  = "events.jsonl"
	AllLogsFilename = "all.log"
	SummaryFilename = "summary.json"
	ConfigFilename  = "config.json"
)

// ResultSink is an interface for different ways of consuming the result stream
type ResultSink interface {
	// Consume processes a single event
	Consume(ev types.Event, runID string) error
	// Complete is called once the run has been summarised
	Complete(summary *types.RunSummary) error
}

// FileLogger writes the result stream of one run into its own directory
type FileLogger struct {
	baseDir string
	logDir  string
	runID   string
	sinks   []ResultSink

	mu           sync.Mutex
	asyncWriters map[string]*AsyncFile
}

// NewFileLogger creates the run directory and the default sinks. The
// snapshot, if given, is written to the directory straight away.
func NewFileLogger(baseDir, runID string, snapshot *types.EffectiveConfigSnapshot) (*FileLogger, error) {
	if runID == "" {
		return nil, errors.New("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, errors.New("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", logDir, err)
	}

	l := &FileLogger{
		baseDir:      baseDir,
		logDir:       logDir,
		runID:        runID,
		asyncWriters: make(map[string]*AsyncFile),
	}
	l.sinks = []ResultSink{
		&EventsJSONSink{logger: l},
		&AllLogsFileSink{logger: l},
		&SummaryFileSink{logger: l},
	}

	if snapshot != nil {
		if err := writeJSONFile(filepath.Join(logDir, ConfigFilename), snapshot); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// AddSink registers an extra consumer of the result stream
func (l *FileLogger) AddSink(sink ResultSink) {
	l.sinks = append(l.sinks, sink)
}

// Consume feeds an event to every sink
func (l *FileLogger) Consume(ev types.Event, runID string) error {
	if runID == "" {
		return errors.New("runID cannot be empty")
	}
	for _, sink := range l.sinks {
		if err := sink.Consume(ev, runID); err != nil {
			return fmt.Errorf("error in sink: %w", err)
		}
	}
	return nil
}

// Complete finalizes all sinks and closes all file writers
func (l *FileLogger) Complete(summary *types.RunSummary) error {
	if summary == nil {
		return errors.New("summary cannot be nil")
	}
	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Complete(summary); err != nil {
			errs = append(errs, fmt.Errorf("error completing sink: %w", err))
		}
	}
	if err := l.closeAllWriters(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetDirectoryForRunID returns the path for a specific runID
func (l *FileLogger) GetDirectoryForRunID(runID string) (string, error) {
	if runID == "" {
		return "", errors.New("runID cannot be empty")
	}
	if runID == l.runID {
		return l.logDir, nil
	}
	return filepath.Join(l.baseDir, RunDirectoryPrefix+runID), nil
}

// GetRunDir returns the directory of the current run
func (l *FileLogger) GetRunDir() string {
	return l.logDir
}

// GetRunID returns the current runID
func (l *FileLogger) GetRunID() string {
	return l.runID
}

func (l *FileLogger) fileForRunID(runID, name string) (string, error) {
	dir, err := l.GetDirectoryForRunID(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// getAsyncWriter gets or creates an AsyncFile for the given path
func (l *FileLogger) getAsyncWriter(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if writer, exists := l.asyncWriters[path]; exists {
		return writer, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.asyncWriters[path] = writer
	return writer, nil
}

func (l *FileLogger) closeAllWriters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for path, writer := range l.asyncWriters {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", path, err))
		}
	}
	l.asyncWriters = make(map[string]*AsyncFile)
	return errors.Join(errs...)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
