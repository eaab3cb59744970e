package harness

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-harness/types"
)

// RuntimeError represents an operational error that should lead to exit code 2.
// Examples include an unreadable manifest, a fixture cycle or an invalid name pattern.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError reports a run whose verdict is fail (exit code 1)
type TestFailureError struct {
	Message string
	Summary *types.RunSummary
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// NewRunFailureError creates a TestFailureError describing a failed run
func NewRunFailureError(summary *types.RunSummary) *TestFailureError {
	return &TestFailureError{Message: summary.String(), Summary: summary}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
