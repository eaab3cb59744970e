package types

import (
	"context"
	"time"
)

// SuiteDescriptor groups tests that share hooks and per-suite fixtures.
// Tests are attached to a suite by the registry in registration order.
type SuiteDescriptor struct {
	Name     string
	Tags     []string // inherited by every test in the suite
	Fixtures []string // fixtures every test in the suite depends on
	Only     bool     // marks every test in the suite as only
	Ignored  bool     // marks every test in the suite as ignored

	// MaxConcurrent bounds how many of the suite's tests may run at once.
	// Zero leaves the bound to the worker pool; one makes the suite serial.
	MaxConcurrent int
}

// HookKind identifies when a lifecycle hook runs
type HookKind string

const (
	HookBeforeAll  HookKind = "before_all"
	HookAfterAll   HookKind = "after_all"
	HookBeforeEach HookKind = "before_each"
	HookAfterEach  HookKind = "after_each"
)

var HookKinds = []HookKind{HookBeforeAll, HookAfterAll, HookBeforeEach, HookAfterEach}

func (k HookKind) Valid() bool {
	switch k {
	case HookBeforeAll, HookAfterAll, HookBeforeEach, HookAfterEach:
		return true
	}
	return false
}

// HookFunc is a lifecycle callback. A non-nil error marks the hook as failed.
type HookFunc func(ctx context.Context) error

// HookDescriptor binds a hook function to a suite.
type HookDescriptor struct {
	Kind  HookKind
	Suite string
	Name  string // optional; unnamed hooks never collide
	Func  HookFunc
}

// SuiteReport records suite-level lifecycle results. It is emitted once per
// started suite after after_all has run and suite fixtures are released.
type SuiteReport struct {
	Suite       string        `json:"suite"`
	SetupError  string        `json:"setupError,omitempty"`
	HookError   string        `json:"hookError,omitempty"`
	Teardown    string        `json:"teardownError,omitempty"`
	Tests       int           `json:"tests"`
	Elapsed     time.Duration `json:"elapsed"`
	AfterAllRan bool          `json:"afterAllRan"`
}

// Failed reports whether any suite-level lifecycle step failed.
func (r SuiteReport) Failed() bool {
	return r.SetupError != "" || r.HookError != "" || r.Teardown != ""
}
