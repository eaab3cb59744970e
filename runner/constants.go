package runner

// Reasons attached to outcomes produced without running the test body
const (
	ReasonRunAborted       = "run aborted"
	ReasonSuiteSetupFailed = "suite setup failed"
	ReasonIgnored          = "ignored"
	ReasonFailFast         = "fail fast"
)

// MaxReasonableConcurrency caps auto-determined concurrency to avoid resource exhaustion
const MaxReasonableConcurrency = 32
