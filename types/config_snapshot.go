package types

import "time"

// EffectiveConfigSnapshot represents the effective runtime configuration grouped by domain.
type EffectiveConfigSnapshot struct {
	Filters   FilterConfig            `json:"filters"`
	Execution ExecutionConfigSnapshot `json:"execution"`
	Paths     PathsConfigSnapshot     `json:"paths"`

	RunID string `json:"runId,omitempty"`
}

type ExecutionConfigSnapshot struct {
	RunInterval          time.Duration `json:"runInterval"`
	RunOnce              bool          `json:"runOnce"`
	FlakeShake           bool          `json:"flakeShake"`
	FlakeShakeIterations int           `json:"flakeShakeIterations,omitempty"`
}

type PathsConfigSnapshot struct {
	Manifest string `json:"manifest,omitempty"`
	LogDir   string `json:"logDir"`
}
