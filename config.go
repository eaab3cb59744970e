package harness

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-harness/flags"
	"github.com/ethereum-optimism/infra/op-harness/types"
)

// Config holds the application configuration
type Config struct {
	Manifest             string             // Optional YAML manifest of suites, tests, fixtures and hooks
	Filters              types.FilterConfig // Test selection and execution bounds
	RunInterval          time.Duration      // Interval between test runs
	RunOnce              bool               // Exit after one run
	LogDir               string             // Directory for per-run result files; empty disables them
	FlakeShake           bool               // Repeat the run to measure status stability
	FlakeShakeIterations int                // Number of runs in flake-shake mode
	Output               io.Writer          // Destination of the summary table; nil means stdout
	Log                  log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	var manifest string
	if m := ctx.String(flags.Manifest.Name); m != "" {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for manifest '%s': %w", m, err)
		}
		manifest = abs
	}

	workers := ctx.Int(flags.Workers.Name)
	if workers < 0 {
		return nil, fmt.Errorf("workers cannot be negative: %d", workers)
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir != "" {
		abs, err := filepath.Abs(logDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
		}
		logDir = abs
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	cfg := &Config{
		Manifest: manifest,
		Filters: types.FilterConfig{
			TagsInclude:    splitList(ctx.StringSlice(flags.Tags.Name)),
			TagsExclude:    splitList(ctx.StringSlice(flags.ExcludeTags.Name)),
			NamePattern:    ctx.String(flags.Run.Name),
			WorkerCount:    uint(workers),
			DefaultTimeout: ctx.Duration(flags.DefaultTimeout.Name),
			IncludeIgnored: ctx.Bool(flags.IncludeIgnored.Name),
			FailFast:       ctx.Bool(flags.FailFast.Name),
		},
		RunInterval:          runInterval,
		RunOnce:              runInterval == 0,
		LogDir:               logDir,
		FlakeShake:           ctx.Bool(flags.FlakeShake.Name),
		FlakeShakeIterations: ctx.Int(flags.FlakeShakeIterations.Name),
		Log:                  log,
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the configuration
func (c *Config) Check() error {
	if c.Filters.DefaultTimeout < 0 {
		return errors.New("default timeout cannot be negative")
	}
	if c.RunInterval < 0 {
		return errors.New("run interval cannot be negative")
	}
	if c.FlakeShake {
		if c.FlakeShakeIterations < 1 {
			return fmt.Errorf("flake-shake iterations must be at least 1, got %d", c.FlakeShakeIterations)
		}
		if !c.RunOnce {
			return errors.New("flake-shake cannot be combined with a run interval")
		}
	}
	return nil
}

// Snapshot returns the effective configuration as written to each run directory.
func (c *Config) Snapshot(runID string) *types.EffectiveConfigSnapshot {
	s := &types.EffectiveConfigSnapshot{
		Filters: c.Filters,
		Execution: types.ExecutionConfigSnapshot{
			RunInterval: c.RunInterval,
			RunOnce:     c.RunOnce,
			FlakeShake:  c.FlakeShake,
		},
		Paths: types.PathsConfigSnapshot{
			Manifest: c.Manifest,
			LogDir:   c.LogDir,
		},
		RunID: runID,
	}
	if c.FlakeShake {
		s.Execution.FlakeShakeIterations = c.FlakeShakeIterations
	}
	return s
}

// splitList accepts both repeated flags and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
