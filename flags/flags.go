package flags

import (
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

const EnvVarPrefix = "OP_HARNESS"

var (
	Manifest = &cli.StringFlag{
		Name:    "manifest",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:   "Path to a YAML manifest of suites, tests, fixtures and hooks. Omit to run the built-in catalog.",
	}
	Tags = &cli.StringSliceFlag{
		Name:    "tags",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TAGS"),
		Usage:   "Only run tests carrying at least one of these tags (suite tags count)",
	}
	ExcludeTags = &cli.StringSliceFlag{
		Name:    "exclude-tags",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXCLUDE_TAGS"),
		Usage:   "Never run tests carrying any of these tags",
	}
	Run = &cli.StringFlag{
		Name:    "run",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN"),
		Usage:   "Regular expression matched against 'suite::test' to select tests",
	}
	Workers = &cli.IntFlag{
		Name:    "workers",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKERS"),
		Usage:   "Number of concurrent test workers (0 = auto-determine from CPU count)",
	}
	DefaultTimeout = &cli.DurationFlag{
		Name:    "default-timeout",
		Value:   5 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEFAULT_TIMEOUT"),
		Usage:   "Timeout for each attempt of tests without their own timeout (0 = none)",
	}
	IncludeIgnored = &cli.BoolFlag{
		Name:    "include-ignored",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INCLUDE_IGNORED"),
		Usage:   "Run tests marked as ignored instead of reporting them as skipped",
	}
	FailFast = &cli.BoolFlag{
		Name:    "fail-fast",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_FAST"),
		Usage:   "Skip tests that have not started once any test fails",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory to store per-run result files. Set to empty to disable them.",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between test runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	FlakeShake = &cli.BoolFlag{
		Name:    "flake-shake",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FLAKE_SHAKE"),
		Usage:   "Run the selected tests repeatedly and report which ones change status",
	}
	FlakeShakeIterations = &cli.IntFlag{
		Name:    "flake-shake-iterations",
		Value:   10,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FLAKE_SHAKE_ITERATIONS"),
		Usage:   "Number of runs in flake-shake mode",
	}
)

var optionalFlags = []cli.Flag{
	Manifest,
	Tags,
	ExcludeTags,
	Run,
	Workers,
	DefaultTimeout,
	IncludeIgnored,
	FailFast,
	LogDir,
	RunInterval,
	FlakeShake,
	FlakeShakeIterations,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = optionalFlags
}

// CheckRequired validates flag combinations. Every harness flag has a usable default.
func CheckRequired(ctx *cli.Context) error {
	return opflags.CheckRequiredXor(ctx)
}
