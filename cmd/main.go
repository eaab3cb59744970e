package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	harness "github.com/ethereum-optimism/infra/op-harness"
	"github.com/ethereum-optimism/infra/op-harness/examples"
	"github.com/ethereum-optimism/infra/op-harness/exitcodes"
	"github.com/ethereum-optimism/infra/op-harness/flags"
	"github.com/ethereum-optimism/infra/op-harness/registry"
	"github.com/ethereum-optimism/infra/op-harness/service"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
	}

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-harness"
	app.Usage = "Test execution engine"
	app.Description = "op-harness runs registered suites with fixtures, hooks, retries and timeouts"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	return app
}

// exitCode maps a run error to the process exit code.
func exitCode(err error) int {
	var exitErr cli.ExitCoder
	switch {
	case err == nil:
		return exitcodes.Success
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case harness.IsRuntimeError(err):
		return exitcodes.RuntimeErr
	default:
		// Test failures and unclassified errors both exit with 1.
		return exitcodes.TestFailure
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()

	cfg, err := harness.NewConfig(ctx, log)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, harness.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	reg := registry.New(registry.Config{Log: log})
	if err := loadRegistry(cfg.Manifest, reg); err != nil {
		return nil, harness.NewRuntimeError(fmt.Errorf("failed to load suites: %w", err))
	}

	engine, err := harness.NewEngine(cfg, reg, Version, closeApp)
	if err != nil {
		return nil, harness.NewRuntimeError(fmt.Errorf("failed to create engine: %w", err))
	}

	svc := service.New(serviceConfig(ctx), log)
	svc.Start(ctx.Context)
	return &harnessApp{Engine: engine, svc: svc}, nil
}

// loadRegistry registers the manifest at path, or the built-in sample
// suites when no manifest is given. Manifests bind to the built-in catalog.
func loadRegistry(path string, reg *registry.Registry) error {
	if path == "" {
		return examples.Register(reg)
	}
	return registry.LoadManifest(path, examples.Catalog(), reg)
}

// serviceConfig serves healthz on the RPC address and metrics when enabled.
func serviceConfig(ctx *cli.Context) service.Config {
	rpcCfg := oprpc.ReadCLIConfig(ctx)
	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	return service.Config{
		HealthzHost:    rpcCfg.ListenAddr,
		HealthzPort:    rpcCfg.ListenPort,
		MetricsEnabled: metricsCfg.Enabled,
		MetricsHost:    metricsCfg.ListenAddr,
		MetricsPort:    metricsCfg.ListenPort,
	}
}

// harnessApp stops the side servers together with the engine.
type harnessApp struct {
	*harness.Engine
	svc *service.Service
}

func (a *harnessApp) Stop(ctx context.Context) error {
	defer a.svc.Shutdown()
	return a.Engine.Stop(ctx)
}
