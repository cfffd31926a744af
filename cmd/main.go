package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	conductor "github.com/testconductor/conductor"
	"github.com/testconductor/conductor/exitcodes"
	"github.com/testconductor/conductor/flags"
	"github.com/testconductor/conductor/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "conductor"
	app.Usage = "Test Suite Orchestrator"
	app.Description = "conductor runs test-suite harnesses against declared expectations"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			cli.HandleExitCoder(cli.Exit(err.Error(), exitCodeForError(err)))
		}
	}

	// Start telemetry
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer otelShutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background healthz and metrics servers
	svc := service.New(service.Config{}, log.Root())
	svc.Start()
	defer svc.Shutdown()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

// exitCodeForError maps typed orchestration errors onto process exit codes.
func exitCodeForError(err error) int {
	if conductor.IsRuntimeError(err) {
		return exitcodes.RuntimeErr
	}
	// Test failures and unspecified errors both surface as exit code 1.
	return exitcodes.TestFailure
}

func run(cliCtx *cli.Context) error {
	logger, err := setupLogging(cliCtx)
	if err != nil {
		return conductor.NewRuntimeError(fmt.Errorf("failed to set up logging: %w", err))
	}

	cfg, err := conductor.NewConfig(cliCtx, logger)
	if err != nil {
		return conductor.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config loaded", "manifest", cfg.Manifest, "runOnce", cfg.RunOnce)

	appCtx, cancel := context.WithCancelCause(cliCtx.Context)
	defer cancel(nil)

	svc, err := conductor.New(appCtx, cfg, Version, func(err error) { cancel(err) })
	if err != nil {
		return conductor.NewRuntimeError(fmt.Errorf("failed to create conductor: %w", err))
	}

	if err := svc.Start(appCtx); err != nil {
		return err
	}
	if cfg.RunOnce {
		return nil
	}

	// Continuous mode: block until a signal or an internal shutdown request.
	<-appCtx.Done()
	if cause := context.Cause(appCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Error("Shutting down after error", "error", cause)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		return conductor.NewRuntimeError(fmt.Errorf("failed to stop conductor: %w", err))
	}
	return svc.WaitForShutdown(stopCtx)
}

func setupLogging(cliCtx *cli.Context) (log.Logger, error) {
	lvl, err := levelFromString(cliCtx.String(flags.LogLevel.Name))
	if err != nil {
		return nil, err
	}
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)
	logger := log.NewLogger(handler)
	log.SetDefault(logger)
	return logger, nil
}

// levelFromString maps the --log-level flag onto a slog level.
func levelFromString(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return log.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}
