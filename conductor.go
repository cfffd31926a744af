// Package conductor orchestrates test-suite runs: it loads the manifest,
// drives every suite through its scoreboard, retries and process supervision,
// and reduces the outcome to a single pass/fail verdict with artifacts.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/testconductor/conductor/driver"
	"github.com/testconductor/conductor/executor"
	"github.com/testconductor/conductor/exitcodes"
	"github.com/testconductor/conductor/metrics"
	"github.com/testconductor/conductor/registry"
	"github.com/testconductor/conductor/reporter"
	"github.com/testconductor/conductor/runner"
	"github.com/testconductor/conductor/scoreboard"
)

// Conductor is the long-lived service: one instance schedules one run in
// run-once mode or a run per interval in continuous mode.
type Conductor struct {
	ctx       context.Context
	config    *Config
	version   string
	registry  *registry.Registry
	scheduler *Scheduler
	formatter ResultFormatter

	mu          sync.Mutex
	lastSummary *reporter.Summary

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New creates a Conductor from a validated config.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Conductor, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating conductor with config",
		"manifest", config.Manifest,
		"jobs", config.Jobs,
		"retries", config.Retries,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	reg, err := registry.NewRegistry(registry.Config{
		Log:            config.Log,
		ManifestFile:   config.Manifest,
		DefaultTimeout: config.SuiteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	c := &Conductor{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		scheduler:        NewScheduler(config.RunInterval, config.RunOnce, config.Log),
		formatter:        NewConsoleResultFormatter(config.Log, os.Stdout),
		shutdownCallback: shutdownCallback,
	}
	c.scheduler.RegisterCallback(c.runAllSuites)
	return c, nil
}

// Start begins scheduled execution. In run-once mode it blocks for the whole
// run and returns its verdict as a typed error; in continuous mode it returns
// after the first run and keeps running in the background.
func (c *Conductor) Start(ctx context.Context) error {
	// Panics anywhere in the run pipeline are runtime errors, exit code 2.
	defer func() {
		if r := recover(); r != nil {
			c.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	c.ctx = ctx
	if c.config.RunOnce {
		c.config.Log.Info("Starting conductor in run-once mode", "version", c.version)
	} else {
		c.config.Log.Info("Starting conductor in continuous mode", "version", c.version, "interval", c.config.RunInterval)
	}

	if err := c.scheduler.Start(ctx); err != nil {
		c.config.Log.Error("Runtime error running suites", "error", err)
		return NewRuntimeError(err)
	}

	if c.config.RunOnce {
		if err := c.runOnceVerdict(); err != nil {
			return err
		}
		go func() {
			c.shutdownCallback(nil)
		}()
	}
	return nil
}

// runOnceVerdict turns the last summary into the process exit decision.
func (c *Conductor) runOnceVerdict() error {
	c.mu.Lock()
	summary := c.lastSummary
	c.mu.Unlock()

	if summary == nil {
		return NewRuntimeError(errors.New("run produced no summary"))
	}
	if !summary.OverallFailure {
		c.config.Log.Info("Run completed, all outcomes acceptable", "passed", summary.Passed, "total", summary.Total)
		return nil
	}
	msg := fmt.Sprintf("%d/%d tests acceptable, %d unexpected failures",
		summary.Passed, summary.Total, len(summary.Failures))
	if c.config.WarnOnFailure {
		c.config.Log.Warn("Run failed but warn-on-failure is set, exiting cleanly", "result", msg)
		return nil
	}
	return NewTestFailureError(msg)
}

// runAllSuites performs one complete run of every suite in the manifest.
func (c *Conductor) runAllSuites() error {
	runID := uuid.New().String()
	start := time.Now()
	lg := c.config.Log.New("run_id", runID)
	lg.Info("Starting run")

	observers, cleanup, err := c.buildObservers(lg)
	if err != nil {
		return err
	}
	defer cleanup()

	rep := reporter.New(runID, lg, observers...)

	var logs *reporter.SuiteLogs
	rawWriter := func(string) (io.Writer, error) { return io.Discard, nil }
	if c.config.LogDir != "" {
		logs, err = reporter.NewSuiteLogs(filepath.Join(c.config.LogDir, "testrun-"+runID))
		if err != nil {
			return err
		}
		defer logs.Close()
		rawWriter = logs.Writer
	}

	drivers, err := c.buildDrivers(rep, rawWriter)
	if err != nil {
		return err
	}

	rep.Begin(len(drivers))

	exec := executor.New(executor.Config{
		Jobs:         c.config.Jobs,
		TotalTimeout: c.config.TotalTimeout,
	}, rep, lg)
	execErr := exec.Run(c.ctx, drivers)

	summary, sumErr := rep.Summarize(c.config.OutputDir)
	metrics.RecordRun(runID, summary.OverallFailure, summary.Passed, summary.Total, time.Since(start))

	c.mu.Lock()
	c.lastSummary = summary
	c.mu.Unlock()

	if err := c.formatter.FormatResults(summary); err != nil {
		lg.Error("Failed to render results", "error", err)
	}

	// Total-timeout expiry is a failed run, not a broken conductor: the
	// summary already reflects the incomplete suites.
	if execErr != nil && !errors.Is(execErr, executor.ErrTotalTimeout) {
		return execErr
	}
	if sumErr != nil {
		return sumErr
	}
	lg.Info("Run completed", "failure", summary.OverallFailure, "passed", summary.Passed, "total", summary.Total)
	return nil
}

// buildObservers assembles the observer list from the config. The returned
// cleanup closes anything the observers hold open.
func (c *Conductor) buildObservers(lg log.Logger) ([]reporter.Observer, func(), error) {
	observers := []reporter.Observer{
		reporter.NewProgressLogger(lg, c.config.ProgressInterval),
	}
	var closers []io.Closer

	if c.config.Buildbot {
		observers = append(observers, reporter.NewBuildbotObserver(os.Stdout))
	}
	if c.config.TracingFile != "" {
		f, err := os.Create(c.config.TracingFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace file %s: %w", c.config.TracingFile, err)
		}
		closers = append(closers, f)
		observers = append(observers, reporter.NewTraceWriter(f))
	}

	cleanup := func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}
	return observers, cleanup, nil
}

// buildDrivers creates one scoreboard, runner and driver per manifest suite.
func (c *Conductor) buildDrivers(rep *reporter.Reporter, rawWriter func(string) (io.Writer, error)) ([]*driver.Driver, error) {
	suites := c.registry.Suites()
	drivers := make([]*driver.Driver, 0, len(suites))
	for _, suite := range suites {
		board := scoreboard.New(suite.Config.Name, suite.Expectations, rep, c.config.Log)
		board.RegisterTests(suite.Config.Tests)

		raw, err := rawWriter(suite.Config.Name)
		if err != nil {
			return nil, err
		}

		env := make([]string, 0, len(suite.Config.Env))
		for k, v := range suite.Config.Env {
			env = append(env, k+"="+v)
		}

		r := runner.NewExecRunner(runner.ExecConfig{
			Name:    suite.Config.Name,
			Command: suite.Config.Command,
			Dir:     suite.Config.Dir,
			Env:     env,
			Timeout: suite.Timeout,
		}, board, raw, c.config.Log, clock.NewClock())

		drivers = append(drivers, driver.New(r, board, driver.Config{
			MaxRetries:              c.config.Retries,
			KeepRunning:             c.config.KeepRunning,
			StopOnUnexpectedFailure: c.config.StopOnFailure,
		}, c.config.Log))
	}
	return drivers, nil
}

// Stop stops the conductor service.
func (c *Conductor) Stop(ctx context.Context) error {
	c.config.Log.Info("Stopping conductor")
	if err := c.scheduler.Stop(); err != nil {
		return err
	}
	c.config.Log.Info("Conductor stopped successfully")
	return nil
}

// Stopped returns true if the conductor service is stopped.
func (c *Conductor) Stopped() bool {
	return c.scheduler.Stopped()
}

// WaitForShutdown blocks until background goroutines have terminated or the
// context expires.
func (c *Conductor) WaitForShutdown(ctx context.Context) error {
	return c.scheduler.WaitForShutdown(ctx)
}
