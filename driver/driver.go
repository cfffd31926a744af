// Package driver owns the retry-and-lifecycle controller for one suite: it
// drives prepare, run, conditional retries and finalization against the
// suite's scoreboard.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/testconductor/conductor/metrics"
	"github.com/testconductor/conductor/runner"
	"github.com/testconductor/conductor/scoreboard"
)

const (
	// DefaultMaxRetries bounds retry attempts when keep-running is off.
	DefaultMaxRetries = 2

	retryBackoffInitial = 500 * time.Millisecond
	retryBackoffMax     = 5 * time.Second
)

// Config tunes one driver's retry policy.
type Config struct {
	// MaxRetries is the retry budget after the initial run. Ignored when
	// KeepRunning is set.
	MaxRetries int
	// KeepRunning retries without bound and disables early stop on
	// unexpected failures.
	KeepRunning bool
	// StopOnUnexpectedFailure stops retrying the suite once an
	// UNEXPECTED_FAIL has been observed, unless KeepRunning is set.
	StopOnUnexpectedFailure bool
}

// Driver runs one suite to completion. Create one per selected suite and use
// it for a single Execute call.
type Driver struct {
	runner runner.SuiteRunner
	board  *scoreboard.Scoreboard
	cfg    Config
	log    log.Logger

	finalizeOnce sync.Once
}

// New creates a driver for one suite.
func New(r runner.SuiteRunner, board *scoreboard.Scoreboard, cfg Config, logger log.Logger) *Driver {
	return &Driver{
		runner: r,
		board:  board,
		cfg:    cfg,
		log:    logger.New("suite", r.Name()),
	}
}

// Name returns the suite name.
func (d *Driver) Name() string {
	return d.runner.Name()
}

// Board exposes the suite's scoreboard.
func (d *Driver) Board() *scoreboard.Scoreboard {
	return d.board
}

// Terminate forwards a graceful stop to the suite runner.
func (d *Driver) Terminate() {
	d.runner.Terminate()
}

// Kill forwards a forced stop to the suite runner.
func (d *Driver) Kill() {
	d.runner.Kill()
}

// Execute runs the suite: prepare, run, retries within budget, finalize.
// Finalization happens exactly once on every exit path, including panics and
// cancellation. An error returned by a runner method is a fatal
// orchestration error and is never retried; ordinary test failures are
// absorbed by the scoreboard and never surface here.
func (d *Driver) Execute(ctx context.Context) (err error) {
	defer func() {
		if ferr := d.finalize(ctx); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}

	if !d.runner.IsRunnable() {
		d.log.Warn("Suite runner is not runnable, skipping suite")
		return nil
	}

	if perr := d.runner.Prepare(ctx); perr != nil {
		return fmt.Errorf("suite %q prepare failed: %w", d.Name(), perr)
	}

	tests := d.board.Runnable()
	d.board.Start(tests)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBackoffInitial
	bo.MaxInterval = retryBackoffMax
	bo.MaxElapsedTime = 0 // the budget, not elapsed time, bounds retries

	attempt := 0
	for {
		d.log.Debug("Running suite attempt", "attempt", attempt, "tests", len(tests))
		if rerr := d.runner.Run(ctx, tests); rerr != nil {
			return fmt.Errorf("suite %q run failed: %w", d.Name(), rerr)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		unresolved := d.board.Unresolved()
		if len(unresolved) == 0 {
			return nil
		}
		if d.cfg.StopOnUnexpectedFailure && !d.cfg.KeepRunning && d.board.HasUnexpectedFailure() {
			d.log.Warn("Unexpected failure observed, not retrying", "unresolved", len(unresolved))
			return nil
		}
		if !d.cfg.KeepRunning && attempt >= d.cfg.MaxRetries {
			d.log.Warn("Retry budget exhausted", "attempts", attempt, "unresolved", len(unresolved))
			return nil
		}

		attempt++
		d.board.Restart(attempt)
		metrics.RecordRetry(d.Name())

		// Restart may have blacklisted repeat offenders; narrow to what is
		// still worth running.
		tests = d.board.Unresolved()
		if len(tests) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
		d.board.Start(tests)
	}
}

// finalize invokes the runner's Finalize and settles the scoreboard, exactly
// once. It deliberately survives a cancelled context: cleanup and the final
// SKIPPED/UNEXPECTED_FAIL settlement must happen even on forced shutdown.
func (d *Driver) finalize(ctx context.Context) error {
	var err error
	d.finalizeOnce.Do(func() {
		err = d.runner.Finalize(context.WithoutCancel(ctx))
		d.board.Finalize()
	})
	return err
}
