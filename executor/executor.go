// Package executor schedules many suite drivers onto a bounded worker pool
// with a global deadline and coordinated graceful-then-forced shutdown.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/testconductor/conductor/driver"
	"github.com/testconductor/conductor/metrics"
)

const (
	// DefaultGracePeriod is the window between terminating in-flight suites
	// and killing the stragglers during a coordinated shutdown.
	DefaultGracePeriod = 5 * time.Second

	maxDefaultJobs = 10

	// SerialDisplayEnv forces the pool down to one worker for environments
	// that cannot run multiple display-bound processes at once.
	SerialDisplayEnv = "CONDUCTOR_SERIAL_DISPLAY"
)

// ErrTotalTimeout is returned when the global deadline expires before all
// suites finished. The run is failed; per-suite scoreboards keep whatever
// they observed.
var ErrTotalTimeout = errors.New("total timeout exceeded")

// AbortReporter receives suite aborts during executor-driven shutdown.
type AbortReporter interface {
	AbortSuite(suite, reason string)
}

// Config tunes the executor.
type Config struct {
	// Jobs is the worker pool size; zero selects DefaultJobs().
	Jobs int
	// TotalTimeout is the optional global wall-clock budget for the run.
	TotalTimeout time.Duration
	// GracePeriod overrides the terminate-to-kill window during shutdown.
	GracePeriod time.Duration
}

// DefaultJobs picks the pool size for this host.
func DefaultJobs() int {
	if os.Getenv(SerialDisplayEnv) != "" {
		return 1
	}
	jobs := runtime.NumCPU()
	if jobs > maxDefaultJobs {
		jobs = maxDefaultJobs
	}
	if jobs < 1 {
		jobs = 1
	}
	return jobs
}

// Executor fans drivers out over a worker pool. Safe for a single Run call.
type Executor struct {
	cfg    Config
	rep    AbortReporter
	log    log.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	inflight map[*driver.Driver]struct{}
}

// New creates an executor.
func New(cfg Config, rep AbortReporter, logger log.Logger) *Executor {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Executor{
		cfg:      cfg,
		rep:      rep,
		log:      logger.New("component", "executor"),
		tracer:   otel.Tracer("conductor/executor"),
		inflight: make(map[*driver.Driver]struct{}),
	}
}

// Run executes all drivers and blocks until every one of them has finished
// and finalized. It returns the first driver error, ErrTotalTimeout when the
// global deadline expired, or nil.
func (e *Executor) Run(ctx context.Context, drivers []*driver.Driver) error {
	if len(drivers) == 0 {
		e.log.Debug("No suites to run")
		return nil
	}

	jobs := e.cfg.Jobs
	if jobs <= 0 {
		jobs = DefaultJobs()
	}
	if jobs > len(drivers) {
		jobs = len(drivers)
	}
	e.log.Info("Starting suite execution", "suites", len(drivers), "jobs", jobs, "totalTimeout", e.cfg.TotalTimeout)

	runCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.TotalTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.TotalTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)

	// Escalating shutdown: the moment the group context dies (first error or
	// deadline), terminate everything in flight, then kill what remains
	// after the grace window.
	watcherStop := make(chan struct{})
	var watcherDone sync.WaitGroup
	watcherDone.Add(1)
	go func() {
		defer watcherDone.Done()
		select {
		case <-gctx.Done():
			e.shutdownInflight(watcherStop)
		case <-watcherStop:
		}
	}()

	work := make(chan *driver.Driver)
	sent := 0
	g.Go(func() error {
		defer close(work)
		for _, d := range drivers {
			select {
			case work <- d:
				sent++
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < jobs; i++ {
		g.Go(func() error {
			for d := range work {
				if err := e.runOne(gctx, d); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()

	// Drivers the feeder never handed to a worker still owe a Finalize and a
	// summary entry. Route them through the abort path against the dead
	// context so their suites settle as SKIPPED instead of vanishing.
	if undispatched := drivers[sent:]; len(undispatched) > 0 {
		e.log.Warn("Aborting suites that never started", "count", len(undispatched))
		for _, d := range undispatched {
			_ = e.runOne(gctx, d)
		}
	}

	close(watcherStop)
	watcherDone.Wait()

	if err != nil {
		// Distinguish our own deadline from an outer cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.log.Error("Run exceeded the total timeout", "timeout", e.cfg.TotalTimeout)
			metrics.RecordError("total_timeout")
			return fmt.Errorf("%w after %v", ErrTotalTimeout, e.cfg.TotalTimeout)
		}
		return err
	}
	return nil
}

// runOne executes a single driver. Every driver passes through Execute even
// after cancellation, so its finalize-exactly-once guarantee holds on all
// paths.
func (e *Executor) runOne(ctx context.Context, d *driver.Driver) error {
	if cerr := ctx.Err(); cerr != nil {
		e.rep.AbortSuite(d.Name(), cerr.Error())
		return d.Execute(ctx)
	}

	spanCtx, span := e.tracer.Start(ctx, "suite.run",
		trace.WithAttributes(attribute.String("suite", d.Name())))
	defer span.End()

	e.track(d)
	defer e.untrack(d)

	err := d.Execute(spanCtx)
	if err != nil {
		span.RecordError(err)
		e.rep.AbortSuite(d.Name(), err.Error())
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordErrorDetails("suite_execution", err)
			e.log.Error("Suite execution failed", "suite", d.Name(), "error", err)
		}
	}
	return err
}

func (e *Executor) track(d *driver.Driver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[d] = struct{}{}
}

func (e *Executor) untrack(d *driver.Driver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, d)
}

func (e *Executor) snapshotInflight() []*driver.Driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*driver.Driver, 0, len(e.inflight))
	for d := range e.inflight {
		out = append(out, d)
	}
	return out
}

// shutdownInflight terminates everything still running, waits out the grace
// period and kills the stragglers. Terminate and Kill are idempotent, so
// racing a suite's natural completion is harmless. The stop channel closes
// once every driver has finished, at which point there is nothing left to
// kill.
func (e *Executor) shutdownInflight(stop <-chan struct{}) {
	running := e.snapshotInflight()
	if len(running) == 0 {
		return
	}
	e.log.Warn("Coordinated shutdown: terminating in-flight suites", "count", len(running))
	for _, d := range running {
		d.Terminate()
	}

	t := time.NewTimer(e.cfg.GracePeriod)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
		return
	}

	stragglers := e.snapshotInflight()
	if len(stragglers) == 0 {
		return
	}
	e.log.Warn("Coordinated shutdown: killing stragglers", "count", len(stragglers))
	for _, d := range stragglers {
		d.Kill()
	}
}
