package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testconductor/conductor/driver"
	"github.com/testconductor/conductor/expectation"
	"github.com/testconductor/conductor/scoreboard"
	"github.com/testconductor/conductor/types"
)

type nopReporter struct{}

func (nopReporter) StartSuite(string, []string)                                {}
func (nopReporter) UpdateTest(string, string, scoreboard.State, time.Duration) {}
func (nopReporter) RestartSuite(string, int, []string)                         {}
func (nopReporter) EndSuite(string, map[string]scoreboard.State)               {}

type abortRecorder struct {
	mu     sync.Mutex
	aborts []string
}

func (a *abortRecorder) AbortSuite(suite, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborts = append(a.aborts, suite)
}

// stubRunner is a controllable suite runner for executor tests.
type stubRunner struct {
	name    string
	board   *scoreboard.Scoreboard
	results []types.TestResult
	runErr  error
	block   bool // block in Run until terminated or cancelled

	releaseOnce sync.Once
	release     chan struct{}
	finalizes   atomic.Int32
	running     *atomic.Int32 // optional concurrency gauge
	maxRunning  *atomic.Int32
}

func newStubRunner(name string) *stubRunner {
	return &stubRunner{name: name, release: make(chan struct{})}
}

func (s *stubRunner) Name() string                      { return s.name }
func (s *stubRunner) IsRunnable() bool                  { return true }
func (s *stubRunner) Prepare(ctx context.Context) error { return nil }

func (s *stubRunner) Run(ctx context.Context, tests []string) error {
	if s.running != nil {
		n := s.running.Add(1)
		for {
			max := s.maxRunning.Load()
			if n <= max || s.maxRunning.CompareAndSwap(max, n) {
				break
			}
		}
		defer s.running.Add(-1)
		time.Sleep(50 * time.Millisecond)
	}
	if s.runErr != nil {
		return s.runErr
	}
	if len(s.results) > 0 {
		s.board.Update(s.results)
	}
	if s.block {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stubRunner) Finalize(ctx context.Context) error {
	s.finalizes.Add(1)
	return nil
}

func (s *stubRunner) Terminate() {
	s.releaseOnce.Do(func() { close(s.release) })
}

func (s *stubRunner) Kill() {
	s.releaseOnce.Do(func() { close(s.release) })
}

func buildDriver(t *testing.T, s *stubRunner, tests []string) *driver.Driver {
	t.Helper()
	m, err := expectation.FromFlags(map[string][]string{"*": {"pass"}})
	require.NoError(t, err)
	board := scoreboard.New(s.name, m, nopReporter{}, log.Root())
	board.RegisterTests(tests)
	s.board = board
	return driver.New(s, board, driver.Config{MaxRetries: 0}, log.Root())
}

func TestAllSuitesRunToCompletion(t *testing.T) {
	var drivers []*driver.Driver
	var stubs []*stubRunner
	for _, name := range []string{"one", "two", "three", "four", "five"} {
		s := newStubRunner(name)
		s.results = []types.TestResult{{Name: "t", Passed: true}}
		stubs = append(stubs, s)
		drivers = append(drivers, buildDriver(t, s, []string{"t"}))
	}

	e := New(Config{Jobs: 3}, &abortRecorder{}, log.Root())
	require.NoError(t, e.Run(context.Background(), drivers))

	for _, s := range stubs {
		assert.Equal(t, int32(1), s.finalizes.Load(), "suite %s", s.name)
		assert.Equal(t, scoreboard.StateExpectedPass, s.board.State("t"))
	}
}

func TestFirstErrorCancelsRemainingWork(t *testing.T) {
	infraErr := errors.New("bundle push failed")

	bad := newStubRunner("bad")
	bad.runErr = infraErr
	hung := newStubRunner("hung")
	hung.block = true

	drivers := []*driver.Driver{
		buildDriver(t, hung, []string{"t"}),
		buildDriver(t, bad, []string{"t"}),
	}

	rec := &abortRecorder{}
	e := New(Config{Jobs: 2, GracePeriod: 100 * time.Millisecond}, rec, log.Root())

	err := e.Run(context.Background(), drivers)
	require.ErrorIs(t, err, infraErr)

	assert.Equal(t, int32(1), bad.finalizes.Load())
	assert.Equal(t, int32(1), hung.finalizes.Load(), "in-flight suites must still finalize")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.aborts, "bad")
}

// Scenario: the total timeout expires with suites still incomplete. The run
// fails, and every driver finalized exactly once.
func TestTotalTimeoutFailsRunAndFinalizesAll(t *testing.T) {
	var drivers []*driver.Driver
	var stubs []*stubRunner
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		s := newStubRunner(name)
		if i < 3 {
			s.results = []types.TestResult{{Name: "t", Passed: true}}
		} else {
			s.block = true
		}
		stubs = append(stubs, s)
		drivers = append(drivers, buildDriver(t, s, []string{"t"}))
	}

	e := New(Config{
		Jobs:         5,
		TotalTimeout: 300 * time.Millisecond,
		GracePeriod:  100 * time.Millisecond,
	}, &abortRecorder{}, log.Root())

	err := e.Run(context.Background(), drivers)
	require.ErrorIs(t, err, ErrTotalTimeout)

	incomplete := 0
	for _, s := range stubs {
		assert.Equal(t, int32(1), s.finalizes.Load(), "suite %s", s.name)
		if s.board.Incomplete() {
			incomplete++
		}
	}
	assert.Equal(t, 2, incomplete)
}

// A single worker hits an infrastructure error before the queue drains. The
// queued suites never ran, but they must still finalize exactly once and
// settle as SKIPPED rather than vanish from the run.
func TestQueuedDriversFinalizeAfterEarlyError(t *testing.T) {
	infraErr := errors.New("device lost")

	bad := newStubRunner("bad")
	bad.runErr = infraErr
	late1 := newStubRunner("late1")
	late2 := newStubRunner("late2")

	drivers := []*driver.Driver{
		buildDriver(t, bad, []string{"t"}),
		buildDriver(t, late1, []string{"t"}),
		buildDriver(t, late2, []string{"t"}),
	}

	rec := &abortRecorder{}
	e := New(Config{Jobs: 1, GracePeriod: 50 * time.Millisecond}, rec, log.Root())

	err := e.Run(context.Background(), drivers)
	require.ErrorIs(t, err, infraErr)

	for _, s := range []*stubRunner{bad, late1, late2} {
		assert.Equal(t, int32(1), s.finalizes.Load(), "suite %s", s.name)
	}
	assert.Equal(t, scoreboard.StateSkipped, late1.board.State("t"))
	assert.Equal(t, scoreboard.StateSkipped, late2.board.State("t"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Contains(t, rec.aborts, "late1")
	assert.Contains(t, rec.aborts, "late2")
}

func TestExternalCancellationIsNotATotalTimeout(t *testing.T) {
	s := newStubRunner("s")
	s.block = true
	drivers := []*driver.Driver{buildDriver(t, s, []string{"t"})}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	e := New(Config{Jobs: 1, GracePeriod: 100 * time.Millisecond}, &abortRecorder{}, log.Root())
	err := e.Run(ctx, drivers)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTotalTimeout)
	assert.Equal(t, int32(1), s.finalizes.Load())
}

func TestConcurrencyIsBounded(t *testing.T) {
	var running, maxRunning atomic.Int32
	var drivers []*driver.Driver
	for i := 0; i < 6; i++ {
		s := newStubRunner(string(rune('a' + i)))
		s.running = &running
		s.maxRunning = &maxRunning
		s.results = []types.TestResult{{Name: "t", Passed: true}}
		drivers = append(drivers, buildDriver(t, s, []string{"t"}))
	}

	e := New(Config{Jobs: 2}, &abortRecorder{}, log.Root())
	require.NoError(t, e.Run(context.Background(), drivers))
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}

func TestEmptyDriverListIsANoOp(t *testing.T) {
	e := New(Config{}, &abortRecorder{}, log.Root())
	require.NoError(t, e.Run(context.Background(), nil))
}

func TestDefaultJobsForcedSerialForDisplayBoundHosts(t *testing.T) {
	t.Setenv(SerialDisplayEnv, "1")
	assert.Equal(t, 1, DefaultJobs())
}
