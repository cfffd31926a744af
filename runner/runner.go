// Package runner defines the suite-runner capability that executes one test
// suite, and an exec-backed implementation that drives an external harness
// process under supervision.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/testconductor/conductor/process"
	"github.com/testconductor/conductor/scoreboard"
	"github.com/testconductor/conductor/types"
)

// SuiteRunner executes one suite. Run may be invoked multiple times across
// retries and must report results through the suite's scoreboard. Finalize is
// invoked exactly once by the driver, on every exit path. Terminate and Kill
// must be idempotent and callable from any goroutine.
type SuiteRunner interface {
	Name() string
	IsRunnable() bool
	Prepare(ctx context.Context) error
	Run(ctx context.Context, tests []string) error
	Finalize(ctx context.Context) error
	Terminate()
	Kill()
}

// ExecConfig describes an external harness invocation.
type ExecConfig struct {
	Name    string
	Command []string // harness argv; selected test names are appended
	Dir     string
	Env     []string // extra KEY=VAL entries appended to the parent env
	Timeout time.Duration
	// GracePeriod overrides the supervisor terminate-to-kill delay.
	GracePeriod time.Duration
}

// ExecRunner runs a harness command that reports results as one line per
// test on stdout:
//
//	RESULT <name> <pass|fail> <seconds>
//
// Everything else the process prints goes to the suite's raw log.
type ExecRunner struct {
	cfg   ExecConfig
	board *scoreboard.Scoreboard
	raw   io.Writer
	log   log.Logger
	clk   clock.Clock

	mu      sync.Mutex
	current *process.Supervisor
}

var _ SuiteRunner = (*ExecRunner)(nil)

// NewExecRunner creates an exec-backed suite runner reporting into board and
// mirroring raw harness output to raw (may be nil).
func NewExecRunner(cfg ExecConfig, board *scoreboard.Scoreboard, raw io.Writer, logger log.Logger, clk clock.Clock) *ExecRunner {
	return &ExecRunner{
		cfg:   cfg,
		board: board,
		raw:   raw,
		log:   logger.New("suite", cfg.Name),
		clk:   clk,
	}
}

func (r *ExecRunner) Name() string {
	return r.cfg.Name
}

// IsRunnable reports whether the harness binary can be found at all.
func (r *ExecRunner) IsRunnable() bool {
	if len(r.cfg.Command) == 0 {
		return false
	}
	_, err := exec.LookPath(r.cfg.Command[0])
	return err == nil
}

// Prepare validates the configuration before the first run.
func (r *ExecRunner) Prepare(ctx context.Context) error {
	if len(r.cfg.Command) == 0 {
		return fmt.Errorf("suite %q has no harness command", r.cfg.Name)
	}
	if r.cfg.Dir != "" {
		if _, err := os.Stat(r.cfg.Dir); err != nil {
			return fmt.Errorf("suite %q workdir: %w", r.cfg.Name, err)
		}
	}
	return nil
}

// Run launches the harness for the selected tests and feeds parsed results
// into the scoreboard. A crashing or non-zero-exiting harness is not an
// error here: tests it never reported simply stay INCOMPLETE.
func (r *ExecRunner) Run(ctx context.Context, tests []string) error {
	args := append(append([]string{}, r.cfg.Command...), tests...)

	env := r.cfg.Env
	if len(env) > 0 {
		env = append(os.Environ(), env...)
	}

	sup, err := process.Spawn(process.Spec{
		Args:        args,
		Dir:         r.cfg.Dir,
		Env:         env,
		Timeout:     r.cfg.Timeout,
		Stdout:      process.OutputPipe,
		Stderr:      process.OutputPipe,
		GracePeriod: r.cfg.GracePeriod,
	}, r.log, r.clk)
	if err != nil {
		return fmt.Errorf("failed to launch harness for suite %q: %w", r.cfg.Name, err)
	}

	r.mu.Lock()
	r.current = sup
	r.mu.Unlock()

	// Cooperative cancellation: an executor-level shutdown terminates the
	// harness, which unblocks HandleOutput below.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sup.Terminate()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	handler := &resultHandler{
		runner:   r,
		expected: make(map[string]struct{}, len(tests)),
	}
	for _, name := range tests {
		handler.expected[name] = struct{}{}
	}

	status, err := sup.HandleOutput(handler)
	if err != nil {
		return fmt.Errorf("suite %q output handling failed: %w", r.cfg.Name, err)
	}
	r.log.Debug("Harness finished", "status", status, "reported", handler.reported, "timedOut", sup.TimedOut())

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
	return nil
}

// Finalize releases per-suite resources. The raw log writer is owned by the
// reporter, so there is nothing to close here.
func (r *ExecRunner) Finalize(ctx context.Context) error {
	r.log.Debug("Suite finalized")
	return nil
}

// Terminate gracefully stops the in-flight harness, if any.
func (r *ExecRunner) Terminate() {
	r.mu.Lock()
	sup := r.current
	r.mu.Unlock()
	if sup != nil {
		sup.Terminate()
	}
}

// Kill forcibly stops the in-flight harness, if any.
func (r *ExecRunner) Kill() {
	r.mu.Lock()
	sup := r.current
	r.mu.Unlock()
	if sup != nil {
		sup.Kill()
	}
}

// resultHandler parses harness output. It runs on the goroutine calling
// HandleOutput, so scoreboard access needs no locking.
type resultHandler struct {
	runner   *ExecRunner
	expected map[string]struct{}
	reported int
}

func (h *resultHandler) HandleStdout(line string) {
	h.writeRaw(line)
	result, ok := parseResultLine(line)
	if !ok {
		return
	}
	h.runner.board.Update([]types.TestResult{result})
	h.reported++
	delete(h.expected, result.Name)
}

func (h *resultHandler) HandleStderr(line string) {
	h.writeRaw(line)
}

func (h *resultHandler) writeRaw(line string) {
	if h.runner.raw != nil {
		_, _ = io.WriteString(h.runner.raw, line+"\n")
	}
}

// Done terminates the harness once every selected test has reported, so a
// harness that hangs after its last test cannot stall the run.
func (h *resultHandler) Done() bool {
	return h.reported > 0 && len(h.expected) == 0
}

func (h *resultHandler) HandleTimeout() {
	h.runner.log.Warn("Harness timed out", "timeout", h.runner.cfg.Timeout)
	h.writeRaw(fmt.Sprintf("conductor: harness timed out after %v", h.runner.cfg.Timeout))
}

func (h *resultHandler) HandleExit(exitCode int) int {
	return exitCode
}

// parseResultLine decodes "RESULT <name> <pass|fail> <seconds>".
func parseResultLine(line string) (types.TestResult, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "RESULT" {
		return types.TestResult{}, false
	}
	var passed bool
	switch fields[2] {
	case "pass":
		passed = true
	case "fail":
		passed = false
	default:
		return types.TestResult{}, false
	}
	seconds, err := strconv.ParseFloat(fields[3], 64)
	if err != nil || seconds < 0 {
		return types.TestResult{}, false
	}
	return types.TestResult{
		Name:     fields[1],
		Passed:   passed,
		Duration: time.Duration(seconds * float64(time.Second)),
	}, true
}
