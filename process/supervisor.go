// Package process supervises one OS process: per-process timeout, graceful
// terminate escalating to a forced kill, and non-blocking multiplexed
// stdout/stderr delivery.
package process

import (
	"bufio"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	gops "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is how long Terminate waits before escalating to Kill.
const DefaultGracePeriod = 5 * time.Second

const maxLineBytes = 1024 * 1024

// Lifecycle is the supervision state of the process.
type Lifecycle int

const (
	LifecycleRunning Lifecycle = iota
	LifecycleTerminating
	LifecycleKilled
	LifecycleExited
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleRunning:
		return "running"
	case LifecycleTerminating:
		return "terminating"
	case LifecycleKilled:
		return "killed"
	default:
		return "exited"
	}
}

// OutputMode selects what happens to a process output stream.
type OutputMode int

const (
	// OutputPipe captures the stream for delivery through HandleOutput.
	OutputPipe OutputMode = iota
	// OutputDiscard drops the stream.
	OutputDiscard
)

// Spec describes the process to spawn.
type Spec struct {
	Args    []string
	Dir     string
	Env     []string // nil inherits the parent environment
	Timeout time.Duration
	Stdout  OutputMode
	Stderr  OutputMode
	// GracePeriod overrides the terminate-to-kill delay. Zero means
	// DefaultGracePeriod.
	GracePeriod time.Duration
}

// Handler consumes multiplexed process output and decides the final status.
// All methods are called from the goroutine running HandleOutput.
type Handler interface {
	HandleStdout(line string)
	HandleStderr(line string)
	// Done is consulted after each batch of lines; returning true terminates
	// the process proactively.
	Done() bool
	// HandleTimeout is called once, before HandleExit, when the per-process
	// timeout fired.
	HandleTimeout()
	// HandleExit receives the process exit code and returns the final
	// status, which it may override.
	HandleExit(exitCode int) int
}

// ErrWaitTimeout is returned by Wait when the deadline passes before the
// process exits.
var ErrWaitTimeout = errors.New("timed out waiting for process exit")

type outputLine struct {
	text   string
	stderr bool
}

// Supervisor owns one spawned process. Terminate and Kill are idempotent and
// safe from any goroutine; HandleOutput may be called at most once.
type Supervisor struct {
	log   log.Logger
	clk   clock.Clock
	grace time.Duration

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu            sync.Mutex
	state         Lifecycle
	timedOut      bool
	exitObserved  bool
	exitCode      int
	outputClaimed bool

	// exited closes when the exit status has been collected; timersDone
	// closes at the same moment so that no stale watchdog can fire against a
	// reused pid.
	exited     chan struct{}
	timersDone chan struct{}

	reapOnce sync.Once
}

// Spawn starts the process described by spec and begins supervising it.
func Spawn(spec Spec, logger log.Logger, clk clock.Clock) (*Supervisor, error) {
	if len(spec.Args) == 0 {
		return nil, errors.New("spawn requires at least one argument")
	}
	grace := spec.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// Own process group so that terminate/kill reach the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	s := &Supervisor{
		log:        logger,
		clk:        clk,
		grace:      grace,
		cmd:        cmd,
		exited:     make(chan struct{}),
		timersDone: make(chan struct{}),
	}

	var err error
	if spec.Stdout == OutputPipe {
		if s.stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, errors.Wrap(err, "failed to open stdout pipe")
		}
	}
	if spec.Stderr == OutputPipe {
		if s.stderr, err = cmd.StderrPipe(); err != nil {
			return nil, errors.Wrap(err, "failed to open stderr pipe")
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %q", spec.Args[0])
	}
	s.log = logger.New("pid", cmd.Process.Pid)
	s.log.Debug("Process started", "args", spec.Args, "timeout", spec.Timeout)

	if spec.Timeout > 0 {
		go s.timeoutWatchdog(spec.Timeout)
	}
	return s, nil
}

// Pid returns the OS process id.
func (s *Supervisor) Pid() int {
	return s.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (s *Supervisor) State() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TimedOut reports whether the per-process timeout fired.
func (s *Supervisor) TimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// Terminate asks the process to stop with SIGTERM and schedules a forced
// kill after the grace period. It is a no-op once the process has exited or
// termination is already underway.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	if s.exitObserved || s.state != LifecycleRunning {
		s.mu.Unlock()
		return
	}
	s.state = LifecycleTerminating
	pid := s.cmd.Process.Pid
	s.mu.Unlock()

	s.log.Debug("Terminating process group")
	s.signalGroup(pid, unix.SIGTERM)
	go s.killWatchdog()
}

// Kill forcibly stops the process with SIGKILL. Idempotent and safe to call
// concurrently with Terminate or natural exit.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	if s.exitObserved || s.state == LifecycleKilled {
		s.mu.Unlock()
		return
	}
	s.state = LifecycleKilled
	pid := s.cmd.Process.Pid
	s.mu.Unlock()

	// The pid may already be gone; only shoot if something is still there.
	if alive, err := gops.PidExists(int32(pid)); err == nil && !alive {
		return
	}
	s.log.Warn("Killing process group")
	s.signalGroup(pid, unix.SIGKILL)
}

func (s *Supervisor) signalGroup(pid int, sig unix.Signal) {
	// Signal the whole group; fall back to the leader if the group is gone.
	if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
		_ = unix.Kill(pid, sig)
	}
}

// timeoutWatchdog terminates the process when the per-process deadline
// passes. It re-checks state under the lock: a timer racing natural exit
// must not touch a reused pid.
func (s *Supervisor) timeoutWatchdog(timeout time.Duration) {
	t := s.clk.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C():
		s.mu.Lock()
		if s.exitObserved {
			s.mu.Unlock()
			return
		}
		s.timedOut = true
		s.mu.Unlock()
		s.log.Warn("Process exceeded its timeout", "timeout", timeout)
		s.Terminate()
	case <-s.timersDone:
	}
}

// killWatchdog escalates a terminate to a kill after the grace period.
func (s *Supervisor) killWatchdog() {
	t := s.clk.NewTimer(s.grace)
	defer t.Stop()
	select {
	case <-t.C():
		s.mu.Lock()
		pending := !s.exitObserved
		s.mu.Unlock()
		if pending {
			s.log.Warn("Process ignored SIGTERM", "grace", s.grace)
			s.Kill()
		}
	case <-s.timersDone:
	}
}

// reap collects the exit status exactly once, in the background. Unclaimed
// pipes are drained first so the child cannot block on a full pipe.
func (s *Supervisor) reap() {
	s.reapOnce.Do(func() {
		s.mu.Lock()
		claimed := s.outputClaimed
		s.mu.Unlock()
		go func() {
			if !claimed {
				if s.stdout != nil {
					_, _ = io.Copy(io.Discard, s.stdout)
				}
				if s.stderr != nil {
					_, _ = io.Copy(io.Discard, s.stderr)
				}
			}
			err := s.cmd.Wait()
			code := 0
			if s.cmd.ProcessState != nil {
				code = s.cmd.ProcessState.ExitCode()
			} else if err != nil {
				code = -1
			}
			s.finish(code)
		}()
	})
}

// finish records the exit outcome and cancels every pending watchdog. After
// this point Terminate and Kill are no-ops.
func (s *Supervisor) finish(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitObserved = true
	s.exitCode = code
	if s.state == LifecycleRunning || s.state == LifecycleTerminating {
		s.state = LifecycleExited
	}
	close(s.timersDone)
	close(s.exited)
	s.log.Debug("Process exited", "code", code, "state", s.state, "timedOut", s.timedOut)
}

// Poll reports the exit code without blocking. The bool is false while the
// process is still running.
func (s *Supervisor) Poll() (int, bool) {
	s.reap()
	select {
	case <-s.exited:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the process exits or the timeout passes. A zero timeout
// waits forever.
func (s *Supervisor) Wait(timeout time.Duration) (int, error) {
	s.reap()
	if timeout <= 0 {
		<-s.exited
	} else {
		t := s.clk.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-s.exited:
		case <-t.C():
			return 0, ErrWaitTimeout
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, nil
}

// HandleOutput multiplexes stdout and stderr to the handler line by line,
// blocks until the process exits, and returns the handler's final status.
// It may be called at most once per Supervisor.
func (s *Supervisor) HandleOutput(h Handler) (int, error) {
	s.mu.Lock()
	if s.outputClaimed {
		s.mu.Unlock()
		return 0, errors.New("HandleOutput called twice")
	}
	s.outputClaimed = true
	s.mu.Unlock()

	lines := make(chan outputLine, 64)
	var pumps sync.WaitGroup
	if s.stdout != nil {
		pumps.Add(1)
		go s.pump(&pumps, s.stdout, false, lines)
	}
	if s.stderr != nil {
		pumps.Add(1)
		go s.pump(&pumps, s.stderr, true, lines)
	}
	go func() {
		pumps.Wait()
		close(lines)
	}()

	for line := range lines {
		if line.stderr {
			h.HandleStderr(line.text)
		} else {
			h.HandleStdout(line.text)
		}
		// Consult the handler between batches, not per line.
		if len(lines) == 0 && h.Done() {
			s.log.Debug("Handler is done, terminating early")
			s.Terminate()
		}
	}

	s.reap()
	<-s.exited

	s.mu.Lock()
	timedOut, code := s.timedOut, s.exitCode
	s.mu.Unlock()

	if timedOut {
		h.HandleTimeout()
	}
	return h.HandleExit(code), nil
}

func (s *Supervisor) pump(wg *sync.WaitGroup, r io.Reader, stderr bool, out chan<- outputLine) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		out <- outputLine{text: scanner.Text(), stderr: stderr}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("Output stream closed with error", "stderr", stderr, "error", err)
	}
}
