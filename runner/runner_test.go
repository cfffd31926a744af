package runner

import (
	"bytes"
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testconductor/conductor/expectation"
	"github.com/testconductor/conductor/scoreboard"
)

// nopReporter satisfies scoreboard.Reporter for tests that only care about
// final states.
type nopReporter struct{}

func (nopReporter) StartSuite(string, []string)                                {}
func (nopReporter) UpdateTest(string, string, scoreboard.State, time.Duration) {}
func (nopReporter) RestartSuite(string, int, []string)                         {}
func (nopReporter) EndSuite(string, map[string]scoreboard.State)               {}

func newExecRunner(t *testing.T, script string, timeout time.Duration) (*ExecRunner, *scoreboard.Scoreboard, *bytes.Buffer) {
	t.Helper()
	m, err := expectation.FromFlags(map[string][]string{"*": {"pass"}})
	require.NoError(t, err)
	board := scoreboard.New("suite", m, nopReporter{}, log.Root())
	raw := &bytes.Buffer{}
	r := NewExecRunner(ExecConfig{
		Name: "suite",
		// Tests selected for the run arrive as positional args.
		Command:     []string{"/bin/sh", "-c", script, "harness"},
		Timeout:     timeout,
		GracePeriod: 100 * time.Millisecond,
	}, board, raw, log.Root(), clock.NewClock())
	return r, board, raw
}

func TestParseResultLine(t *testing.T) {
	r, ok := parseResultLine("RESULT TestFoo pass 1.5")
	require.True(t, ok)
	assert.Equal(t, "TestFoo", r.Name)
	assert.True(t, r.Passed)
	assert.Equal(t, 1500*time.Millisecond, r.Duration)

	r, ok = parseResultLine("RESULT TestBar fail 0.25")
	require.True(t, ok)
	assert.False(t, r.Passed)

	for _, line := range []string{
		"",
		"random harness chatter",
		"RESULT TestFoo maybe 1.0",
		"RESULT TestFoo pass",
		"RESULT TestFoo pass -2",
		"RESULT TestFoo pass abc",
	} {
		_, ok := parseResultLine(line)
		assert.False(t, ok, "line %q must not parse", line)
	}
}

func TestRunReportsResultsIntoScoreboard(t *testing.T) {
	script := `for t in "$@"; do echo "RESULT $t pass 0.1"; done`
	r, board, raw := newExecRunner(t, script, 0)

	board.RegisterTests([]string{"a", "b"})
	board.Start([]string{"a", "b"})
	require.NoError(t, r.Run(context.Background(), []string{"a", "b"}))
	board.Finalize()

	assert.Equal(t, scoreboard.StateExpectedPass, board.State("a"))
	assert.Equal(t, scoreboard.StateExpectedPass, board.State("b"))
	assert.Contains(t, raw.String(), "RESULT a pass 0.1")
}

func TestCrashingHarnessLeavesIncomplete(t *testing.T) {
	// Reports the first test, then dies before the second.
	script := `echo "RESULT $1 fail 0.1"; exit 70`
	r, board, _ := newExecRunner(t, script, 0)

	board.RegisterTests([]string{"a", "b"})
	board.Start([]string{"a", "b"})
	require.NoError(t, r.Run(context.Background(), []string{"a", "b"}), "harness crash is not an infrastructure error")

	assert.Equal(t, scoreboard.StateUnexpectedFail, board.State("a"))
	assert.Equal(t, scoreboard.StateIncomplete, board.State("b"))
	assert.True(t, board.Incomplete())
}

func TestRunHonorsProcessTimeout(t *testing.T) {
	script := `echo "RESULT $1 pass 0.1"; sleep 60`
	r, board, raw := newExecRunner(t, script, 300*time.Millisecond)

	board.RegisterTests([]string{"a", "b"})
	board.Start([]string{"a", "b"})

	start := time.Now()
	require.NoError(t, r.Run(context.Background(), []string{"a", "b"}))
	assert.Less(t, time.Since(start), 30*time.Second)

	assert.Equal(t, scoreboard.StateExpectedPass, board.State("a"))
	assert.Equal(t, scoreboard.StateIncomplete, board.State("b"))
	assert.Contains(t, raw.String(), "harness timed out")
}

func TestRunTerminatesOnContextCancel(t *testing.T) {
	script := `sleep 60`
	r, board, _ := newExecRunner(t, script, 0)

	board.RegisterTests([]string{"a"})
	board.Start([]string{"a"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	require.NoError(t, r.Run(ctx, []string{"a"}))
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.True(t, board.Incomplete())
}

func TestHarnessStallingAfterLastResultIsCutShort(t *testing.T) {
	script := `for t in "$@"; do echo "RESULT $t pass 0.1"; done; sleep 60`
	r, board, _ := newExecRunner(t, script, 0)

	board.RegisterTests([]string{"a"})
	board.Start([]string{"a"})

	start := time.Now()
	require.NoError(t, r.Run(context.Background(), []string{"a"}))
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.Equal(t, scoreboard.StateExpectedPass, board.State("a"))
}

func TestIsRunnable(t *testing.T) {
	r, _, _ := newExecRunner(t, `true`, 0)
	assert.True(t, r.IsRunnable())

	m, err := expectation.FromFlags(nil)
	require.NoError(t, err)
	board := scoreboard.New("missing", m, nopReporter{}, log.Root())
	missing := NewExecRunner(ExecConfig{
		Name:    "missing",
		Command: []string{"/no/such/harness"},
	}, board, nil, log.Root(), clock.NewClock())
	assert.False(t, missing.IsRunnable())
}

func TestPrepareRejectsMissingWorkdir(t *testing.T) {
	m, err := expectation.FromFlags(nil)
	require.NoError(t, err)
	board := scoreboard.New("s", m, nopReporter{}, log.Root())
	r := NewExecRunner(ExecConfig{
		Name:    "s",
		Command: []string{"/bin/true"},
		Dir:     "/no/such/dir",
	}, board, nil, log.Root(), clock.NewClock())
	require.Error(t, r.Prepare(context.Background()))
}
