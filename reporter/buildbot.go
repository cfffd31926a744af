package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/testconductor/conductor/scoreboard"
)

// BuildbotObserver emits the legacy buildbot annotation protocol on a stream,
// one @@@-delimited directive per suite boundary plus a plain line per test.
// CI log scrapers key on the directives, so the exact spelling matters.
type BuildbotObserver struct {
	w io.Writer
}

// NewBuildbotObserver creates a buildbot annotation observer.
func NewBuildbotObserver(w io.Writer) *BuildbotObserver {
	return &BuildbotObserver{w: w}
}

func (b *BuildbotObserver) RunStarted(runID string, suites int) {
	fmt.Fprintf(b.w, "conductor run %s: %d suites\n", runID, suites)
}

func (b *BuildbotObserver) SuiteStarted(suite string, tests []string) {
	fmt.Fprintf(b.w, "@@@BUILD_STEP %s@@@\n", suite)
}

func (b *BuildbotObserver) SuiteRestarted(suite string, attempt int, tests []string) {
	fmt.Fprintf(b.w, "@@@STEP_TEXT@retry %d (%d tests)@@@\n", attempt, len(tests))
}

func (b *BuildbotObserver) TestFinished(suite, test string, state scoreboard.State, duration time.Duration) {
	fmt.Fprintf(b.w, "%s: %s (%.1fs)\n", test, state, duration.Seconds())
	if state == scoreboard.StateUnexpectedFail {
		fmt.Fprintln(b.w, "@@@STEP_FAILURE@@@")
	}
}

func (b *BuildbotObserver) SuiteAborted(suite, reason string) {
	fmt.Fprintf(b.w, "@@@STEP_TEXT@aborted: %s@@@\n", reason)
	fmt.Fprintln(b.w, "@@@STEP_EXCEPTION@@@")
}

func (b *BuildbotObserver) SuiteEnded(suite string, states map[string]scoreboard.State) {
	incomplete := 0
	for _, st := range states {
		if st == scoreboard.StateIncomplete {
			incomplete++
		}
	}
	if incomplete > 0 {
		fmt.Fprintf(b.w, "@@@STEP_TEXT@%d tests incomplete@@@\n", incomplete)
		fmt.Fprintln(b.w, "@@@STEP_WARNINGS@@@")
	}
}

func (b *BuildbotObserver) RunEnded(summary *Summary) {
	verdict := "PASSED"
	if summary.OverallFailure {
		verdict = "FAILED"
	}
	fmt.Fprintf(b.w, "conductor run %s: %s (%d/%d passed, %d skipped)\n",
		summary.RunID, verdict, summary.Passed, summary.Total, summary.Skipped)
}
