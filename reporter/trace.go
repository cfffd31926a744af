package reporter

import (
	"encoding/json"
	"io"
	"time"

	"github.com/testconductor/conductor/scoreboard"
)

// traceEvent is one line of the machine-readable trace stream.
type traceEvent struct {
	Time     time.Time `json:"ts"`
	Event    string    `json:"event"`
	RunID    string    `json:"run_id,omitempty"`
	Suite    string    `json:"suite,omitempty"`
	Test     string    `json:"test,omitempty"`
	State    string    `json:"state,omitempty"`
	Seconds  float64   `json:"seconds,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Tests    []string  `json:"tests,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Suites   int       `json:"suites,omitempty"`
	Passed   int       `json:"passed,omitempty"`
	Total    int       `json:"total,omitempty"`
	Failure  bool      `json:"failure,omitempty"`
	Failures []string  `json:"failures,omitempty"`
}

// TraceWriter is an observer that streams every event as one JSON object per
// line, for machines rather than humans. Encoding errors are remembered and
// surfaced by Err; the stream keeps best-effort order either way.
type TraceWriter struct {
	enc *json.Encoder
	err error
}

// NewTraceWriter creates a trace observer writing JSON lines to w.
func NewTraceWriter(w io.Writer) *TraceWriter {
	return &TraceWriter{enc: json.NewEncoder(w)}
}

// Err reports the first encoding error, if any.
func (t *TraceWriter) Err() error {
	return t.err
}

func (t *TraceWriter) emit(ev traceEvent) {
	ev.Time = time.Now()
	if err := t.enc.Encode(ev); err != nil && t.err == nil {
		t.err = err
	}
}

func (t *TraceWriter) RunStarted(runID string, suites int) {
	t.emit(traceEvent{Event: "run_started", RunID: runID, Suites: suites})
}

func (t *TraceWriter) SuiteStarted(suite string, tests []string) {
	t.emit(traceEvent{Event: "suite_started", Suite: suite, Tests: tests})
}

func (t *TraceWriter) SuiteRestarted(suite string, attempt int, tests []string) {
	t.emit(traceEvent{Event: "suite_restarted", Suite: suite, Attempt: attempt, Tests: tests})
}

func (t *TraceWriter) TestFinished(suite, test string, state scoreboard.State, duration time.Duration) {
	t.emit(traceEvent{Event: "test_finished", Suite: suite, Test: test, State: state.String(), Seconds: duration.Seconds()})
}

func (t *TraceWriter) SuiteAborted(suite, reason string) {
	t.emit(traceEvent{Event: "suite_aborted", Suite: suite, Reason: reason})
}

func (t *TraceWriter) SuiteEnded(suite string, states map[string]scoreboard.State) {
	t.emit(traceEvent{Event: "suite_ended", Suite: suite, Total: len(states)})
}

func (t *TraceWriter) RunEnded(summary *Summary) {
	t.emit(traceEvent{
		Event:    "run_ended",
		RunID:    summary.RunID,
		Passed:   summary.Passed,
		Total:    summary.Total,
		Failure:  summary.OverallFailure,
		Failures: summary.Failures,
	})
}
