// Package reporter is the single shared sink for run events. Every scoreboard
// and the executor report into one Reporter, which serializes the stream,
// aggregates run statistics and fans events out to pluggable observers.
package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testconductor/conductor/metrics"
	"github.com/testconductor/conductor/scoreboard"
)

// Observer receives the serialized event stream. The Reporter holds its lock
// across every callback, so observers never see concurrent calls and need no
// locking of their own; they must not call back into the Reporter.
type Observer interface {
	RunStarted(runID string, suites int)
	SuiteStarted(suite string, tests []string)
	SuiteRestarted(suite string, attempt int, tests []string)
	TestFinished(suite, test string, state scoreboard.State, duration time.Duration)
	SuiteAborted(suite, reason string)
	SuiteEnded(suite string, states map[string]scoreboard.State)
	RunEnded(summary *Summary)
}

// TestSummary is the final record for one test.
type TestSummary struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// SuiteSummary is the final record for one suite.
type SuiteSummary struct {
	Name        string        `json:"name"`
	Restarts    int           `json:"restarts"`
	Incomplete  bool          `json:"incomplete"`
	Aborted     bool          `json:"aborted,omitempty"`
	AbortReason string        `json:"abort_reason,omitempty"`
	Tests       []TestSummary `json:"tests"`
}

// Summary is the re-parseable outcome of a whole run.
type Summary struct {
	RunID           string         `json:"run_id"`
	StartTime       time.Time      `json:"start_time"`
	DurationSeconds float64        `json:"duration_seconds"`
	Total           int            `json:"total"`
	Passed          int            `json:"passed"`
	Skipped         int            `json:"skipped"`
	OverallFailure  bool           `json:"overall_failure"`
	Failures        []string       `json:"failures,omitempty"`
	Suites          []SuiteSummary `json:"suites"`
}

type suiteRecord struct {
	states      map[string]scoreboard.State
	durations   map[string]time.Duration
	restarts    int
	aborted     bool
	abortReason string
	ended       bool
	incomplete  bool
}

// Reporter aggregates events from all suites of one run.
type Reporter struct {
	mu        sync.Mutex
	log       log.Logger
	runID     string
	observers []Observer
	start     time.Time
	started   bool
	suites    map[string]*suiteRecord
	order     []string
}

// New creates a reporter for one run.
func New(runID string, logger log.Logger, observers ...Observer) *Reporter {
	return &Reporter{
		log:       logger.New("component", "reporter"),
		runID:     runID,
		observers: observers,
		suites:    make(map[string]*suiteRecord),
	}
}

// RunID returns the run identifier events are recorded under.
func (r *Reporter) RunID() string {
	return r.runID
}

// Begin marks the start of the run.
func (r *Reporter) Begin(suites int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = time.Now()
	r.started = true
	for _, o := range r.observers {
		o.RunStarted(r.runID, suites)
	}
}

func (r *Reporter) suite(name string) *suiteRecord {
	rec, ok := r.suites[name]
	if !ok {
		rec = &suiteRecord{
			states:    make(map[string]scoreboard.State),
			durations: make(map[string]time.Duration),
		}
		r.suites[name] = rec
		r.order = append(r.order, name)
	}
	return rec
}

// StartSuite records the first attempt of a suite.
func (r *Reporter) StartSuite(suite string, tests []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suite(suite)
	for _, o := range r.observers {
		o.SuiteStarted(suite, tests)
	}
}

// RestartSuite records a retry attempt.
func (r *Reporter) RestartSuite(suite string, attempt int, tests []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suite(suite).restarts = attempt
	for _, o := range r.observers {
		o.SuiteRestarted(suite, attempt, tests)
	}
}

// UpdateTest records one reconciled test transition.
func (r *Reporter) UpdateTest(suite, test string, state scoreboard.State, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.suite(suite)
	rec.states[test] = state
	rec.durations[test] = duration
	metrics.RecordTestState(r.runID, suite, state.String())
	for _, o := range r.observers {
		o.TestFinished(suite, test, state, duration)
	}
}

// AbortSuite records that the executor cut a suite short.
func (r *Reporter) AbortSuite(suite, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.suite(suite)
	if rec.aborted {
		return
	}
	rec.aborted = true
	rec.abortReason = reason
	for _, o := range r.observers {
		o.SuiteAborted(suite, reason)
	}
}

// EndSuite records the final state map of a suite.
func (r *Reporter) EndSuite(suite string, states map[string]scoreboard.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.suite(suite)
	rec.ended = true
	for name, st := range states {
		rec.states[name] = st
		if st == scoreboard.StateIncomplete {
			rec.incomplete = true
		}
	}
	for _, o := range r.observers {
		o.SuiteEnded(suite, states)
	}
}

// Summarize closes the run: it builds the summary, notifies observers, writes
// the JSON artifact when outputDir is non-empty and returns the aggregate
// verdict. A run with no completed tests is a failure.
func (r *Reporter) Summarize(outputDir string) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.buildSummary()
	for _, o := range r.observers {
		o.RunEnded(s)
	}

	if outputDir != "" {
		if err := writeSummaryFile(outputDir, s); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (r *Reporter) buildSummary() *Summary {
	s := &Summary{
		RunID:     r.runID,
		StartTime: r.start,
	}
	if r.started {
		s.DurationSeconds = time.Since(r.start).Seconds()
	}

	names := append([]string{}, r.order...)
	sort.Strings(names)
	for _, name := range names {
		rec := r.suites[name]
		ss := SuiteSummary{
			Name:        name,
			Restarts:    rec.restarts,
			Incomplete:  rec.incomplete || !rec.ended,
			Aborted:     rec.aborted,
			AbortReason: rec.abortReason,
		}

		tests := make([]string, 0, len(rec.states))
		for t := range rec.states {
			tests = append(tests, t)
		}
		sort.Strings(tests)
		for _, t := range tests {
			st := rec.states[t]
			ss.Tests = append(ss.Tests, TestSummary{
				Name:            t,
				State:           st.String(),
				DurationSeconds: rec.durations[t].Seconds(),
			})
			switch st {
			case scoreboard.StateSkipped:
				s.Skipped++
			case scoreboard.StateIncomplete:
				// counted through the suite's incomplete flag
			default:
				s.Total++
				if st.Acceptable() {
					s.Passed++
				} else {
					s.Failures = append(s.Failures, name+"."+t)
				}
			}
		}
		if ss.Incomplete {
			s.OverallFailure = true
		}
		s.Suites = append(s.Suites, ss)
	}

	if len(s.Failures) > 0 || s.Total == 0 {
		s.OverallFailure = true
	}
	return s
}

// SummaryFileName is the JSON artifact written by Summarize.
const SummaryFileName = "summary.json"

func writeSummaryFile(outputDir string, s *Summary) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	path := filepath.Join(outputDir, SummaryFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write summary file: %w", err)
	}
	return nil
}
