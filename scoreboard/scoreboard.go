// Package scoreboard reconciles declared expectations against observed test
// outcomes for a single suite, across retries.
package scoreboard

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testconductor/conductor/expectation"
	"github.com/testconductor/conductor/types"
)

// State is the reconciled state of one test.
type State int

const (
	// StateIncomplete is the initial state of every registered test and the
	// only state a test re-enters on retry.
	StateIncomplete State = iota
	StateSkipped
	StateExpectedPass
	StateUnexpectedPass
	StateExpectedFlake
	StateExpectedFail
	StateUnexpectedFail
)

func (s State) String() string {
	switch s {
	case StateIncomplete:
		return "INCOMPLETE"
	case StateSkipped:
		return "SKIPPED"
	case StateExpectedPass:
		return "EXPECTED_PASS"
	case StateUnexpectedPass:
		return "UNEXPECTED_PASS"
	case StateExpectedFlake:
		return "EXPECTED_FLAKE"
	case StateExpectedFail:
		return "EXPECTED_FAIL"
	case StateUnexpectedFail:
		return "UNEXPECTED_FAIL"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resolved reports whether the state needs no further retries.
// EXPECTED_FLAKE is soft: it is re-evaluated at finalize and a retry may still
// turn it into a pass.
func (s State) Resolved() bool {
	return s != StateIncomplete && s != StateExpectedFlake
}

// Acceptable reports whether the state counts toward the pass tally.
func (s State) Acceptable() bool {
	switch s {
	case StateExpectedPass, StateExpectedFail, StateUnexpectedPass:
		return true
	default:
		return false
	}
}

// Reporter receives every scoreboard transition. Implementations must be safe
// for use from multiple suites at once; a single scoreboard always calls it
// from one goroutine.
type Reporter interface {
	StartSuite(suite string, tests []string)
	UpdateTest(suite, test string, state State, duration time.Duration)
	RestartSuite(suite string, attempt int, tests []string)
	EndSuite(suite string, states map[string]State)
}

// Transition is the total, deterministic mapping from a declared status and
// an observed outcome to a scoreboard state. Tests declared TIMEOUT or
// NOT_SUPPORTED are expected never to run; when one runs anyway its outcome
// is judged as if it had been declared PASS. This leniency is a documented
// special case inherited from the expectation format.
func Transition(declared expectation.Status, passed bool) State {
	if declared.NeverRuns() {
		declared = expectation.StatusPass
	}
	switch declared {
	case expectation.StatusFlaky:
		if passed {
			return StateExpectedPass
		}
		return StateExpectedFlake
	case expectation.StatusFail:
		if passed {
			return StateUnexpectedPass
		}
		return StateExpectedFail
	default: // PASS
		if passed {
			return StateExpectedPass
		}
		return StateUnexpectedFail
	}
}

// Scoreboard is the per-suite state machine. It is owned and mutated by a
// single driver goroutine; only its Reporter is shared.
type Scoreboard struct {
	suite        string
	expectations *expectation.Map
	reporter     Reporter
	log          log.Logger

	states         map[string]State
	started        map[string]struct{}
	completed      int
	restarts       int
	seenIncomplete map[string]struct{}
	blacklist      map[string]struct{}
}

// New creates a scoreboard for one suite.
func New(suite string, expectations *expectation.Map, reporter Reporter, logger log.Logger) *Scoreboard {
	return &Scoreboard{
		suite:          suite,
		expectations:   expectations,
		reporter:       reporter,
		log:            logger.New("suite", suite),
		states:         make(map[string]State),
		started:        make(map[string]struct{}),
		seenIncomplete: make(map[string]struct{}),
		blacklist:      make(map[string]struct{}),
	}
}

// Suite returns the suite name.
func (b *Scoreboard) Suite() string {
	return b.suite
}

// RegisterTests declares the tests the suite is known to contain. Registered
// tests start INCOMPLETE; tests never started by any attempt end SKIPPED.
func (b *Scoreboard) RegisterTests(names []string) {
	for _, name := range names {
		if _, ok := b.states[name]; !ok {
			b.states[name] = StateIncomplete
		}
	}
}

// Runnable returns the registered tests that are expected to actually run,
// i.e. everything not declared TIMEOUT or NOT_SUPPORTED, sorted.
func (b *Scoreboard) Runnable() []string {
	var names []string
	for name := range b.states {
		if !b.expectations.Resolve(name).Status().NeverRuns() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Start resets the given tests to INCOMPLETE ahead of a (re)run and announces
// the attempt to the reporter.
func (b *Scoreboard) Start(tests []string) {
	for _, name := range tests {
		b.states[name] = StateIncomplete
		b.started[name] = struct{}{}
	}
	b.reporter.StartSuite(b.suite, tests)
}

// Update applies observed results, transitions states and emits one reporter
// event per test. Unregistered tests are registered on the fly.
func (b *Scoreboard) Update(results []types.TestResult) {
	for _, r := range results {
		declared := b.expectations.Resolve(r.Name).Status()
		state := Transition(declared, r.Passed)
		b.states[r.Name] = state
		b.started[r.Name] = struct{}{}
		b.completed++

		// A result, whatever it says, resolves prior incompleteness.
		delete(b.seenIncomplete, r.Name)
		delete(b.blacklist, r.Name)

		b.log.Debug("Test reconciled", "test", r.Name, "declared", declared, "passed", r.Passed, "state", state)
		b.reporter.UpdateTest(b.suite, r.Name, state, r.Duration)
	}
}

// Restart records a retry attempt. A test still INCOMPLETE is noted; a test
// already noted from the previous attempt moves to the permanent blacklist
// and is not retried again this run.
func (b *Scoreboard) Restart(attempt int) {
	b.restarts++
	var incomplete []string
	for name, state := range b.states {
		if state != StateIncomplete {
			continue
		}
		if _, ok := b.started[name]; !ok {
			continue
		}
		incomplete = append(incomplete, name)
		if _, seen := b.seenIncomplete[name]; seen {
			b.log.Warn("Test incomplete twice in a row, blacklisting", "test", name)
			b.blacklist[name] = struct{}{}
		} else {
			b.seenIncomplete[name] = struct{}{}
		}
	}
	sort.Strings(incomplete)
	b.reporter.RestartSuite(b.suite, attempt, incomplete)
}

// Unresolved returns the started tests that still need a retry: INCOMPLETE
// ones and flaky tests that have not passed yet. Blacklisted tests are
// excluded.
func (b *Scoreboard) Unresolved() []string {
	var names []string
	for name, state := range b.states {
		if state.Resolved() {
			continue
		}
		if _, banned := b.blacklist[name]; banned {
			continue
		}
		if _, ok := b.started[name]; !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Blacklisted reports whether the test was permanently excluded from retries.
func (b *Scoreboard) Blacklisted(name string) bool {
	_, ok := b.blacklist[name]
	return ok
}

// HasUnexpectedFailure reports whether any test is currently UNEXPECTED_FAIL.
func (b *Scoreboard) HasUnexpectedFailure() bool {
	for _, state := range b.states {
		if state == StateUnexpectedFail {
			return true
		}
	}
	return false
}

// Incomplete reports whether any started test never resolved.
func (b *Scoreboard) Incomplete() bool {
	for name, state := range b.states {
		if state != StateIncomplete {
			continue
		}
		if _, ok := b.started[name]; ok {
			return true
		}
	}
	return false
}

// Finalize settles the board: tests never started become SKIPPED and flaky
// tests that never produced a pass become UNEXPECTED_FAIL. It emits the final
// state set to the reporter. Call exactly once, after the last attempt.
func (b *Scoreboard) Finalize() {
	for name, state := range b.states {
		switch {
		case state == StateIncomplete && !b.wasStarted(name):
			b.states[name] = StateSkipped
			b.reporter.UpdateTest(b.suite, name, StateSkipped, 0)
		case state == StateExpectedFlake:
			b.log.Warn("Flaky test never passed", "test", name)
			b.states[name] = StateUnexpectedFail
			b.reporter.UpdateTest(b.suite, name, StateUnexpectedFail, 0)
		}
	}
	b.reporter.EndSuite(b.suite, b.States())
}

func (b *Scoreboard) wasStarted(name string) bool {
	_, ok := b.started[name]
	return ok
}

// States returns a copy of the current per-test states.
func (b *Scoreboard) States() map[string]State {
	out := make(map[string]State, len(b.states))
	for name, state := range b.states {
		out[name] = state
	}
	return out
}

// State returns the current state of one test.
func (b *Scoreboard) State(name string) State {
	return b.states[name]
}

// Completed is the number of results applied so far, across all attempts.
func (b *Scoreboard) Completed() int {
	return b.completed
}

// Restarts is the number of retry attempts recorded.
func (b *Scoreboard) Restarts() int {
	return b.restarts
}

// Total is the size of the suite for reporting purposes. A suite that
// registered nothing and reported nothing still counts as one unit of work.
func (b *Scoreboard) Total() int {
	total := b.completed
	if n := len(b.states); n > total {
		total = n
	}
	if total < 1 {
		total = 1
	}
	return total
}
