package reporter

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testconductor/conductor/scoreboard"
)

// DefaultProgressInterval is the heartbeat period of the progress logger.
const DefaultProgressInterval = 30 * time.Second

// ProgressLogger is an observer that narrates the run on the structured log:
// one line per suite boundary and unexpected result, plus a periodic heartbeat
// so long quiet stretches still show the run is alive.
type ProgressLogger struct {
	log      log.Logger
	interval time.Duration

	mu          sync.Mutex
	totalSuites int
	endedSuites int
	finished    int
	failures    int

	stop      chan struct{}
	stopOnce  sync.Once
	heartbeat bool
	done      chan struct{}
}

// NewProgressLogger creates a progress observer. A non-positive interval
// disables the heartbeat.
func NewProgressLogger(logger log.Logger, interval time.Duration) *ProgressLogger {
	return &ProgressLogger{
		log:      logger.New("component", "progress"),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *ProgressLogger) RunStarted(runID string, suites int) {
	p.mu.Lock()
	p.totalSuites = suites
	p.mu.Unlock()
	p.log.Info("Run started", "run_id", runID, "suites", suites)

	if p.interval <= 0 {
		return
	}
	p.mu.Lock()
	p.heartbeat = true
	p.mu.Unlock()
	go p.runHeartbeat()
}

func (p *ProgressLogger) runHeartbeat() {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.mu.Lock()
			ended, total, finished, failures := p.endedSuites, p.totalSuites, p.finished, p.failures
			p.mu.Unlock()
			p.log.Info("Run in progress",
				"suites_done", ended,
				"suites_total", total,
				"tests_finished", finished,
				"unexpected_failures", failures)
		case <-p.stop:
			return
		}
	}
}

func (p *ProgressLogger) SuiteStarted(suite string, tests []string) {
	p.log.Info("Suite started", "suite", suite, "tests", len(tests))
}

func (p *ProgressLogger) SuiteRestarted(suite string, attempt int, tests []string) {
	p.log.Warn("Suite restarted", "suite", suite, "attempt", attempt, "tests", len(tests))
}

func (p *ProgressLogger) TestFinished(suite, test string, state scoreboard.State, duration time.Duration) {
	p.mu.Lock()
	p.finished++
	if !state.Acceptable() {
		p.failures++
	}
	p.mu.Unlock()

	if state == scoreboard.StateUnexpectedFail {
		p.log.Warn("Unexpected failure", "suite", suite, "test", test, "duration", duration)
	} else {
		p.log.Debug("Test finished", "suite", suite, "test", test, "state", state, "duration", duration)
	}
}

func (p *ProgressLogger) SuiteAborted(suite, reason string) {
	p.log.Warn("Suite aborted", "suite", suite, "reason", reason)
}

func (p *ProgressLogger) SuiteEnded(suite string, states map[string]scoreboard.State) {
	p.mu.Lock()
	p.endedSuites++
	ended, total := p.endedSuites, p.totalSuites
	p.mu.Unlock()
	p.log.Info("Suite ended", "suite", suite, "tests", len(states), "suites_done", ended, "suites_total", total)
}

func (p *ProgressLogger) RunEnded(summary *Summary) {
	p.stopOnce.Do(func() { close(p.stop) })
	p.mu.Lock()
	hb := p.heartbeat
	p.mu.Unlock()
	if hb {
		<-p.done
	}

	lg := p.log.Info
	if summary.OverallFailure {
		lg = p.log.Error
	}
	lg("Run finished",
		"run_id", summary.RunID,
		"passed", summary.Passed,
		"total", summary.Total,
		"skipped", summary.Skipped,
		"failures", len(summary.Failures),
		"duration", time.Duration(summary.DurationSeconds*float64(time.Second)).Truncate(time.Millisecond))
}
