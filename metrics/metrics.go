// Package metrics exposes Prometheus metrics for conductor runs.
package metrics

import (
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "conductor"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	testStatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_states_total",
		Help:      "Count of test results by reconciled state",
	}, []string{
		"run_id",
		"suite",
		"state",
	})

	suiteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "suite_retries_total",
		Help:      "Count of suite retry attempts",
	}, []string{
		"suite",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of an orchestrated run",
	}, []string{
		"run_id",
		"result",
	})

	runTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests_total",
		Help:      "Total number of tests in a run",
	}, []string{
		"run_id",
	})

	runTestsPassed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests_passed",
		Help:      "Number of tests ending in an acceptable state",
	}, []string{
		"run_id",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of a run",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	RecordError(label + "." + errToLabel(err))
}

// RecordTestState counts one reconciled test transition.
func RecordTestState(runID, suite, state string) {
	if Debug {
		log.Debug("metric inc",
			"m", "test_states_total",
			"run_id", runID,
			"suite", suite,
			"state", state)
	}
	testStatesTotal.WithLabelValues(runID, suite, state).Inc()
}

// RecordRetry counts one retry attempt for a suite.
func RecordRetry(suite string) {
	suiteRetriesTotal.WithLabelValues(suite).Inc()
}

// RecordRun records the aggregate outcome of a whole run.
func RecordRun(runID string, failed bool, passed, total int, duration time.Duration) {
	result := "pass"
	if failed {
		result = "fail"
	}
	runResults.WithLabelValues(runID, result).Set(1)
	runTestsTotal.WithLabelValues(runID).Add(float64(total))
	runTestsPassed.WithLabelValues(runID).Add(float64(passed))
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
