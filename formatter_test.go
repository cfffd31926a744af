package conductor

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testconductor/conductor/reporter"
)

func sampleSummary(failure bool) *reporter.Summary {
	s := &reporter.Summary{
		RunID:           "run-1",
		DurationSeconds: 12.3,
		Total:           2,
		Passed:          2,
		Suites: []reporter.SuiteSummary{
			{
				Name:     "network.wifi",
				Restarts: 1,
				Tests: []reporter.TestSummary{
					{Name: "Connect", State: "EXPECTED_PASS", DurationSeconds: 1.5},
					{Name: "Roam", State: "EXPECTED_FAIL", DurationSeconds: 2.0},
				},
			},
		},
	}
	if failure {
		s.OverallFailure = true
		s.Passed = 1
		s.Failures = []string{"network.wifi.Roam"}
		s.Suites[0].Tests[1].State = "UNEXPECTED_FAIL"
	}
	return s
}

func TestFormatResultsPassingRun(t *testing.T) {
	var buf bytes.Buffer
	f := NewConsoleResultFormatter(log.Root(), &buf)
	require.NoError(t, f.FormatResults(sampleSummary(false)))

	out := buf.String()
	assert.Contains(t, out, "network.wifi")
	assert.Contains(t, out, "Connect")
	assert.Contains(t, out, "EXPECTED_PASS")
	// The footer is style-cased by the table renderer.
	assert.Contains(t, strings.ToLower(out), "2/2 acceptable")
	assert.NotContains(t, out, "FAIL: ")
}

func TestFormatResultsFailingRun(t *testing.T) {
	var buf bytes.Buffer
	f := NewConsoleResultFormatter(log.Root(), &buf)
	require.NoError(t, f.FormatResults(sampleSummary(true)))

	out := buf.String()
	assert.Contains(t, out, "UNEXPECTED_FAIL")
	assert.Contains(t, strings.ToLower(out), "1/2 acceptable")
	assert.Contains(t, out, "FAIL: network.wifi.Roam")
}

func TestSuiteVerdicts(t *testing.T) {
	assert.Equal(t, "✓ pass", suiteVerdictString(reporter.SuiteSummary{}))
	assert.Equal(t, "✗ fail", suiteVerdictString(reporter.SuiteSummary{Incomplete: true}))
	assert.Equal(t, "✗ fail", suiteVerdictString(reporter.SuiteSummary{Aborted: true}))
	assert.Equal(t, "✗ fail", suiteVerdictString(reporter.SuiteSummary{
		Tests: []reporter.TestSummary{{State: "UNEXPECTED_FAIL"}},
	}))

	assert.Equal(t, "✓ pass", testVerdictString("UNEXPECTED_PASS"))
	assert.Equal(t, "- skip", testVerdictString("SKIPPED"))
	assert.Equal(t, "✗ fail", testVerdictString("INCOMPLETE"))
}
