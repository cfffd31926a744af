package conductor

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/testconductor/conductor/reporter"
)

// ResultFormatter is responsible for formatting and displaying run results.
type ResultFormatter interface {
	FormatResults(summary *reporter.Summary) error
}

// ConsoleResultFormatter implements the ResultFormatter interface.
type ConsoleResultFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleResultFormatter creates a new ConsoleResultFormatter.
func NewConsoleResultFormatter(logger log.Logger, out io.Writer) *ConsoleResultFormatter {
	return &ConsoleResultFormatter{
		logger: logger,
		out:    out,
	}
}

// FormatResults renders the per-suite and per-test outcomes as a table.
func (f *ConsoleResultFormatter) FormatResults(summary *reporter.Summary) error {
	f.logger.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(f.out)
	t.SetTitle(fmt.Sprintf("Suite Run Results (%s)", formatSeconds(summary.DurationSeconds)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Restarts", "State", "Verdict",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Restarts", Align: text.AlignRight},
	})

	for _, suite := range summary.Suites {
		t.AppendRow(table.Row{
			"Suite",
			suite.Name,
			"",
			suite.Restarts,
			suiteStateString(suite),
			suiteVerdictString(suite),
		})

		for i, tc := range suite.Tests {
			prefix := "├─"
			if i == len(suite.Tests)-1 {
				prefix = "└─"
			}
			t.AppendRow(table.Row{
				"",
				fmt.Sprintf("%s %s", prefix, tc.Name),
				formatSeconds(tc.DurationSeconds),
				"",
				tc.State,
				testVerdictString(tc.State),
			})
		}

		t.AppendSeparator()
	}

	if summary.OverallFailure {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	verdict := "✓ pass"
	if summary.OverallFailure {
		verdict = "✗ fail"
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d tests (%d skipped)", summary.Total, summary.Skipped),
		formatSeconds(summary.DurationSeconds),
		"",
		fmt.Sprintf("%d/%d acceptable", summary.Passed, summary.Total),
		verdict,
	})

	t.Render()

	for _, name := range summary.Failures {
		fmt.Fprintf(f.out, "FAIL: %s\n", name)
	}
	return nil
}

func suiteStateString(s reporter.SuiteSummary) string {
	switch {
	case s.Aborted:
		return "ABORTED"
	case s.Incomplete:
		return "INCOMPLETE"
	default:
		return "COMPLETE"
	}
}

func suiteVerdictString(s reporter.SuiteSummary) string {
	if s.Incomplete || s.Aborted {
		return "✗ fail"
	}
	for _, tc := range s.Tests {
		if tc.State == "UNEXPECTED_FAIL" {
			return "✗ fail"
		}
	}
	return "✓ pass"
}

func testVerdictString(state string) string {
	switch state {
	case "EXPECTED_PASS", "EXPECTED_FAIL", "UNEXPECTED_PASS":
		return "✓ pass"
	case "SKIPPED":
		return "- skip"
	default:
		return "✗ fail"
	}
}

// formatSeconds renders a duration in seconds with one decimal place.
func formatSeconds(seconds float64) string {
	return fmt.Sprintf("%.1fs", seconds)
}
