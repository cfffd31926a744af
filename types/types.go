// Package types holds the small data types shared across conductor packages.
package types

import (
	"fmt"
	"time"
)

// TestResult is one reported outcome of a single test within a suite run.
// A suite runner may report the same test again on a later attempt.
type TestResult struct {
	Name     string
	Passed   bool
	Duration time.Duration
}

func (r TestResult) String() string {
	outcome := "fail"
	if r.Passed {
		outcome = "pass"
	}
	return fmt.Sprintf("%s=%s (%.3fs)", r.Name, outcome, r.Duration.Seconds())
}
