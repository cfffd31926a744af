// Package exitcodes defines the conductor process exit codes.
package exitcodes

// Success means every test ended in an acceptable state. TestFailure covers
// unexpected test outcomes, incomplete suites and empty runs. RuntimeErr
// covers orchestration failures such as bad configuration or panics.
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
