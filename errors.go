package conductor

import (
	"errors"
	"fmt"
)

// RuntimeError marks an orchestration-level failure: bad configuration, an
// unreadable manifest, a panic during a run. It maps to exit code 2 so CI can
// tell a broken conductor apart from failing tests.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError reports whether err is or wraps a RuntimeError.
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError marks a run whose verdict failed on test outcomes:
// unexpected failures, incomplete suites or an empty run. It maps to exit
// code 1.
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError reports whether err is or wraps a TestFailureError.
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}
