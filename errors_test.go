package conductor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeErrorWrapping(t *testing.T) {
	base := errors.New("manifest unreadable")
	err := fmt.Errorf("starting run: %w", NewRuntimeError(base))

	assert.True(t, IsRuntimeError(err))
	assert.False(t, IsTestFailureError(err))
	assert.ErrorIs(t, err, base, "the cause must stay reachable through the wrapper")
}

func TestTestFailureErrorWrapping(t *testing.T) {
	err := fmt.Errorf("run finished: %w", NewTestFailureError("3 unexpected failures"))

	assert.True(t, IsTestFailureError(err))
	assert.False(t, IsRuntimeError(err))
	assert.Contains(t, err.Error(), "3 unexpected failures")
}

func TestErrorPredicatesOnNil(t *testing.T) {
	assert.False(t, IsRuntimeError(nil))
	assert.False(t, IsTestFailureError(nil))
}
