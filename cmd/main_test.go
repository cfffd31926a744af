package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conductor "github.com/testconductor/conductor"
	"github.com/testconductor/conductor/exitcodes"
)

func TestExitCodeForError(t *testing.T) {
	assert.Equal(t, exitcodes.RuntimeErr,
		exitCodeForError(conductor.NewRuntimeError(errors.New("bad manifest"))))
	assert.Equal(t, exitcodes.TestFailure,
		exitCodeForError(conductor.NewTestFailureError("2 unexpected failures")))
	assert.Equal(t, exitcodes.TestFailure,
		exitCodeForError(errors.New("something else")))
}

func TestLevelFromString(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"trace": log.LevelTrace,
		"debug": log.LevelDebug,
		"info":  log.LevelInfo,
		"WARN":  log.LevelWarn,
		"error": log.LevelError,
		"crit":  log.LevelCrit,
	} {
		lvl, err := levelFromString(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, lvl, name)
	}

	_, err := levelFromString("loud")
	require.Error(t, err)
}
