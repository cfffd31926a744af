package conductor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRequiresCallback(t *testing.T) {
	s := NewScheduler(time.Second, true, log.Root())
	require.Error(t, s.Start(context.Background()))
}

func TestSchedulerContinuousRequiresInterval(t *testing.T) {
	s := NewScheduler(0, false, log.Root())
	s.RegisterCallback(func() error { return nil })
	require.Error(t, s.Start(context.Background()))
}

func TestSchedulerRunOnce(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(0, true, log.Root())
	s.RegisterCallback(func() error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
}

func TestSchedulerRunOncePropagatesError(t *testing.T) {
	wantErr := errors.New("manifest exploded")
	s := NewScheduler(0, true, log.Root())
	s.RegisterCallback(func() error { return wantErr })
	require.ErrorIs(t, s.Start(context.Background()), wantErr)
}

func TestSchedulerContinuousRunsPeriodically(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(20*time.Millisecond, false, log.Root())
	s.RegisterCallback(func() error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.True(t, s.Stopped())
	require.NoError(t, s.WaitForShutdown(context.Background()))
}

func TestSchedulerLaterErrorsDoNotStopLoop(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(10*time.Millisecond, false, log.Root())
	s.RegisterCallback(func() error {
		if runs.Add(1) > 1 {
			return errors.New("flaky infrastructure")
		}
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.WaitForShutdown(context.Background()))
}

func TestSchedulerStopTwice(t *testing.T) {
	s := NewScheduler(time.Hour, false, log.Root())
	s.RegisterCallback(func() error { return nil })
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSchedulerContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(time.Hour, false, log.Root())
	s.RegisterCallback(func() error { return nil })
	require.NoError(t, s.Start(ctx))
	cancel()
	require.NoError(t, s.WaitForShutdown(context.Background()))
	assert.Eventually(t, s.Stopped, time.Second, 5*time.Millisecond)
}
