package conductor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Scheduler triggers run callbacks: once immediately, then periodically in
// continuous mode.
type Scheduler struct {
	interval time.Duration
	runOnce  bool
	logger   log.Logger
	callback func() error

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A zero interval with runOnce false is a
// configuration error caught at Start.
func NewScheduler(interval time.Duration, runOnce bool, logger log.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		runOnce:  runOnce,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// RegisterCallback registers the callback invoked for every scheduled run.
func (s *Scheduler) RegisterCallback(callback func() error) {
	s.callback = callback
}

// Start runs the callback once and, in continuous mode, keeps re-running it
// every interval until Stop or context cancellation. The first run's error is
// returned; later errors are logged and the loop keeps going.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.callback == nil {
		return errors.New("callback must be registered before starting scheduler")
	}
	if !s.runOnce && s.interval <= 0 {
		return errors.New("continuous mode requires a positive interval")
	}

	s.done = make(chan struct{})
	s.running.Store(true)

	if s.runOnce {
		s.logger.Info("Starting scheduler in run-once mode")
		return s.callback()
	}

	s.logger.Info("Starting scheduler in continuous mode", "interval", s.interval)

	if err := s.callback(); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Debug("Starting periodic run goroutine", "interval", s.interval)

		for {
			select {
			case <-time.After(s.interval):
				if !s.running.Load() {
					s.logger.Debug("Scheduler stopped, exiting periodic run goroutine")
					return
				}
				s.logger.Info("Starting periodic run")
				if err := s.callback(); err != nil {
					s.logger.Error("Periodic run failed", "error", err)
				}

			case <-s.done:
				s.logger.Debug("Done signal received, stopping periodic run goroutine")
				return

			case <-ctx.Done():
				s.logger.Debug("Context canceled, stopping periodic run goroutine")
				s.running.Store(false)
				return
			}
		}
	}()

	return nil
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() error {
	if !s.running.Load() {
		s.logger.Debug("Scheduler already stopped, nothing to do")
		return nil
	}

	// Flip the state first so an in-flight tick sees it before the signal.
	s.running.Store(false)
	s.logger.Debug("Sending done signal to goroutines")
	close(s.done)

	return nil
}

// Stopped returns true if the scheduler is stopped.
func (s *Scheduler) Stopped() bool {
	return !s.running.Load()
}

// WaitForShutdown blocks until all scheduler goroutines have terminated or
// the context expires.
func (s *Scheduler) WaitForShutdown(ctx context.Context) error {
	s.logger.Debug("Waiting for scheduler goroutines to terminate")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("All scheduler goroutines terminated")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for scheduler goroutines", "error", ctx.Err())
		return ctx.Err()
	}
}
