package harness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// RunScheduler decides when the engine runs the registry.
type RunScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RegisterCallback(func(ctx context.Context) error)
	WaitForShutdown(ctx context.Context) error
	Stopped() bool
}

// RunFunc performs one run of the registry.
type RunFunc func(ctx context.Context) error

// PeriodicScheduler performs one run when started and, unless in run-once
// mode, one more run per interval until stopped or its context ends.
type PeriodicScheduler struct {
	interval time.Duration
	runOnce  bool
	log      log.Logger
	run      RunFunc

	active    atomic.Bool
	iteration atomic.Uint64
	stop      chan struct{}
	loop      sync.WaitGroup
}

// NewPeriodicScheduler creates a scheduler. A zero interval is only valid in
// run-once mode.
func NewPeriodicScheduler(interval time.Duration, runOnce bool, logger log.Logger) *PeriodicScheduler {
	return &PeriodicScheduler{
		interval: interval,
		runOnce:  runOnce,
		log:      logger,
		stop:     make(chan struct{}),
	}
}

// RegisterCallback sets the function performing a run.
func (s *PeriodicScheduler) RegisterCallback(run func(ctx context.Context) error) {
	s.run = run
}

// Start performs the first run synchronously and returns its error. In
// periodic mode later runs happen on a background loop, and their errors are
// logged rather than returned.
func (s *PeriodicScheduler) Start(ctx context.Context) error {
	switch {
	case s.run == nil:
		return errors.New("callback must be registered before starting scheduler")
	case !s.runOnce && s.interval <= 0:
		return errors.New("run interval must be positive in periodic mode")
	}

	s.stop = make(chan struct{})
	s.active.Store(true)

	if err := s.next(ctx); err != nil || s.runOnce {
		s.active.Store(false)
		return err
	}

	s.loop.Add(1)
	go s.repeat(ctx)
	return nil
}

// next performs a single numbered run.
func (s *PeriodicScheduler) next(ctx context.Context) error {
	n := s.iteration.Add(1)
	s.log.Info("Starting run", "iteration", n, "runOnce", s.runOnce)
	return s.run(ctx)
}

func (s *PeriodicScheduler) repeat(ctx context.Context) {
	defer s.loop.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Debug("Waiting for next run", "interval", s.interval)
	for {
		select {
		case <-s.stop:
			s.log.Debug("Run loop stopped")
			return
		case <-ctx.Done():
			s.log.Debug("Run loop context ended", "err", ctx.Err())
			s.active.Store(false)
			return
		case <-ticker.C:
			if !s.active.Load() {
				return
			}
			if err := s.next(ctx); err != nil {
				// A failing run never ends the schedule; the next tick retries.
				s.log.Error("Scheduled run failed", "iteration", s.iteration.Load(), "err", err)
			}
		}
	}
}

// Stop ends the run loop. A run in progress completes first.
func (s *PeriodicScheduler) Stop() error {
	if s.active.CompareAndSwap(true, false) {
		close(s.stop)
	}
	return nil
}

// Stopped reports whether no further runs will be scheduled.
func (s *PeriodicScheduler) Stopped() bool {
	return !s.active.Load()
}

// Iterations returns the number of runs started so far.
func (s *PeriodicScheduler) Iterations() uint64 {
	return s.iteration.Load()
}

// WaitForShutdown blocks until the run loop has exited or ctx ends.
func (s *PeriodicScheduler) WaitForShutdown(ctx context.Context) error {
	exited := make(chan struct{})
	go func() {
		s.loop.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for run loop to exit", "err", ctx.Err())
		return ctx.Err()
	}
}
