package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically tears down sessions idle beyond the timeout.
type Sweeper struct {
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
	onSweep     func(ids []string)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(registry *Registry, interval, idleTimeout time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// OnSweep registers a callback receiving the ids removed by each sweep.
func (s *Sweeper) OnSweep(fn func(ids []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSweep = fn
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.registry == nil {
		return errors.New("sweeper: nil registry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	s.logger.Info("session sweeper started", "interval", s.interval.String(), "idle_timeout", s.idleTimeout.String())
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := s.sweepOnce(ctx)
			if err != nil {
				s.logger.Error("session sweep failed", "error", err)
				continue
			}
			if len(ids) > 0 {
				s.logger.Info("session sweep removed idle sessions", "count", len(ids))
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) (ids []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panic: %v", r)
		}
	}()
	ids = s.registry.Sweep(ctx, s.idleTimeout)

	s.mu.Lock()
	hook := s.onSweep
	s.mu.Unlock()
	if hook != nil {
		hook(ids)
	}
	return ids, nil
}
