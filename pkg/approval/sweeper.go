package approval

import (
	"context"
	"sync"
	"time"
)

// Sweeper periodically expires overdue requests in the background
type Sweeper struct {
	engine   *Engine
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper; a non-positive interval uses the
// engine's configured sweep interval
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = e.cfg.SweepInterval
	}
	return &Sweeper{engine: e, interval: interval}
}

// Start begins sweeping. Calling Start on a running sweeper does nothing.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.stopCh, s.doneCh)
}

// Stop halts sweeping and waits for an in-progress sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

func (s *Sweeper) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(stop)
		case <-stop:
			return
		}
	}
}

func (s *Sweeper) sweep(stop <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	n, err := s.engine.SweepExpired(ctx)
	if err != nil {
		s.engine.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		s.engine.logger.Info().Int("expired", n).Msg("expiry sweep completed")
	}
}
