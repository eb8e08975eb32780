package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs ClearAbandoned on a fixed interval until stopped.
type Sweeper struct {
	manager  *Manager
	interval time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{manager: m, interval: interval}
}

// Start launches the sweep loop; the first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})

	slog.Info("abandoned trial sweeper starting", "interval", s.interval.String())
	s.wg.Add(1)
	go s.loop(ctx, s.done)
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish. Safe to call twice.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
}

// RunNow sweeps once outside the schedule.
func (s *Sweeper) RunNow(ctx context.Context) (int, error) {
	return s.manager.ClearAbandoned(ctx)
}

func (s *Sweeper) loop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("abandoned trial sweeper stopped (context cancelled)")
			return
		case <-done:
			slog.Info("abandoned trial sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.manager.ClearAbandoned(ctx); err != nil && ctx.Err() == nil {
		slog.Error("abandoned trial sweep failed", "error", err)
	}
}
