package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Purger deletes notifications older than a retention window.
type Purger interface {
	PurgeOlderThan(ctx context.Context, window time.Duration) (int64, error)
}

// Sweeper periodically purges notifications past the retention window.
type Sweeper struct {
	purger   Purger
	window   time.Duration
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a new Sweeper.
func NewSweeper(purger Purger, window, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		purger:   purger,
		window:   window,
		interval: interval,
		log:      log.With(slog.String("component", "sweeper")),
	}
}

// Start begins the tick loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.tickLoop(ctx, s.done)
	s.log.Info("retention sweeper started", "window", s.window, "interval", s.interval)
}

// Stop ends the tick loop and waits for a running sweep to finish.
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

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.purger.PurgeOlderThan(ctx, s.window)
	if err != nil {
		s.log.Error("retention sweep failed", "error", err)
		return 0, err
	}
	s.log.Info("deleted old notifications", "count", n)
	return n, nil
}

func (s *Sweeper) tickLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}
