package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs one named background task on a fixed interval. The dispatch
// engine uses it to drive periodic recovery sweeps; the task also runs once
// immediately on Start so stalled jobs are picked up right after boot.
type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

func New(name string, interval time.Duration, tickFn func(context.Context)) (*Scheduler, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		done:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("task started", "task", s.name, "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("task stopping", "task", s.name)
				return
			case <-ticker.C:
				s.safeTick(ctx)
			case <-s.kick:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("task stopped", "task", s.name)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// TickNow requests an out-of-band run of the task. It never blocks; when a
// kick is already queued the request coalesces into it.
func (s *Scheduler) TickNow() bool {
	if !s.running.Load() {
		return false
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task tick panic recovered", "task", s.name, "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	slog.Info("task tick completed", "task", s.name, "duration_ms", time.Since(start).Milliseconds())
}
