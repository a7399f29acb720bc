package routines

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler fires time-triggered routines. It wakes on minute
// boundaries so a trigger at "07:30" fires once during 07:30, never
// twice and never at 07:30:59 plus drift.
type Scheduler struct {
	store    *Store
	executor *Executor
	loc      func() *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler builds a scheduler. loc supplies the assistant's
// timezone on every tick so a config reload takes effect without a
// restart.
func NewScheduler(s *Store, e *Executor, loc func() *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	return &Scheduler{store: s, executor: e, loc: loc, logger: logger}
}

// Start launches the scheduler loop. Starting an already-running
// scheduler logs a warning and does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Warn("routine scheduler already running")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	s.logger.Info("routine scheduler started")

	for {
		now := time.Now().In(s.loc())
		next := now.Truncate(time.Minute).Add(time.Minute)

		select {
		case <-ctx.Done():
			s.logger.Info("routine scheduler stopped")
			return
		case <-time.After(next.Sub(now)):
		}

		s.tick(ctx, time.Now().In(s.loc()))
	}
}

// tick evaluates every runnable routine against the current minute.
// A time routine already stamped in this same minute is skipped, so
// an overlapping manual execution cannot double-fire it.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	rs, err := s.store.ListRunnable()
	if err != nil {
		s.logger.Error("scheduler list failed", "error", err)
		return
	}

	minute := now.Truncate(time.Minute)
	for _, r := range rs {
		if r.TriggerType != TriggerTimeBased && r.TriggerType != TriggerRelativeTimeBased {
			continue
		}
		if !Matches(r.Trigger, MatchContext{Now: now}) {
			continue
		}
		if r.LastExecuted != nil && !r.LastExecuted.In(s.loc()).Truncate(time.Minute).Before(minute) {
			continue
		}
		if err := s.executor.Execute(ctx, r.ID); err != nil {
			s.logger.Error("scheduled routine failed", "routine", r.Name, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
