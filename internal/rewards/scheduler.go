package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// windowAnchor is a Monday 00:00 UTC; windows are anchor + k × length.
var windowAnchor = time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)

// LastCompleteWindow returns the most recent window of the given length that
// ended at or before now.
func LastCompleteWindow(now time.Time, length time.Duration) (time.Time, time.Time) {
	elapsed := now.UTC().Sub(windowAnchor)
	k := elapsed / length
	end := windowAnchor.Add(k * length)
	return end.Add(-length), end
}

// Scheduler periodically resumes interrupted runs and distributes the most
// recent complete window.
type Scheduler struct {
	service  *Service
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
}

// NewScheduler creates a new distribution scheduler.
func NewScheduler(service *Service, window, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		window:   window,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// Start begins the scheduling loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.safeTick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in distribution scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	resumed, err := s.service.ResumeIncomplete(ctx)
	if err != nil {
		s.logger.Warn("failed to resume distribution runs", "error", err)
	}
	for _, run := range resumed {
		s.logger.Info("resumed distribution run", "runId", run.ID, "status", run.Status)
	}

	start, end := LastCompleteWindow(s.now(), s.window)
	run, err := s.service.DistributeWindow(ctx, start, end)
	switch {
	case err == nil:
		s.logger.Info("distributed window",
			"runId", run.ID,
			"windowStart", start,
			"windowEnd", end,
			"status", run.Status,
		)
	case errors.Is(err, ErrNothingToDistribute),
		errors.Is(err, ErrRunExists),
		errors.Is(err, ErrOverlappingRun),
		errors.Is(err, ErrRunInProgress),
		errors.Is(err, ErrRunTerminal):
		s.logger.Debug("no distribution due", "windowStart", start, "windowEnd", end, "reason", err)
	default:
		s.logger.Warn("failed to distribute window",
			"windowStart", start,
			"windowEnd", end,
			"error", err,
		)
	}
}
