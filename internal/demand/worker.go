package demand

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker periodically recomputes demand for all topics.
type Worker struct {
	updater  *Updater
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWorker creates a demand worker.
func NewWorker(updater *Updater, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		updater:  updater,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Start begins the update loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on start
	w.safeRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in demand worker", "panic", fmt.Sprint(r))
		}
	}()

	summary, err := w.updater.UpdateAll(ctx)
	if err != nil {
		w.logger.Warn("demand update run failed", "error", err)
		return
	}
	w.logger.Info("demand update completed",
		"updated", summary.Updated, "skipped", summary.Skipped, "failed", summary.Failed)
}
