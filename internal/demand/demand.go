// Package demand recomputes topic demand multipliers from recent
// contribution volume.
package demand

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/wctlabs/wikirewards/internal/contributions"
	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/scoring"
)

// DefaultLookback is the window of recent contributions counted per topic.
const DefaultLookback = 30 * 24 * time.Hour

// Threshold is the minimum change that is written back. Smaller moves are noise.
const Threshold = 0.1

// Store is the subset of the contributions store the updater needs.
type Store interface {
	GetTopic(ctx context.Context, id string) (*contributions.Topic, error)
	ListTopics(ctx context.Context) ([]*contributions.Topic, error)
	CountTopicEventsSince(ctx context.Context, topicID string, since time.Time) (int, error)
	SetDemand(ctx context.Context, id string, multiplier float64) error
}

// Multiplier maps a recent contribution count to a demand multiplier:
// 1.0 for no activity, else 1.0 + min(1.5, count/10).
func Multiplier(recentCount int) float64 {
	if recentCount <= 0 {
		return scoring.DefaultMultiplier
	}
	m := 1.0 + math.Min(1.5, float64(recentCount)/10)
	return scoring.Clamp(m, scoring.MinDemand, scoring.MaxDemand)
}

// Result describes one topic's recomputation.
type Result struct {
	TopicID     string  `json:"topicId"`
	RecentCount int     `json:"recentCount"`
	Previous    float64 `json:"previous"`
	Multiplier  float64 `json:"multiplier"`
	Persisted   bool    `json:"persisted"`
}

// Summary aggregates a batch recomputation.
type Summary struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Updater recomputes topic demand multipliers.
type Updater struct {
	store    Store
	lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewUpdater creates an updater counting contributions within lookback.
func NewUpdater(store Store, lookback time.Duration, logger *slog.Logger) *Updater {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Updater{store: store, lookback: lookback, logger: logger, now: time.Now}
}

// Update recomputes a topic's multiplier, persisting it only when it moved
// by more than Threshold. The computed multiplier is returned either way.
func (u *Updater) Update(ctx context.Context, topicID string) (*Result, error) {
	topic, err := u.store.GetTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	count, err := u.store.CountTopicEventsSince(ctx, topicID, u.now().Add(-u.lookback))
	if err != nil {
		return nil, fmt.Errorf("count recent contributions for %s: %w", topicID, err)
	}

	res := &Result{
		TopicID:     topicID,
		RecentCount: count,
		Previous:    topic.DemandMultiplier,
		Multiplier:  Multiplier(count),
	}
	if math.Abs(res.Multiplier-res.Previous) <= Threshold {
		metrics.DemandUpdatesTotal.WithLabelValues("skipped").Inc()
		return res, nil
	}

	if err := u.store.SetDemand(ctx, topicID, res.Multiplier); err != nil {
		return nil, fmt.Errorf("persist demand for %s: %w", topicID, err)
	}
	res.Persisted = true
	metrics.DemandUpdatesTotal.WithLabelValues("persisted").Inc()
	return res, nil
}

// UpdateAll recomputes every topic, continuing past per-topic failures.
func (u *Updater) UpdateAll(ctx context.Context) (Summary, error) {
	var summary Summary
	topics, err := u.store.ListTopics(ctx)
	if err != nil {
		return summary, fmt.Errorf("list topics: %w", err)
	}

	for _, t := range topics {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		res, err := u.Update(ctx, t.ID)
		if err != nil {
			summary.Failed++
			u.logger.Warn("demand update failed", "topicId", t.ID, "error", err)
			continue
		}
		if res.Persisted {
			summary.Updated++
		} else {
			summary.Skipped++
		}
	}
	return summary, nil
}
