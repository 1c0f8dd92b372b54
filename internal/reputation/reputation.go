// Package reputation recomputes contributor reputation multipliers from
// the quality of their recent contributions.
//
// The multiplier is the mean quality multiplier of the contributor's last N
// events, mapped linearly from the quality domain [0.5, 3.0] onto the
// reputation domain [0.8, 1.5]. Updating never rewrites the reputation
// snapshot stored on past events.
package reputation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wctlabs/wikirewards/internal/contributions"
	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/scoring"
)

// DefaultHistory is the number of recent events considered.
const DefaultHistory = 100

// Store is the subset of the contributions store the updater needs.
type Store interface {
	GetContributor(ctx context.Context, id string) (*contributions.Contributor, error)
	ListContributorIDs(ctx context.Context) ([]string, error)
	RecentEvents(ctx context.Context, contributorID string, limit int) ([]*contributions.Event, error)
	SetReputation(ctx context.Context, id string, multiplier float64) error
}

// Multiplier maps a mean quality multiplier onto the reputation domain.
func Multiplier(meanQuality float64) float64 {
	span := (meanQuality - scoring.MinQuality) / (scoring.MaxQuality - scoring.MinQuality)
	m := scoring.MinReputation + span*(scoring.MaxReputation-scoring.MinReputation)
	return scoring.Clamp(m, scoring.MinReputation, scoring.MaxReputation)
}

// Result describes one contributor's recomputation.
type Result struct {
	ContributorID string  `json:"contributorId"`
	Multiplier    float64 `json:"multiplier"`
	Events        int     `json:"events"`
	Persisted     bool    `json:"persisted"`
}

// Summary aggregates a batch recomputation.
type Summary struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Updater recomputes reputation multipliers. Safe to re-run.
type Updater struct {
	store   Store
	history int
	logger  *slog.Logger
}

// NewUpdater creates an updater considering the last history events per contributor.
func NewUpdater(store Store, history int, logger *slog.Logger) *Updater {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Updater{store: store, history: history, logger: logger}
}

// Update recomputes and persists one contributor's multiplier.
// A contributor with no events keeps their multiplier and 1.0 is returned.
func (u *Updater) Update(ctx context.Context, contributorID string) (*Result, error) {
	events, err := u.store.RecentEvents(ctx, contributorID, u.history)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", contributorID, err)
	}
	if len(events) == 0 {
		if _, err := u.store.GetContributor(ctx, contributorID); err != nil {
			return nil, fmt.Errorf("load contributor %s: %w", contributorID, err)
		}
		return &Result{ContributorID: contributorID, Multiplier: scoring.DefaultMultiplier}, nil
	}

	var sum float64
	for _, ev := range events {
		sum += ev.QualityMultiplier
	}
	m := Multiplier(sum / float64(len(events)))

	if err := u.store.SetReputation(ctx, contributorID, m); err != nil {
		return nil, fmt.Errorf("persist reputation for %s: %w", contributorID, err)
	}
	metrics.ReputationUpdatesTotal.Inc()

	return &Result{ContributorID: contributorID, Multiplier: m, Events: len(events), Persisted: true}, nil
}

// UpdateAll recomputes every contributor. A failure on one contributor is
// logged and counted; the batch continues.
func (u *Updater) UpdateAll(ctx context.Context) (Summary, error) {
	var summary Summary
	ids, err := u.store.ListContributorIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("list contributors: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		res, err := u.Update(ctx, id)
		if err != nil {
			summary.Failed++
			u.logger.Warn("reputation update failed", "contributorId", id, "error", err)
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
