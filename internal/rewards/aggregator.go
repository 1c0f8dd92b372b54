package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/wctlabs/wikirewards/internal/contributions"
	"github.com/wctlabs/wikirewards/internal/traces"
)

// EventSource is the read side of the contribution store.
type EventSource interface {
	EventsInWindow(ctx context.Context, start, end time.Time) ([]*contributions.Event, error)
	GetContributors(ctx context.Context, ids []string) (map[string]*contributions.Contributor, error)
}

// ContributorPoints is one contributor's share of a window.
type ContributorPoints struct {
	Points        int64  `json:"points"`
	Events        int    `json:"events"`
	WalletAddress string `json:"walletAddress"`
}

// Aggregate is the points earned in a window.
type Aggregate struct {
	WindowStart    time.Time                    `json:"windowStart"`
	WindowEnd      time.Time                    `json:"windowEnd"`
	PerContributor map[string]ContributorPoints `json:"perContributor"`
	TotalPoints    int64                        `json:"totalPoints"`
}

// Aggregator sums contribution points per contributor.
type Aggregator struct {
	source EventSource
}

// NewAggregator creates an aggregator reading from source.
func NewAggregator(source EventSource) *Aggregator {
	return &Aggregator{source: source}
}

// Aggregate sums points for events with createdAt in [start, end) and
// attaches each contributor's current wallet. An empty or inverted window
// yields an empty aggregate.
func (a *Aggregator) Aggregate(ctx context.Context, start, end time.Time) (*Aggregate, error) {
	ctx, span := traces.StartSpan(ctx, "rewards.Aggregate")
	defer span.End()

	agg := &Aggregate{
		WindowStart:    start,
		WindowEnd:      end,
		PerContributor: make(map[string]ContributorPoints),
	}
	if !end.After(start) {
		return agg, nil
	}

	events, err := a.source.EventsInWindow(ctx, start, end)
	if err != nil {
		traces.Fail(span, err, "load events")
		return nil, fmt.Errorf("load events: %w", err)
	}

	var ids []string
	for _, ev := range events {
		cp, seen := agg.PerContributor[ev.ContributorID]
		if !seen {
			ids = append(ids, ev.ContributorID)
		}
		cp.Points += ev.TotalPoints
		cp.Events++
		agg.PerContributor[ev.ContributorID] = cp
		agg.TotalPoints += ev.TotalPoints
	}
	if len(ids) == 0 {
		return agg, nil
	}

	contributors, err := a.source.GetContributors(ctx, ids)
	if err != nil {
		traces.Fail(span, err, "load contributors")
		return nil, fmt.Errorf("load contributors: %w", err)
	}
	for id, cp := range agg.PerContributor {
		if c, ok := contributors[id]; ok {
			cp.WalletAddress = c.WalletAddress
			agg.PerContributor[id] = cp
		}
	}
	return agg, nil
}
