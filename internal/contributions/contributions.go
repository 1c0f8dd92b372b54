// Package contributions records wiki contributions and the contributor and
// topic state that scoring depends on.
//
// Flow:
//  1. Contributor is registered with a wallet address
//  2. Topics are created and content items tagged with them
//  3. Each contribution is scored once at submission and stored as an
//     immutable event; the contributor's counters are incremented atomically
//  4. Reputation and demand updaters recompute multipliers in the background
//  5. The reward engine reads events by time window
package contributions

import (
	"context"
	"errors"
	"time"

	"github.com/wctlabs/wikirewards/internal/scoring"
)

// Errors
var (
	ErrContributorNotFound = errors.New("contributor not found")
	ErrContributorExists   = errors.New("contributor already exists")
	ErrTopicNotFound       = errors.New("topic not found")
	ErrTopicExists         = errors.New("topic already exists")
	ErrInvalidWallet       = errors.New("invalid wallet address")
	ErrInvalidInput        = errors.New("invalid input")
)

// Contributor is a wiki author eligible for token rewards.
type Contributor struct {
	ID                   string    `json:"id"`
	WalletAddress        string    `json:"walletAddress"`
	ReputationMultiplier float64   `json:"reputationMultiplier"`
	ContributionCount    int64     `json:"contributionCount"`
	LifetimePoints       int64     `json:"lifetimePoints"`
	LifetimeTokens       int64     `json:"lifetimeTokens"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Topic is a content tag with a demand multiplier.
type Topic struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	DemandMultiplier float64   `json:"demandMultiplier"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Event is an immutable scored contribution. TotalPoints is always
// scoring.Points of the four stored factors.
type Event struct {
	ID                   string       `json:"id"`
	ContributorID        string       `json:"contributorId"`
	ContentID            string       `json:"contentId"`
	Kind                 scoring.Kind `json:"kind"`
	BasePoints           int          `json:"basePoints"`
	QualityMultiplier    float64      `json:"qualityMultiplier"`
	ReputationMultiplier float64      `json:"reputationMultiplier"`
	DemandMultiplier     float64      `json:"demandMultiplier"`
	TotalPoints          int64        `json:"totalPoints"`
	TopicIDs             []string     `json:"topicIds,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
}

// Store persists contributors, topics and contribution events.
type Store interface {
	// Contributors
	CreateContributor(ctx context.Context, c *Contributor) error
	GetContributor(ctx context.Context, id string) (*Contributor, error)
	GetContributors(ctx context.Context, ids []string) (map[string]*Contributor, error)
	ListContributorIDs(ctx context.Context) ([]string, error)
	UpdateWallet(ctx context.Context, id, wallet string) error
	SetReputation(ctx context.Context, id string, multiplier float64) error

	// Topics
	CreateTopic(ctx context.Context, t *Topic) error
	GetTopic(ctx context.Context, id string) (*Topic, error)
	GetTopics(ctx context.Context, ids []string) ([]*Topic, error)
	ListTopics(ctx context.Context) ([]*Topic, error)
	SetDemand(ctx context.Context, id string, multiplier float64) error
	SetContentTopics(ctx context.Context, contentID string, topicIDs []string) error
	ContentTopics(ctx context.Context, contentID string) ([]*Topic, error)

	// Events

	// RecordEvent stores ev and increments the contributor's contribution
	// count and lifetime points in one atomic step.
	RecordEvent(ctx context.Context, ev *Event) error
	// EventsInWindow returns events with createdAt in [start, end).
	EventsInWindow(ctx context.Context, start, end time.Time) ([]*Event, error)
	// RecentEvents returns a contributor's latest events, newest first.
	RecentEvents(ctx context.Context, contributorID string, limit int) ([]*Event, error)
	// CountTopicEventsSince counts events on content tagged with the topic.
	CountTopicEventsSince(ctx context.Context, topicID string, since time.Time) (int, error)
}

// Request types for handlers.

// RegisterContributorRequest is the request body for POST /v1/contributors.
type RegisterContributorRequest struct {
	ID            string `json:"id"`
	WalletAddress string `json:"walletAddress" binding:"required"`
}

// UpdateWalletRequest is the request body for PUT /v1/contributors/:id/wallet.
type UpdateWalletRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
}

// CreateTopicRequest is the request body for POST /v1/topics.
type CreateTopicRequest struct {
	Name string `json:"name" binding:"required"`
}

// TagContentRequest is the request body for PUT /v1/content/:id/topics.
type TagContentRequest struct {
	TopicIDs []string `json:"topicIds"`
}

// RecordRequest is the request body for POST /v1/contributions.
// A zero QualityMultiplier is sampled; TopicIDs override the content's tags.
type RecordRequest struct {
	ContributorID     string   `json:"contributorId" binding:"required"`
	ContentID         string   `json:"contentId" binding:"required"`
	Kind              string   `json:"kind" binding:"required"`
	QualityMultiplier float64  `json:"qualityMultiplier"`
	TopicIDs          []string `json:"topicIds"`
}
