package contributions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wctlabs/wikirewards/internal/idgen"
	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/scoring"
	"github.com/wctlabs/wikirewards/internal/traces"
	"github.com/wctlabs/wikirewards/internal/validation"
)

// Service implements contributor registration and contribution recording.
type Service struct {
	store  Store
	scorer *scoring.Scorer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new contributions service.
func NewService(store Store, scorer *scoring.Scorer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		scorer: scorer,
		logger: logger,
		now:    time.Now,
	}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// RegisterContributor creates a contributor with the default reputation multiplier.
func (s *Service) RegisterContributor(ctx context.Context, req RegisterContributorRequest) (*Contributor, error) {
	wallet := validation.NormalizeWallet(req.WalletAddress)
	if !validation.IsValidWallet(wallet) {
		return nil, ErrInvalidWallet
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = idgen.WithPrefix(idgen.ContributorPrefix)
	} else if !validation.IsValidID(id) {
		return nil, fmt.Errorf("%w: id contains invalid characters", ErrInvalidInput)
	}

	now := s.now().UTC()
	c := &Contributor{
		ID:                   id,
		WalletAddress:        wallet,
		ReputationMultiplier: scoring.DefaultMultiplier,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateContributor(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetContributor returns a contributor by ID.
func (s *Service) GetContributor(ctx context.Context, id string) (*Contributor, error) {
	return s.store.GetContributor(ctx, id)
}

// UpdateWallet changes where future distribution runs pay a contributor.
// Runs already planned keep the wallet they snapshotted.
func (s *Service) UpdateWallet(ctx context.Context, id, wallet string) (*Contributor, error) {
	wallet = validation.NormalizeWallet(wallet)
	if !validation.IsValidWallet(wallet) {
		return nil, ErrInvalidWallet
	}
	if err := s.store.UpdateWallet(ctx, id, wallet); err != nil {
		return nil, err
	}
	return s.store.GetContributor(ctx, id)
}

// CreateTopic creates a topic with the default demand multiplier.
func (s *Service) CreateTopic(ctx context.Context, req CreateTopicRequest) (*Topic, error) {
	name := validation.SanitizeName(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	t := &Topic{
		ID:               idgen.WithPrefix(idgen.TopicPrefix),
		Name:             name,
		DemandMultiplier: scoring.DefaultMultiplier,
		UpdatedAt:        s.now().UTC(),
	}
	if err := s.store.CreateTopic(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTopics returns all topics ordered by name.
func (s *Service) ListTopics(ctx context.Context) ([]*Topic, error) {
	return s.store.ListTopics(ctx)
}

// TagContent replaces the topics associated with a content item.
func (s *Service) TagContent(ctx context.Context, contentID string, topicIDs []string) ([]*Topic, error) {
	if !validation.IsValidID(contentID) {
		return nil, fmt.Errorf("%w: invalid content id", ErrInvalidInput)
	}
	topicIDs = dedupe(topicIDs)
	if err := s.store.SetContentTopics(ctx, contentID, topicIDs); err != nil {
		return nil, err
	}
	return s.store.ContentTopics(ctx, contentID)
}

// Record scores a contribution and stores it as an immutable event.
//
// The contributor's current reputation multiplier is snapshotted onto the
// event. The demand multiplier averages the explicit topics when given,
// otherwise the content item's topics, otherwise 1.0.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*Event, error) {
	ctx, span := traces.StartSpan(ctx, "contributions.Record",
		traces.ContributorID(req.ContributorID))
	defer span.End()

	if errs := validation.Validate(
		validation.Required("contributorId", req.ContributorID),
		validation.Required("contentId", req.ContentID),
		validation.ValidID("contentId", req.ContentID),
		validation.Required("kind", req.Kind),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}
	if req.QualityMultiplier < 0 {
		return nil, fmt.Errorf("%w: qualityMultiplier must not be negative", ErrInvalidInput)
	}

	contributor, err := s.store.GetContributor(ctx, req.ContributorID)
	if err != nil {
		return nil, err
	}

	topics, err := s.demandTopics(ctx, req)
	if err != nil {
		traces.Fail(span, err, "resolve topics")
		return nil, err
	}
	multipliers := make([]float64, len(topics))
	topicIDs := make([]string, len(topics))
	for i, t := range topics {
		multipliers[i] = t.DemandMultiplier
		topicIDs[i] = t.ID
	}

	kind := scoring.ParseKind(req.Kind)
	score := s.scorer.Score(kind, req.QualityMultiplier,
		contributor.ReputationMultiplier, scoring.DemandMultiplier(multipliers))

	ev := &Event{
		ID:                   idgen.WithPrefix(idgen.ContributionPrefix),
		ContributorID:        contributor.ID,
		ContentID:            req.ContentID,
		Kind:                 kind,
		BasePoints:           score.BasePoints,
		QualityMultiplier:    score.Quality,
		ReputationMultiplier: score.Reputation,
		DemandMultiplier:     score.Demand,
		TotalPoints:          score.TotalPoints,
		TopicIDs:             topicIDs,
		CreatedAt:            s.now().UTC(),
	}
	if err := s.store.RecordEvent(ctx, ev); err != nil {
		traces.Fail(span, err, "record event")
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}

	metrics.ContributionsRecordedTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Debug("contribution recorded",
		"contributorId", ev.ContributorID, "contentId", ev.ContentID,
		"kind", ev.Kind, "points", ev.TotalPoints)
	return ev, nil
}

func (s *Service) demandTopics(ctx context.Context, req RecordRequest) ([]*Topic, error) {
	if ids := dedupe(req.TopicIDs); len(ids) > 0 {
		return s.store.GetTopics(ctx, ids)
	}
	return s.store.ContentTopics(ctx, req.ContentID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
