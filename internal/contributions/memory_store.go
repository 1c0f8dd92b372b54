package contributions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store implementation for demo/testing.
type MemoryStore struct {
	contributors  map[string]*Contributor
	topics        map[string]*Topic
	contentTopics map[string][]string // contentID -> topic IDs
	events        []*Event            // insertion order
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory contributions store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contributors:  make(map[string]*Contributor),
		topics:        make(map[string]*Topic),
		contentTopics: make(map[string][]string),
	}
}

// --- Contributors ---

func (m *MemoryStore) CreateContributor(_ context.Context, c *Contributor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contributors[c.ID]; ok {
		return ErrContributorExists
	}
	cp := *c
	m.contributors[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetContributor(_ context.Context, id string) (*Contributor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contributors[id]
	if !ok {
		return nil, ErrContributorNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetContributors(_ context.Context, ids []string) (map[string]*Contributor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*Contributor, len(ids))
	for _, id := range ids {
		if c, ok := m.contributors[id]; ok {
			cp := *c
			result[id] = &cp
		}
	}
	return result, nil
}

func (m *MemoryStore) ListContributorIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.contributors))
	for id := range m.contributors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) UpdateWallet(_ context.Context, id, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributors[id]
	if !ok {
		return ErrContributorNotFound
	}
	c.WalletAddress = wallet
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetReputation(_ context.Context, id string, multiplier float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributors[id]
	if !ok {
		return ErrContributorNotFound
	}
	c.ReputationMultiplier = multiplier
	c.UpdatedAt = time.Now()
	return nil
}

// CreditTokens adds whole tokens to a contributor's lifetime earnings.
// The Postgres store does this inside the payout transaction instead.
func (m *MemoryStore) CreditTokens(_ context.Context, id string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributors[id]
	if !ok {
		return ErrContributorNotFound
	}
	c.LifetimeTokens += tokens
	c.UpdatedAt = time.Now()
	return nil
}

// --- Topics ---

func (m *MemoryStore) CreateTopic(_ context.Context, t *Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.topics {
		if strings.EqualFold(existing.Name, t.Name) {
			return ErrTopicExists
		}
	}
	cp := *t
	m.topics[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTopic(_ context.Context, id string) (*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[id]
	if !ok {
		return nil, ErrTopicNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTopics(_ context.Context, ids []string) ([]*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topicsLocked(ids)
}

func (m *MemoryStore) topicsLocked(ids []string) ([]*Topic, error) {
	result := make([]*Topic, 0, len(ids))
	for _, id := range ids {
		t, ok := m.topics[id]
		if !ok {
			return nil, ErrTopicNotFound
		}
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListTopics(_ context.Context) ([]*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (m *MemoryStore) SetDemand(_ context.Context, id string, multiplier float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return ErrTopicNotFound
	}
	t.DemandMultiplier = multiplier
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetContentTopics(_ context.Context, contentID string, topicIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range topicIDs {
		if _, ok := m.topics[id]; !ok {
			return ErrTopicNotFound
		}
	}
	m.contentTopics[contentID] = append([]string(nil), topicIDs...)
	return nil
}

func (m *MemoryStore) ContentTopics(_ context.Context, contentID string) ([]*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topicsLocked(m.contentTopics[contentID])
}

// --- Events ---

func (m *MemoryStore) RecordEvent(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contributors[ev.ContributorID]
	if !ok {
		return ErrContributorNotFound
	}
	cp := *ev
	cp.TopicIDs = append([]string(nil), ev.TopicIDs...)
	m.events = append(m.events, &cp)

	c.ContributionCount++
	c.LifetimePoints += ev.TotalPoints
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) EventsInWindow(_ context.Context, start, end time.Time) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Event
	for _, ev := range m.events {
		if !ev.CreatedAt.Before(start) && ev.CreatedAt.Before(end) {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) RecentEvents(_ context.Context, contributorID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Event
	for _, ev := range m.events {
		if ev.ContributorID == contributorID {
			cp := *ev
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountTopicEventsSince(_ context.Context, topicID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tagged := make(map[string]bool)
	for contentID, ids := range m.contentTopics {
		for _, id := range ids {
			if id == topicID {
				tagged[contentID] = true
				break
			}
		}
	}
	count := 0
	for _, ev := range m.events {
		if tagged[ev.ContentID] && !ev.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}
