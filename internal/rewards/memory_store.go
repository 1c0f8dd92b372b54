package rewards

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// TokenCrediter adds whole tokens to a contributor's lifetime earnings.
type TokenCrediter interface {
	CreditTokens(ctx context.Context, contributorID string, tokens int64) error
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithTokenCrediter credits contributors when a success record is inserted.
func WithTokenCrediter(c TokenCrediter) MemoryOption {
	return func(m *MemoryStore) {
		m.crediter = c
	}
}

// MemoryStore is an in-memory Store implementation for demo/testing.
type MemoryStore struct {
	runs     map[string]*Run
	plans    map[string][]PlannedPayout
	records  map[string][]*PayoutRecord // runID -> append-only log
	paid     map[string]map[string]bool // runID -> contributorID
	txRefs   map[string]string          // success txRef -> runID/contributorID
	running  map[string]bool
	crediter TokenCrediter
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory rewards store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		runs:    make(map[string]*Run),
		plans:   make(map[string][]PlannedPayout),
		records: make(map[string][]*PayoutRecord),
		paid:    make(map[string]map[string]bool),
		txRefs:  make(map[string]string),
		running: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run, plan []PlannedPayout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.WindowStart.Equal(run.WindowStart) && existing.WindowEnd.Equal(run.WindowEnd) {
			return ErrRunExists
		}
		if !existing.Status.Terminal() && overlaps(existing, run.WindowStart, run.WindowEnd) {
			return ErrOverlappingRun
		}
	}

	cp := *run
	m.runs[run.ID] = &cp
	queue := make([]PlannedPayout, len(plan))
	for i, p := range plan {
		p.RunID = run.ID
		queue[i] = p
	}
	SortQueue(queue)
	m.plans[run.ID] = queue
	m.paid[run.ID] = make(map[string]bool)
	return nil
}

func overlaps(run *Run, start, end time.Time) bool {
	return run.WindowStart.Before(end) && start.Before(run.WindowEnd)
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(r), nil
}

func (m *MemoryStore) GetRunByWindow(_ context.Context, start, end time.Time) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.WindowStart.Equal(start) && r.WindowEnd.Equal(end) {
			return copyRun(r), nil
		}
	}
	return nil, ErrRunNotFound
}

func (m *MemoryStore) ListRuns(_ context.Context, q RunQuery) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Run
	for _, r := range m.runs {
		if q.Before.Admits(r.CreatedAt, r.ID) {
			result = append(result, copyRun(r))
		}
	}
	sortNewestFirst(result)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListRunsByStatus(_ context.Context, statuses ...Status) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var result []*Run
	for _, r := range m.runs {
		if want[r.Status] {
			result = append(result, copyRun(r))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].WindowStart.Before(result[j].WindowStart)
	})
	return result, nil
}

func (m *MemoryStore) TransitionRun(_ context.Context, id string, to Status, totals *Totals, at time.Time) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if err := checkTransition(r.Status, to); err != nil {
		return nil, err
	}
	applyTransition(r, to, totals, at)
	return copyRun(r), nil
}

// checkTransition maps a rejected transition to the error callers expect.
// Re-entering the same terminal status refreshes the run's totals.
func checkTransition(from, to Status) error {
	if CanTransition(from, to) || (from == to && from.Terminal()) {
		return nil
	}
	if from.Terminal() {
		return ErrRunTerminal
	}
	return ErrInvalidTransition
}

func applyTransition(r *Run, to Status, totals *Totals, at time.Time) {
	r.Status = to
	if to == StatusProcessing && r.StartedAt == nil {
		t := at
		r.StartedAt = &t
	}
	if to.Terminal() {
		t := at
		r.CompletedAt = &t
		if totals != nil {
			r.SucceededCount = totals.Succeeded
			r.FailedCount = totals.Failed
			r.DistributedTokens = totals.Distributed
		}
	}
}

// --- Payouts ---

func (m *MemoryStore) PlannedPayouts(_ context.Context, runID string) ([]PlannedPayout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, ok := m.plans[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return append([]PlannedPayout(nil), plan...), nil
}

func (m *MemoryStore) PayoutRecords(_ context.Context, runID string) ([]*PayoutRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}
	result := make([]*PayoutRecord, 0, len(m.records[runID]))
	for _, rec := range m.records[runID] {
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ContributorPayouts(_ context.Context, contributorID string, limit int) ([]*PayoutRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*PayoutRecord
	for _, recs := range m.records {
		for _, rec := range recs {
			if rec.ContributorID == contributorID {
				cp := *rec
				result = append(result, &cp)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) RecordPayout(ctx context.Context, rec *PayoutRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paid, ok := m.paid[rec.RunID]
	if !ok {
		return false, ErrRunNotFound
	}
	if rec.Outcome == OutcomeSuccess {
		if paid[rec.ContributorID] {
			return false, nil
		}
		if owner, used := m.txRefs[rec.TxRef]; used && rec.TxRef != "" {
			return false, fmt.Errorf("%w: %s already pays %s", ErrTxRefUsed, rec.TxRef, owner)
		}
		if m.crediter != nil {
			if err := m.crediter.CreditTokens(ctx, rec.ContributorID, rec.TokenAmount); err != nil {
				return false, err
			}
		}
		paid[rec.ContributorID] = true
		if rec.TxRef != "" {
			m.txRefs[rec.TxRef] = rec.RunID + "/" + rec.ContributorID
		}
	}
	cp := *rec
	m.records[rec.RunID] = append(m.records[rec.RunID], &cp)
	return true, nil
}

// LockRun marks a run as being executed by this process.
func (m *MemoryStore) LockRun(_ context.Context, runID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running[runID] {
		return nil, ErrRunInProgress
	}
	m.running[runID] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.running, runID)
	}, nil
}

func copyRun(r *Run) *Run {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func sortNewestFirst(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
