package rewards

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wctlabs/wikirewards/internal/contributions"
	"github.com/wctlabs/wikirewards/internal/idgen"
	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/scoring"
	"github.com/wctlabs/wikirewards/internal/tokens"
)

var (
	windowStart = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(7 * 24 * time.Hour)
)

type fixture struct {
	contribs *contributions.MemoryStore
	store    *MemoryStore
	ledger   *ledger.MemoryLedger
	service  *Service
}

func testParams() Params {
	return Params{
		PoolTokens:     300,
		MinPayout:      0,
		ConfirmTimeout: 50 * time.Millisecond,
		ConfirmPoll:    5 * time.Millisecond,
	}
}

func newFixture(t *testing.T, treasuryTokens int64) *fixture {
	t.Helper()
	contribs := contributions.NewMemoryStore()
	store := NewMemoryStore(WithTokenCrediter(contribs))
	l := ledger.NewMemory(tokens.Decimals, tokens.ToBaseUnits(treasuryTokens, tokens.Decimals))
	return &fixture{
		contribs: contribs,
		store:    store,
		ledger:   l,
		service:  NewService(store, contribs, l, testParams(), logging.Discard()),
	}
}

func wallet(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func (f *fixture) addContributor(t *testing.T, id string, n int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.contribs.CreateContributor(context.Background(), &contributions.Contributor{
		ID:                   id,
		WalletAddress:        wallet(n),
		ReputationMultiplier: scoring.DefaultMultiplier,
		CreatedAt:            now,
		UpdatedAt:            now,
	}))
}

func (f *fixture) addEvent(t *testing.T, contributorID string, points int64, at time.Time) {
	t.Helper()
	require.NoError(t, f.contribs.RecordEvent(context.Background(), &contributions.Event{
		ID:                   idgen.WithPrefix(idgen.ContributionPrefix),
		ContributorID:        contributorID,
		ContentID:            "page-1",
		Kind:                 scoring.KindMinorEdit,
		BasePoints:           int(points),
		QualityMultiplier:    1,
		ReputationMultiplier: 1,
		DemandMultiplier:     1,
		TotalPoints:          points,
		CreatedAt:            at,
	}))
}

// seedTwo registers alice (100 points) and bob (50 points) in the test window.
func (f *fixture) seedTwo(t *testing.T) {
	t.Helper()
	f.addContributor(t, "alice", 1)
	f.addContributor(t, "bob", 2)
	f.addEvent(t, "alice", 100, windowStart.Add(time.Hour))
	f.addEvent(t, "bob", 50, windowStart.Add(2*time.Hour))
}

func (f *fixture) createRun(t *testing.T, pool int64) *Run {
	t.Helper()
	floor := int64(0)
	run, err := f.service.CreateRun(context.Background(), windowStart, windowEnd, pool, &floor)
	require.NoError(t, err)
	return run
}

func successes(records []*PayoutRecord) map[string]*PayoutRecord {
	out := make(map[string]*PayoutRecord)
	for _, rec := range records {
		if rec.Outcome == OutcomeSuccess {
			out[rec.ContributorID] = rec
		}
	}
	return out
}
