//go:build integration

package rewards

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wctlabs/wikirewards/internal/contributions"
	"github.com/wctlabs/wikirewards/internal/pagination"
	"github.com/wctlabs/wikirewards/internal/testutil"
)

func setupPostgres(t *testing.T) (*PostgresStore, *contributions.PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db), contributions.NewPostgresStore(db)
}

func seedContributor(t *testing.T, cs *contributions.PostgresStore, id string, n int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, cs.CreateContributor(context.Background(), &contributions.Contributor{
		ID: id, WalletAddress: wallet(n), ReputationMultiplier: 1, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestPostgresStore_RunLifecycle(t *testing.T) {
	store, cs := setupPostgres(t)
	ctx := context.Background()
	seedContributor(t, cs, "alice", 1)
	seedContributor(t, cs, "bob", 2)

	run := testRun("run_pg1", windowStart, windowEnd)
	run.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	plan := []PlannedPayout{
		{ContributorID: "bob", WalletAddress: wallet(2), Points: 50, TokenAmount: 100},
		{ContributorID: "alice", WalletAddress: wallet(1), Points: 100, TokenAmount: 200},
	}
	require.NoError(t, store.CreateRun(ctx, run, plan))

	assert.ErrorIs(t, store.CreateRun(ctx, testRun("run_pg2", windowStart, windowEnd), nil), ErrRunExists)
	assert.ErrorIs(t, store.CreateRun(ctx, testRun("run_pg3", windowStart.Add(time.Hour), windowEnd.Add(time.Hour)), nil), ErrOverlappingRun)

	queue, err := store.PlannedPayouts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "alice", queue[0].ContributorID)

	got, err := store.GetRunByWindow(ctx, windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = store.TransitionRun(ctx, run.ID, StatusProcessing, nil, time.Now())
	require.NoError(t, err)

	ok, err := store.RecordPayout(ctx, &PayoutRecord{
		ID: "pay_1", RunID: run.ID, ContributorID: "alice", WalletAddress: wallet(1),
		Points: 100, TokenAmount: 200, TxRef: "0x01", Outcome: OutcomeSuccess, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RecordPayout(ctx, &PayoutRecord{
		ID: "pay_2", RunID: run.ID, ContributorID: "alice", WalletAddress: wallet(1),
		Points: 100, TokenAmount: 200, TxRef: "0x02", Outcome: OutcomeSuccess, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok, "second success for the same contributor must not insert")

	ok, err = store.RecordPayout(ctx, &PayoutRecord{
		ID: "pay_reused", RunID: run.ID, ContributorID: "bob", WalletAddress: wallet(2),
		Points: 50, TokenAmount: 100, TxRef: "0x01", Outcome: OutcomeSuccess, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrTxRefUsed)
	assert.False(t, ok)

	ok, err = store.RecordPayout(ctx, &PayoutRecord{
		ID: "pay_3", RunID: run.ID, ContributorID: "bob", WalletAddress: wallet(2),
		Points: 50, TokenAmount: 100, SubmittedRef: "0x03", Outcome: OutcomeFailed,
		FailureReason: "timeout", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	alice, err := cs.GetContributor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(200), alice.LifetimeTokens)

	records, err := store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "0x03", records[1].SubmittedRef)
	assert.Empty(t, records[1].TxRef)

	done, err := store.TransitionRun(ctx, run.ID, StatusPartial, &Totals{Succeeded: 1, Failed: 1, Distributed: 200}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, done.Status)
	_, err = store.TransitionRun(ctx, run.ID, StatusProcessing, nil, time.Now())
	assert.ErrorIs(t, err, ErrRunTerminal)

	history, err := store.ContributorPayouts(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPostgresStore_LockRun(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()

	unlock, err := store.LockRun(ctx, "run_lock")
	require.NoError(t, err)

	_, err = store.LockRun(ctx, "run_lock")
	assert.ErrorIs(t, err, ErrRunInProgress)

	unlock()
	again, err := store.LockRun(ctx, "run_lock")
	require.NoError(t, err)
	again()
}

func TestPostgresStore_ListRuns(t *testing.T) {
	store, _ := setupPostgres(t)
	ctx := context.Background()
	base := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		r := testRun(id, base.Add(time.Duration(i)*time.Hour), base.Add(time.Duration(i+1)*time.Hour))
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateRun(ctx, r, nil))
	}

	page, err := store.ListRuns(ctx, RunQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "run_c", page[0].ID)

	cursor, err := pagination.Decode(pagination.Encode(page[1].CreatedAt, page[1].ID))
	require.NoError(t, err)
	rest, err := store.ListRuns(ctx, RunQuery{Limit: 2, Before: cursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "run_a", rest[0].ID)

	pending, err := store.ListRunsByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
