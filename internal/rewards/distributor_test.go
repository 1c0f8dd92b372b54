package rewards

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/logging"
	"github.com/wctlabs/wikirewards/internal/tokens"
)

func TestExecute_PaysProportionally(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	run := f.createRun(t, 300)

	assert.Equal(t, StatusPending, run.Status)
	assert.Equal(t, int64(150), run.TotalPoints)
	assert.Equal(t, 2.0, run.Ratio)
	assert.Equal(t, int64(300), run.PlannedTokens)

	run, err := f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 2, run.SucceededCount)
	assert.Equal(t, 0, run.FailedCount)
	assert.Equal(t, int64(300), run.DistributedTokens)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, wallet(1), transfers[0].To)
	assert.Equal(t, tokens.ToBaseUnits(200, tokens.Decimals), transfers[0].Amount)
	assert.Equal(t, wallet(2), transfers[1].To)
	assert.Equal(t, tokens.ToBaseUnits(100, tokens.Decimals), transfers[1].Amount)

	alice, err := f.contribs.GetContributor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(200), alice.LifetimeTokens)

	records, err := f.store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	paid := successes(records)
	require.Len(t, paid, 2)
	assert.Equal(t, transfers[0].Ref, paid["alice"].TxRef)
}

func TestExecute_MinimumFloor(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.addContributor(t, "alice", 1)
	f.addContributor(t, "bob", 2)
	f.addEvent(t, "alice", 9999, windowStart)
	f.addEvent(t, "bob", 1, windowStart)

	floor := int64(10)
	run, err := f.service.CreateRun(ctx, windowStart, windowEnd, 200, &floor)
	require.NoError(t, err)
	assert.Equal(t, int64(209), run.PlannedTokens)

	run, err = f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, tokens.ToBaseUnits(199, tokens.Decimals), transfers[0].Amount)
	assert.Equal(t, tokens.ToBaseUnits(10, tokens.Decimals), transfers[1].Amount)
}

func TestExecute_ResumeNeverPaysTwice(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	run := f.createRun(t, 300)

	// Simulate a crash after alice was paid.
	_, err := f.store.TransitionRun(ctx, run.ID, StatusProcessing, nil, time.Now())
	require.NoError(t, err)
	ref, err := f.ledger.SubmitTransfer(ctx, f.ledger.Treasury(), wallet(1), tokens.ToBaseUnits(200, tokens.Decimals))
	require.NoError(t, err)
	queue, err := f.store.PlannedPayouts(ctx, run.ID)
	require.NoError(t, err)
	rec := newRecord(queue[0], time.Now())
	rec.TxRef = ref
	rec.Outcome = OutcomeSuccess
	_, err = f.store.RecordPayout(ctx, rec)
	require.NoError(t, err)

	run, err = f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 2, f.ledger.SubmitCount())

	_, err = f.service.Execute(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunTerminal)
	assert.Equal(t, 2, f.ledger.SubmitCount())

	records, err := f.store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExecute_InsufficientTreasuryLeavesRunPending(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	f.seedTwo(t)
	run := f.createRun(t, 300)

	_, err := f.service.Execute(ctx, run.ID)
	assert.ErrorIs(t, err, ErrInsufficientTreasury)
	assert.Equal(t, 0, f.ledger.SubmitCount())

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	f.ledger.Fund(f.ledger.Treasury(), tokens.ToBaseUnits(200, tokens.Decimals))
	got, err = f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestExecute_LedgerUnavailableAtPreflight(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	run := f.createRun(t, 300)

	f.ledger.SetUnavailable(true)
	_, err := f.service.Execute(ctx, run.ID)
	require.Error(t, err)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestExecute_PartialThenRetry(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	f.ledger.RequireProvisioning(true)
	f.ledger.Provision(wallet(1))
	run := f.createRun(t, 300)

	run, err := f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, run.Status)
	assert.Equal(t, 1, run.SucceededCount)
	assert.Equal(t, 1, run.FailedCount)
	assert.Equal(t, int64(200), run.DistributedTokens)

	records, err := f.store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, OutcomeFailed, records[1].Outcome)
	assert.Contains(t, records[1].FailureReason, "resolve account")
	assert.Empty(t, records[1].SubmittedRef)

	f.ledger.Provision(wallet(2))
	run, err = f.service.Retry(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 2, run.SucceededCount)
	assert.Equal(t, 0, run.FailedCount)
	assert.Equal(t, 2, f.ledger.SubmitCount())

	_, err = f.service.Retry(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestExecute_AllFailed(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	f.ledger.Reject(wallet(1))
	f.ledger.Reject(wallet(2))
	run := f.createRun(t, 300)

	run, err := f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 2, run.FailedCount)
	assert.Zero(t, run.DistributedTokens)

	// Still failed after a retry that changes nothing.
	run, err = f.service.Retry(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
}

func TestExecute_ReconcilesUnconfirmedTransfer(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	f.ledger.Hold(wallet(2))
	run := f.createRun(t, 300)

	run, err := f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, run.Status)

	records, err := f.store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	pending := records[1]
	assert.Equal(t, "bob", pending.ContributorID)
	assert.Equal(t, OutcomeFailed, pending.Outcome)
	require.NotEmpty(t, pending.SubmittedRef)

	// The held transfer lands later; a retry must adopt it, not resubmit.
	f.ledger.Release(wallet(2))
	run, err = f.service.Retry(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 2, f.ledger.SubmitCount())

	records, err = f.store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, pending.SubmittedRef, successes(records)["bob"].TxRef)
}

func TestExecute_StillUnconfirmedIsNotResubmitted(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	f.ledger.Hold(wallet(2))
	run := f.createRun(t, 300)

	run, err := f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, run.Status)

	run, err = f.service.Retry(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, run.Status)
	assert.Equal(t, 2, f.ledger.SubmitCount())

	records, err := f.store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, records[1].SubmittedRef, records[2].SubmittedRef)
}

func TestExecute_RunLockedElsewhere(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	run := f.createRun(t, 300)

	unlock, err := f.store.LockRun(ctx, run.ID)
	require.NoError(t, err)

	_, err = f.service.Execute(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 0, f.ledger.SubmitCount())

	unlock()
	run, err = f.service.Execute(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestExecute_RetryRequiresFinishedRun(t *testing.T) {
	f := newFixture(t, 1000)
	f.seedTwo(t)
	run := f.createRun(t, 300)

	_, err := f.service.Retry(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrRunNotFinished)

	_, err = f.service.Execute(context.Background(), "run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestExecute_RespectsTransferDelay(t *testing.T) {
	f := newFixture(t, 1000)
	f.seedTwo(t)
	run := f.createRun(t, 300)

	params := testParams()
	params.TransferDelay = 30 * time.Millisecond
	started := time.Now()
	got, err := f.service.distributor.Execute(context.Background(), run.ID, params)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.GreaterOrEqual(t, time.Since(started), 25*time.Millisecond)
}

func TestSummarize(t *testing.T) {
	queue := []PlannedPayout{
		{ContributorID: "alice", TokenAmount: 200},
		{ContributorID: "bob", TokenAmount: 100},
	}
	records := []*PayoutRecord{
		{ContributorID: "alice", Outcome: OutcomeFailed, SubmittedRef: "0x1"},
		{ContributorID: "alice", Outcome: OutcomeSuccess},
		{ContributorID: "bob", Outcome: OutcomeFailed},
	}

	totals := Summarize(queue, records)
	assert.Equal(t, Totals{Succeeded: 1, Failed: 1, Distributed: 200}, totals)
	assert.Equal(t, StatusPartial, totals.Status(len(queue)))

	assert.Equal(t, StatusCompleted, Totals{Succeeded: 2}.Status(2))
	assert.Equal(t, StatusFailed, Totals{Failed: 2}.Status(2))
	assert.Equal(t, StatusFailed, Totals{}.Status(0))

	st := newPayState(records)
	assert.True(t, st.paid["alice"])
	assert.NotContains(t, st.pendingRef, "alice")
	assert.Equal(t, "", st.pendingRef["bob"])
}

// outageLedger accepts the first n submissions and then reports the ledger
// as unreachable.
type outageLedger struct {
	*ledger.MemoryLedger
	mu    sync.Mutex
	allow int
}

func (o *outageLedger) SubmitTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	o.mu.Lock()
	down := o.allow <= 0
	o.allow--
	o.mu.Unlock()
	if down {
		return "", &ledger.TransferError{Op: "submit", Err: ledger.ErrUnavailable}
	}
	return o.MemoryLedger.SubmitTransfer(ctx, from, to, amount)
}

func TestExecute_OpenCircuitAbortsRun(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	f.seedTwo(t)
	f.addContributor(t, "carol", 3)
	f.addEvent(t, "carol", 25, windowStart.Add(3*time.Hour))

	guarded := ledger.NewGuarded(&outageLedger{MemoryLedger: f.ledger, allow: 1}, 1, time.Hour, logging.Discard())
	f.service = NewService(f.store, f.contribs, guarded, testParams(), logging.Discard())
	run := f.createRun(t, 350)

	_, err := f.service.Execute(ctx, run.ID)
	require.ErrorIs(t, err, ledger.ErrCircuitOpen)

	records, err := f.store.PayoutRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2, "carol is never attempted while the circuit is open")
	assert.Equal(t, OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, "alice", records[0].ContributorID)
	assert.Equal(t, OutcomeFailed, records[1].Outcome)
	assert.Equal(t, "bob", records[1].ContributorID)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status, "an aborted run is resumed later")
}
