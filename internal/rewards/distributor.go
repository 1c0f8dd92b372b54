package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"github.com/wctlabs/wikirewards/internal/idgen"
	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/retry"
	"github.com/wctlabs/wikirewards/internal/tokens"
	"github.com/wctlabs/wikirewards/internal/traces"
)

// Distributor executes a run's payout queue against the ledger. Transfers
// are sequential and paced; every attempt leaves a payout record.
type Distributor struct {
	store  Store
	ledger ledger.Ledger
	logger *slog.Logger
	retry  retry.Policy
	now    func() time.Time
}

// NewDistributor creates a distributor paying from the ledger's treasury.
func NewDistributor(store Store, l ledger.Ledger, logger *slog.Logger) *Distributor {
	return &Distributor{
		store:  store,
		ledger: l,
		logger: logger,
		retry:  retry.Default,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs (or resumes) a pending or processing run until every queue
// entry has been attempted, then resolves its terminal status.
// Contributors with a success record are skipped, so calling Execute again
// after an interruption never pays anyone twice.
func (d *Distributor) Execute(ctx context.Context, runID string, p Params) (*Run, error) {
	unlock, err := d.store.LockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, ErrRunTerminal
	}
	return d.process(ctx, run, p)
}

// Retry re-attempts the unpaid contributors of a partial or failed run.
// The run's status only ever improves.
func (d *Distributor) Retry(ctx context.Context, runID string, p Params) (*Run, error) {
	unlock, err := d.store.LockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	switch {
	case !run.Status.Terminal():
		return run, ErrRunNotFinished
	case run.Status == StatusCompleted:
		return run, ErrRunTerminal
	}
	return d.process(ctx, run, p)
}

func (d *Distributor) process(ctx context.Context, run *Run, p Params) (*Run, error) {
	ctx, span := traces.StartSpan(ctx, "rewards.Distribute", traces.RunID(run.ID))
	defer span.End()

	queue, err := d.store.PlannedPayouts(ctx, run.ID)
	if err != nil {
		traces.Fail(span, err, "load queue")
		return run, fmt.Errorf("load queue: %w", err)
	}
	records, err := d.store.PayoutRecords(ctx, run.ID)
	if err != nil {
		traces.Fail(span, err, "load records")
		return run, fmt.Errorf("load records: %w", err)
	}
	state := newPayState(records)

	if err := d.preflight(ctx, state.unpaid(queue)); err != nil {
		traces.Fail(span, err, "preflight")
		d.logger.Warn("distribution preflight failed", "runId", run.ID, "error", err)
		return run, err
	}

	if run.Status == StatusPending {
		if run, err = d.transition(ctx, run.ID, StatusProcessing, nil); err != nil {
			return run, err
		}
	}

	d.logger.Info("distributing rewards",
		"runId", run.ID,
		"planned", len(queue),
		"alreadyPaid", len(state.paid),
	)

	limiter := newLimiter(p.TransferDelay)
	for _, entry := range queue {
		if state.paid[entry.ContributorID] {
			continue
		}
		if err := d.pay(ctx, entry, state.pendingRef[entry.ContributorID], p, limiter); err != nil {
			traces.Fail(span, err, "distribution aborted")
			d.logger.Error("distribution aborted",
				"runId", run.ID,
				"contributorId", entry.ContributorID,
				"error", err,
			)
			return run, err
		}
	}

	records, err = d.store.PayoutRecords(ctx, run.ID)
	if err != nil {
		return run, fmt.Errorf("reload records: %w", err)
	}
	totals := Summarize(queue, records)
	run, err = d.transition(ctx, run.ID, totals.Status(len(queue)), &totals)
	if err != nil {
		return run, err
	}
	d.logger.Info("distribution finished",
		"runId", run.ID,
		"status", run.Status,
		"succeeded", totals.Succeeded,
		"failed", totals.Failed,
		"distributed", totals.Distributed,
	)
	return run, nil
}

// preflight refuses to start when the treasury cannot cover what is left.
func (d *Distributor) preflight(ctx context.Context, remaining []PlannedPayout) error {
	if len(remaining) == 0 {
		return nil
	}
	need := new(big.Int)
	for _, entry := range remaining {
		need.Add(need, tokens.ToBaseUnits(entry.TokenAmount, d.ledger.Decimals()))
	}

	balance, err := retry.Value(ctx, d.retry, func(ctx context.Context) (*big.Int, error) {
		return d.ledger.Balance(ctx, d.ledger.Treasury())
	})
	if err != nil {
		return fmt.Errorf("read treasury balance: %w", err)
	}

	if balance.Cmp(need) < 0 {
		return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientTreasury,
			tokens.Format(need, d.ledger.Decimals()), tokens.Symbol,
			tokens.Format(balance, d.ledger.Decimals()))
	}
	return nil
}

// pay settles one queue entry. Per-entry failures are recorded and return
// nil; a returned error aborts the run.
func (d *Distributor) pay(ctx context.Context, entry PlannedPayout, pendingRef string, p Params, limiter *rate.Limiter) error {
	ctx, span := traces.StartSpan(ctx, "rewards.Pay",
		traces.RunID(entry.RunID),
		traces.ContributorID(entry.ContributorID),
		traces.Wallet(entry.WalletAddress),
	)
	defer span.End()

	if pendingRef != "" {
		done, err := d.reconcile(ctx, entry, pendingRef, p)
		if done || err != nil {
			return err
		}
	}

	account, err := d.ledger.ResolveAccount(ctx, entry.WalletAddress)
	if err != nil {
		if errors.Is(err, ledger.ErrCircuitOpen) {
			return err
		}
		return d.fail(ctx, entry, "", fmt.Sprintf("resolve account: %v", err))
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	amount := tokens.ToBaseUnits(entry.TokenAmount, d.ledger.Decimals())
	span.SetAttributes(traces.Amount(amount.String()))
	started := time.Now()

	ref, err := d.ledger.SubmitTransfer(ctx, d.ledger.Treasury(), account, amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %w", ErrInsufficientTreasury, err)
		}
		if errors.Is(err, ledger.ErrCircuitOpen) {
			return err
		}
		if ctx.Err() != nil {
			_ = d.fail(context.WithoutCancel(ctx), entry, ledger.TxRefOf(err), fmt.Sprintf("submit transfer: %v", err))
			return ctx.Err()
		}
		return d.fail(ctx, entry, ledger.TxRefOf(err), fmt.Sprintf("submit transfer: %v", err))
	}
	span.SetAttributes(traces.TxRef(ref))

	if _, err := ledger.WaitForConfirmation(ctx, d.ledger, ref, p.ConfirmTimeout, p.ConfirmPoll); err != nil {
		if ctx.Err() != nil {
			_ = d.fail(context.WithoutCancel(ctx), entry, ref, fmt.Sprintf("confirm transfer: %v", err))
			return ctx.Err()
		}
		return d.fail(ctx, entry, ref, fmt.Sprintf("confirm transfer: %v", err))
	}
	metrics.TransferDuration.Observe(time.Since(started).Seconds())
	return d.succeed(ctx, entry, ref)
}

// reconcile settles a transfer submitted by an earlier attempt before a new
// one is considered. It reports done when no new transfer may be submitted.
func (d *Distributor) reconcile(ctx context.Context, entry PlannedPayout, ref string, p Params) (bool, error) {
	conf, err := d.ledger.ConfirmTransfer(ctx, ref)
	if err != nil {
		if errors.Is(err, ledger.ErrCircuitOpen) {
			return true, err
		}
		return true, d.fail(ctx, entry, ref, fmt.Sprintf("reconcile transfer: %v", err))
	}
	if conf.Confirmed {
		d.logger.Info("earlier transfer confirmed", "runId", entry.RunID, "contributorId", entry.ContributorID, "txRef", ref)
		return true, d.succeed(ctx, entry, ref)
	}
	if conf.Failed {
		return false, nil
	}

	_, err = ledger.WaitForConfirmation(ctx, d.ledger, ref, p.ConfirmTimeout, p.ConfirmPoll)
	switch {
	case err == nil:
		return true, d.succeed(ctx, entry, ref)
	case errors.Is(err, ledger.ErrRejected):
		return false, nil
	case ctx.Err() != nil:
		_ = d.fail(context.WithoutCancel(ctx), entry, ref, fmt.Sprintf("reconcile transfer: %v", err))
		return true, ctx.Err()
	default:
		return true, d.fail(ctx, entry, ref, fmt.Sprintf("transfer still unconfirmed: %v", err))
	}
}

func (d *Distributor) succeed(ctx context.Context, entry PlannedPayout, ref string) error {
	rec := newRecord(entry, d.now())
	rec.TxRef = ref
	rec.Outcome = OutcomeSuccess
	inserted, err := d.record(ctx, rec)
	if err != nil {
		// The transfer is on the ledger; without the record a resume would
		// pay again, so the run must stop here.
		d.logger.Error("confirmed transfer not recorded",
			"runId", entry.RunID,
			"contributorId", entry.ContributorID,
			"txRef", ref,
			"error", err,
		)
		return fmt.Errorf("record confirmed transfer %s: %w", ref, err)
	}
	if inserted {
		metrics.PayoutsTotal.WithLabelValues(string(OutcomeSuccess)).Inc()
		metrics.TokensDistributedTotal.Add(float64(entry.TokenAmount))
	}
	return nil
}

func (d *Distributor) fail(ctx context.Context, entry PlannedPayout, ref, reason string) error {
	rec := newRecord(entry, d.now())
	rec.SubmittedRef = ref
	rec.Outcome = OutcomeFailed
	rec.FailureReason = reason
	if _, err := d.record(ctx, rec); err != nil {
		return fmt.Errorf("record failed payout: %w", err)
	}
	metrics.PayoutsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	d.logger.Warn("payout failed",
		"runId", entry.RunID,
		"contributorId", entry.ContributorID,
		"wallet", entry.WalletAddress,
		"submittedRef", ref,
		"reason", reason,
	)
	return nil
}

func (d *Distributor) record(ctx context.Context, rec *PayoutRecord) (bool, error) {
	return retry.Value(ctx, d.retry, func(ctx context.Context) (bool, error) {
		inserted, err := d.store.RecordPayout(ctx, rec)
		if errors.Is(err, ErrRunNotFound) {
			return false, retry.Permanent(err)
		}
		return inserted, err
	})
}

func (d *Distributor) transition(ctx context.Context, runID string, to Status, totals *Totals) (*Run, error) {
	run, err := d.store.TransitionRun(ctx, runID, to, totals, d.now())
	if err != nil {
		return run, fmt.Errorf("transition run to %s: %w", to, err)
	}
	metrics.DistributionRunsTotal.WithLabelValues(string(to)).Inc()
	return run, nil
}

func newRecord(entry PlannedPayout, at time.Time) *PayoutRecord {
	return &PayoutRecord{
		ID:            idgen.WithPrefix(idgen.PayoutPrefix),
		RunID:         entry.RunID,
		ContributorID: entry.ContributorID,
		WalletAddress: entry.WalletAddress,
		Points:        entry.Points,
		TokenAmount:   entry.TokenAmount,
		CreatedAt:     at,
	}
}

func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// payState is what earlier attempts of a run established.
type payState struct {
	paid       map[string]bool
	pendingRef map[string]string
}

// newPayState reads the record log in order. A contributor's pending ref is
// the transfer reference on their latest failed record.
func newPayState(records []*PayoutRecord) *payState {
	st := &payState{
		paid:       make(map[string]bool),
		pendingRef: make(map[string]string),
	}
	for _, rec := range records {
		switch rec.Outcome {
		case OutcomeSuccess:
			st.paid[rec.ContributorID] = true
			delete(st.pendingRef, rec.ContributorID)
		case OutcomeFailed:
			if !st.paid[rec.ContributorID] {
				st.pendingRef[rec.ContributorID] = rec.SubmittedRef
			}
		}
	}
	return st
}

func (st *payState) unpaid(queue []PlannedPayout) []PlannedPayout {
	var out []PlannedPayout
	for _, entry := range queue {
		if !st.paid[entry.ContributorID] {
			out = append(out, entry)
		}
	}
	return out
}

// Summarize counts each queued contributor once by their best outcome.
func Summarize(queue []PlannedPayout, records []*PayoutRecord) Totals {
	st := newPayState(records)
	var t Totals
	for _, entry := range queue {
		if st.paid[entry.ContributorID] {
			t.Succeeded++
			t.Distributed += entry.TokenAmount
		} else {
			t.Failed++
		}
	}
	return t
}

// Status is the terminal status these totals resolve to. A run with an
// empty queue is failed.
func (t Totals) Status(planned int) Status {
	switch {
	case planned > 0 && t.Succeeded == planned:
		return StatusCompleted
	case t.Succeeded > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
