package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wctlabs/wikirewards/internal/idgen"
	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/pagination"
	"github.com/wctlabs/wikirewards/internal/tokens"
	"github.com/wctlabs/wikirewards/internal/traces"
)

// DefaultPageSize is the run listing page size when none is given.
const DefaultPageSize = 50

// Service implements reward calculation and distribution run management.
type Service struct {
	store       Store
	aggregator  *Aggregator
	distributor *Distributor
	ledger      ledger.Ledger
	params      Params
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new rewards service. params supplies the default
// pool and floor for new runs and the pacing of transfers.
func NewService(store Store, source EventSource, l ledger.Ledger, params Params, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		aggregator:  NewAggregator(source),
		distributor: NewDistributor(store, l, logger),
		ledger:      l,
		params:      params,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Params returns the service's default distribution parameters.
func (s *Service) Params() Params {
	return s.params
}

// Calculation is an aggregate with an optional payout preview.
type Calculation struct {
	*Aggregate
	Ratio         float64         `json:"ratio,omitempty"`
	PoolTokens    int64           `json:"poolTokens,omitempty"`
	MinPayout     int64           `json:"minPayout,omitempty"`
	Plan          []PlannedPayout `json:"plan,omitempty"`
	PlannedTokens int64           `json:"plannedTokens,omitempty"`
}

// Calculate aggregates a window without side effects. When pool is
// positive the planned payouts are included.
func (s *Service) Calculate(ctx context.Context, start, end time.Time, pool int64, minPayout *int64) (*Calculation, error) {
	agg, err := s.aggregator.Aggregate(ctx, start, end)
	if err != nil {
		return nil, err
	}
	calc := &Calculation{Aggregate: agg}
	if pool <= 0 {
		return calc, nil
	}
	floor, err := s.resolveFloor(pool, minPayout)
	if err != nil {
		return nil, err
	}
	calc.PoolTokens = pool
	calc.MinPayout = floor
	calc.Ratio = Ratio(pool, agg.TotalPoints)
	calc.Plan = Plan(agg.PerContributor, agg.TotalPoints, pool, floor)
	calc.PlannedTokens = PlanTotal(calc.Plan)
	return calc, nil
}

func (s *Service) resolveFloor(pool int64, minPayout *int64) (int64, error) {
	floor := s.params.MinPayout
	if minPayout != nil {
		floor = *minPayout
	}
	if pool <= 0 {
		return 0, fmt.Errorf("%w: totalTokens must be positive", ErrInvalidPool)
	}
	if floor < 0 || floor > pool {
		return 0, fmt.Errorf("%w: minPayout must be between 0 and totalTokens", ErrInvalidPool)
	}
	return floor, nil
}

// CreateRun aggregates the window, plans the payouts and persists a pending
// run with its payout queue. Wallets are snapshotted into the queue.
func (s *Service) CreateRun(ctx context.Context, start, end time.Time, pool int64, minPayout *int64) (*Run, error) {
	ctx, span := traces.StartSpan(ctx, "rewards.CreateRun")
	defer span.End()

	if !end.After(start) {
		return nil, ErrInvalidWindow
	}
	floor, err := s.resolveFloor(pool, minPayout)
	if err != nil {
		return nil, err
	}

	agg, err := s.aggregator.Aggregate(ctx, start, end)
	if err != nil {
		traces.Fail(span, err, "aggregate")
		return nil, err
	}
	if agg.TotalPoints == 0 {
		return nil, ErrNothingToDistribute
	}
	plan := Plan(agg.PerContributor, agg.TotalPoints, pool, floor)
	if len(plan) == 0 {
		return nil, ErrNothingToDistribute
	}

	run := &Run{
		ID:            idgen.RunID(),
		WindowStart:   start.UTC(),
		WindowEnd:     end.UTC(),
		TotalPoints:   agg.TotalPoints,
		PoolTokens:    pool,
		MinPayout:     floor,
		Ratio:         Ratio(pool, agg.TotalPoints),
		Status:        StatusPending,
		PlannedCount:  len(plan),
		PlannedTokens: PlanTotal(plan),
		CreatedAt:     s.now(),
	}
	span.SetAttributes(traces.RunID(run.ID))
	for i := range plan {
		plan[i].RunID = run.ID
	}
	if err := s.store.CreateRun(ctx, run, plan); err != nil {
		traces.Fail(span, err, "create run")
		return nil, err
	}
	metrics.DistributionRunsTotal.WithLabelValues(string(StatusPending)).Inc()

	s.logger.Info("distribution run created",
		"runId", run.ID,
		"windowStart", run.WindowStart,
		"windowEnd", run.WindowEnd,
		"totalPoints", run.TotalPoints,
		"planned", run.PlannedCount,
		"plannedTokens", run.PlannedTokens,
	)
	return run, nil
}

// Execute walks a run's payout queue until every entry has been attempted.
func (s *Service) Execute(ctx context.Context, runID string) (*Run, error) {
	return s.distributor.Execute(ctx, runID, s.params)
}

// Retry re-attempts unpaid contributors of a partial or failed run.
func (s *Service) Retry(ctx context.Context, runID string) (*Run, error) {
	return s.distributor.Retry(ctx, runID, s.params)
}

// DistributeWindow creates the run for a window, or picks up the existing
// one, and executes it. A finished run for the window returns ErrRunExists.
func (s *Service) DistributeWindow(ctx context.Context, start, end time.Time) (*Run, error) {
	run, err := s.CreateRun(ctx, start, end, s.params.PoolTokens, nil)
	if errors.Is(err, ErrRunExists) {
		run, err = s.store.GetRunByWindow(ctx, start.UTC(), end.UTC())
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, ErrRunExists
		}
	} else if err != nil {
		return nil, err
	}
	return s.Execute(ctx, run.ID)
}

// ResumeIncomplete executes every run left pending or processing, oldest
// window first. Runs held by another executor are skipped.
func (s *Service) ResumeIncomplete(ctx context.Context) ([]*Run, error) {
	runs, err := s.store.ListRunsByStatus(ctx, StatusPending, StatusProcessing)
	if err != nil {
		return nil, err
	}
	var (
		resumed []*Run
		errs    []error
	)
	for _, r := range runs {
		run, err := s.Execute(ctx, r.ID)
		switch {
		case err == nil:
			resumed = append(resumed, run)
		case errors.Is(err, ErrRunInProgress), errors.Is(err, ErrRunTerminal):
		default:
			errs = append(errs, fmt.Errorf("run %s: %w", r.ID, err))
		}
	}
	return resumed, errors.Join(errs...)
}

// Confirm records a payout outcome reported by an external driver. A
// claimed success is only recorded once the ledger confirms the reference
// as a transfer of the planned amount from the treasury to the contributor's
// account, and only if no other success in the run already cites it.
// It reports whether a new record was written.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*PayoutRecord, bool, error) {
	unlock, err := s.store.LockRun(ctx, req.RunID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	run, err := s.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, false, err
	}
	if run.Status.Terminal() {
		return nil, false, ErrRunTerminal
	}
	entry, err := s.plannedEntry(ctx, run.ID, req.ContributorID)
	if err != nil {
		return nil, false, err
	}

	rec := newRecord(entry, s.now())
	if req.Success {
		if req.TxRef == "" {
			return nil, false, fmt.Errorf("%w: txRef is required", ErrUnconfirmed)
		}
		if err := s.checkTxRefUnused(ctx, run.ID, req.ContributorID, req.TxRef); err != nil {
			return nil, false, err
		}
		conf, err := s.ledger.ConfirmTransfer(ctx, req.TxRef)
		if err != nil {
			return nil, false, fmt.Errorf("check transfer: %w", err)
		}
		if !conf.Confirmed {
			return nil, false, ErrUnconfirmed
		}
		if err := s.checkTransfer(ctx, entry, req.TxRef); err != nil {
			return nil, false, err
		}
		rec.TxRef = req.TxRef
		rec.Outcome = OutcomeSuccess
	} else {
		rec.SubmittedRef = req.TxRef
		rec.Outcome = OutcomeFailed
		rec.FailureReason = req.Error
		if rec.FailureReason == "" {
			rec.FailureReason = "reported failed"
		}
	}

	if run.Status == StatusPending {
		if _, err := s.store.TransitionRun(ctx, run.ID, StatusProcessing, nil, s.now()); err != nil {
			return nil, false, err
		}
		metrics.DistributionRunsTotal.WithLabelValues(string(StatusProcessing)).Inc()
	}

	inserted, err := s.store.RecordPayout(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		metrics.PayoutsTotal.WithLabelValues(string(rec.Outcome)).Inc()
		if rec.Outcome == OutcomeSuccess {
			metrics.TokensDistributedTotal.Add(float64(rec.TokenAmount))
		}
	}
	return rec, inserted, nil
}

func (s *Service) checkTxRefUnused(ctx context.Context, runID, contributorID, txRef string) error {
	records, err := s.store.PayoutRecords(ctx, runID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Outcome == OutcomeSuccess && rec.TxRef == txRef && rec.ContributorID != contributorID {
			return fmt.Errorf("%w: %s already pays %s", ErrTxRefUsed, txRef, rec.ContributorID)
		}
	}
	return nil
}

// checkTransfer verifies that txRef moved the entry's tokens from the
// treasury to the contributor's ledger account.
func (s *Service) checkTransfer(ctx context.Context, entry PlannedPayout, txRef string) error {
	details, err := s.ledger.InspectTransfer(ctx, txRef)
	if err != nil {
		if errors.Is(err, ledger.ErrTransferNotFound) {
			return fmt.Errorf("%w: %v", ErrTransferMismatch, err)
		}
		return fmt.Errorf("check transfer: %w", err)
	}
	account, err := s.ledger.ResolveAccount(ctx, entry.WalletAddress)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrTransferMismatch, entry.WalletAddress, err)
	}
	amount := tokens.ToBaseUnits(entry.TokenAmount, s.ledger.Decimals())
	if !details.Matches(s.ledger.Treasury(), account, amount) {
		return fmt.Errorf("%w: %s paid %s to %s", ErrTransferMismatch, txRef,
			tokens.Format(details.Amount, s.ledger.Decimals()), details.To)
	}
	return nil
}

func (s *Service) plannedEntry(ctx context.Context, runID, contributorID string) (PlannedPayout, error) {
	queue, err := s.store.PlannedPayouts(ctx, runID)
	if err != nil {
		return PlannedPayout{}, err
	}
	for _, entry := range queue {
		if entry.ContributorID == contributorID {
			return entry, nil
		}
	}
	return PlannedPayout{}, ErrNotPlanned
}

// Complete resolves a run's terminal status from its recorded outcomes.
// Queue entries without a success count as failed.
func (s *Service) Complete(ctx context.Context, runID string) (*Run, error) {
	unlock, err := s.store.LockRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, ErrRunTerminal
	}
	queue, err := s.store.PlannedPayouts(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.PayoutRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	totals := Summarize(queue, records)
	status := totals.Status(len(queue))
	run, err = s.store.TransitionRun(ctx, runID, status, &totals, s.now())
	if err != nil {
		return nil, err
	}
	metrics.DistributionRunsTotal.WithLabelValues(string(status)).Inc()
	s.logger.Info("distribution run completed", "runId", runID, "status", status,
		"succeeded", totals.Succeeded, "failed", totals.Failed)
	return run, nil
}

// GetRun returns a run by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns pages through runs newest first. The returned cursor is empty on
// the last page.
func (s *Service) ListRuns(ctx context.Context, limit int, cursor string) ([]*Run, string, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	runs, err := s.store.ListRuns(ctx, RunQuery{Limit: limit + 1, Before: before})
	if err != nil {
		return nil, "", err
	}
	runs, next, _ := pagination.ComputePage(runs, limit, runKey)
	return runs, next, nil
}

func runKey(r *Run) (time.Time, string) {
	return r.CreatedAt, r.ID
}

// RunPayouts is a run with its queue and attempt log.
type RunPayouts struct {
	Run     *Run            `json:"run"`
	Planned []PlannedPayout `json:"planned"`
	Records []*PayoutRecord `json:"records"`
}

// RunPayouts returns a run's planned payouts and payout records.
func (s *Service) RunPayouts(ctx context.Context, runID string) (*RunPayouts, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	planned, err := s.store.PlannedPayouts(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.PayoutRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunPayouts{Run: run, Planned: planned, Records: records}, nil
}

// ContributorPayouts returns a contributor's payout records, newest first.
func (s *Service) ContributorPayouts(ctx context.Context, contributorID string, limit int) ([]*PayoutRecord, error) {
	return s.store.ContributorPayouts(ctx, contributorID, limit)
}
