// Package reconciliation audits finished distribution runs against the
// ledger: every success record must point at a confirmed transfer and each
// run's counters must match its payout records.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wctlabs/wikirewards/internal/ledger"
	"github.com/wctlabs/wikirewards/internal/metrics"
	"github.com/wctlabs/wikirewards/internal/rewards"
)

// DefaultLookback bounds the audit to runs finished this recently.
const DefaultLookback = 30 * 24 * time.Hour

// Mismatch kinds.
const (
	KindTransferFailed   = "transfer_failed"
	KindTransferPending  = "transfer_pending"
	KindMissingTxRef     = "missing_tx_ref"
	KindUnplannedRecord  = "unplanned_record"
	KindDuplicateSuccess = "duplicate_success"
	KindTotals           = "totals"
)

// RunSource is the part of the rewards store the audit reads.
type RunSource interface {
	ListRunsByStatus(ctx context.Context, statuses ...rewards.Status) ([]*rewards.Run, error)
	PlannedPayouts(ctx context.Context, runID string) ([]rewards.PlannedPayout, error)
	PayoutRecords(ctx context.Context, runID string) ([]*rewards.PayoutRecord, error)
}

// Confirmer looks up transfers on the ledger.
type Confirmer interface {
	ConfirmTransfer(ctx context.Context, txRef string) (ledger.Confirmation, error)
}

// Mismatch is one discrepancy found by the audit.
type Mismatch struct {
	RunID         string `json:"runId"`
	ContributorID string `json:"contributorId,omitempty"`
	TxRef         string `json:"txRef,omitempty"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail"`
}

// Report summarizes one audit pass.
type Report struct {
	RunsChecked    int        `json:"runsChecked"`
	RecordsChecked int        `json:"recordsChecked"`
	Mismatches     []Mismatch `json:"mismatches"`
	StartedAt      time.Time  `json:"startedAt"`
	DurationMs     int64      `json:"durationMs"`
}

// Clean reports whether the audit found nothing.
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0
}

// Service performs reconciliation between payout records and the ledger.
type Service struct {
	runs     RunSource
	ledger   Confirmer
	lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewService creates a reconciliation service. A non-positive lookback uses
// DefaultLookback.
func NewService(runs RunSource, l Confirmer, lookback time.Duration, logger *slog.Logger) *Service {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Service{
		runs:     runs,
		ledger:   l,
		lookback: lookback,
		logger:   logger,
		now:      time.Now,
	}
}

// RunAll audits every run that finished within the lookback.
func (s *Service) RunAll(ctx context.Context) (*Report, error) {
	started := s.now()
	report := &Report{StartedAt: started.UTC(), Mismatches: []Mismatch{}}

	runs, err := s.runs.ListRunsByStatus(ctx, rewards.StatusCompleted, rewards.StatusPartial, rewards.StatusFailed)
	if err != nil {
		metrics.ReconcileErrorsTotal.Inc()
		return nil, fmt.Errorf("list finished runs: %w", err)
	}

	cutoff := started.Add(-s.lookback)
	for _, run := range runs {
		if run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			continue
		}
		found, checked, err := s.ReconcileRun(ctx, run)
		if err != nil {
			metrics.ReconcileErrorsTotal.Inc()
			return nil, fmt.Errorf("reconcile run %s: %w", run.ID, err)
		}
		report.RunsChecked++
		report.RecordsChecked += checked
		report.Mismatches = append(report.Mismatches, found...)
	}

	elapsed := s.now().Sub(started)
	report.DurationMs = elapsed.Milliseconds()
	metrics.ReconcileDuration.Observe(elapsed.Seconds())
	metrics.ReconcileMismatches.Set(float64(len(report.Mismatches)))

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if report.Clean() {
		s.logger.Info("reconciliation clean", "runs", report.RunsChecked, "records", report.RecordsChecked)
	} else {
		s.logger.Error("reconciliation found mismatches",
			"runs", report.RunsChecked,
			"mismatches", len(report.Mismatches),
		)
	}
	return report, nil
}

// ReconcileRun audits one run and returns its mismatches and the number of
// records checked.
func (s *Service) ReconcileRun(ctx context.Context, run *rewards.Run) ([]Mismatch, int, error) {
	queue, err := s.runs.PlannedPayouts(ctx, run.ID)
	if err != nil {
		return nil, 0, err
	}
	records, err := s.runs.PayoutRecords(ctx, run.ID)
	if err != nil {
		return nil, 0, err
	}

	planned := make(map[string]bool, len(queue))
	for _, entry := range queue {
		planned[entry.ContributorID] = true
	}

	var found []Mismatch
	add := func(rec *rewards.PayoutRecord, kind, detail string) {
		m := Mismatch{RunID: run.ID, Kind: kind, Detail: detail}
		if rec != nil {
			m.ContributorID = rec.ContributorID
			m.TxRef = rec.TxRef
		}
		found = append(found, m)
	}

	paid := make(map[string]bool)
	for _, rec := range records {
		if !planned[rec.ContributorID] {
			add(rec, KindUnplannedRecord, "record for a contributor outside the payout queue")
		}
		if rec.Outcome != rewards.OutcomeSuccess {
			continue
		}
		if paid[rec.ContributorID] {
			add(rec, KindDuplicateSuccess, "more than one success record")
		}
		paid[rec.ContributorID] = true

		if rec.TxRef == "" {
			add(rec, KindMissingTxRef, "success record without a transfer reference")
			continue
		}
		conf, err := s.ledger.ConfirmTransfer(ctx, rec.TxRef)
		if err != nil {
			return nil, 0, fmt.Errorf("confirm %s: %w", rec.TxRef, err)
		}
		switch {
		case conf.Failed:
			add(rec, KindTransferFailed, "ledger reports the transfer failed or unknown")
		case !conf.Confirmed:
			add(rec, KindTransferPending, "ledger has not confirmed the transfer")
		}
	}

	totals := rewards.Summarize(queue, records)
	if totals.Succeeded != run.SucceededCount ||
		totals.Failed != run.FailedCount ||
		totals.Distributed != run.DistributedTokens {
		add(nil, KindTotals, fmt.Sprintf(
			"run reports %d succeeded, %d failed, %d tokens; records give %d, %d, %d",
			run.SucceededCount, run.FailedCount, run.DistributedTokens,
			totals.Succeeded, totals.Failed, totals.Distributed))
	}
	return found, len(records), nil
}

// Last returns the most recent report, or nil before the first pass.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
