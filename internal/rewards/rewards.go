// Package rewards turns a window of scored contributions into token
// payouts and executes them against the ledger.
//
// Flow:
//  1. Aggregate sums each contributor's points over a half-open window
//  2. Plan converts points to whole-token amounts with a minimum floor
//  3. CreateRun persists the run (pending) and its payout queue, snapshotting wallets
//  4. Execute walks the queue one transfer at a time, appending a payout
//     record per attempt; successful contributors are never paid twice
//  5. The run resolves to completed, partial or failed from its records
package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/wctlabs/wikirewards/internal/pagination"
)

// Errors
var (
	ErrRunNotFound          = errors.New("distribution run not found")
	ErrRunExists            = errors.New("distribution run already exists for this window")
	ErrRunTerminal          = errors.New("distribution run is already finished")
	ErrRunNotFinished       = errors.New("distribution run is not finished")
	ErrRunInProgress        = errors.New("distribution run is being executed elsewhere")
	ErrInvalidTransition    = errors.New("invalid run status transition")
	ErrOverlappingRun       = errors.New("an unfinished run overlaps this window")
	ErrInvalidWindow        = errors.New("window end must be after start")
	ErrInvalidPool          = errors.New("invalid pool or minimum payout")
	ErrInsufficientTreasury = errors.New("treasury balance cannot cover the remaining payouts")
	ErrNotPlanned           = errors.New("contributor is not part of this run")
	ErrNothingToDistribute  = errors.New("no points earned in window")
	ErrUnconfirmed          = errors.New("transfer is not confirmed on the ledger")
	ErrTransferMismatch     = errors.New("transfer does not match the planned payout")
	ErrTxRefUsed            = errors.New("transaction already backs another payout")
)

// Status is the lifecycle state of a distribution run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// rank orders statuses; terminal states are ordered by how much was paid.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusFailed:
		return 2
	case StatusPartial:
		return 3
	case StatusCompleted:
		return 4
	}
	return -1
}

// CanTransition reports whether a run may move from one status to another.
// Runs only move forward; a finished run never returns to pending or
// processing, and can only be upgraded by a retry that paid more.
func CanTransition(from, to Status) bool {
	if from.rank() < 0 || to.rank() < 0 || from == to {
		return false
	}
	if from.Terminal() && !to.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Outcome is the result of one payout attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Run is one reward period.
type Run struct {
	ID                string     `json:"id"`
	WindowStart       time.Time  `json:"windowStart"`
	WindowEnd         time.Time  `json:"windowEnd"`
	TotalPoints       int64      `json:"totalPoints"`
	PoolTokens        int64      `json:"poolTokens"`
	MinPayout         int64      `json:"minPayout"`
	Ratio             float64    `json:"ratio"`
	Status            Status     `json:"status"`
	PlannedCount      int        `json:"plannedCount"`
	PlannedTokens     int64      `json:"plannedTokens"`
	SucceededCount    int        `json:"succeededCount"`
	FailedCount       int        `json:"failedCount"`
	DistributedTokens int64      `json:"distributedTokens"`
	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// PlannedPayout is one entry of a run's payout queue. The wallet is the
// contributor's address when the run was created.
type PlannedPayout struct {
	RunID         string `json:"runId"`
	ContributorID string `json:"contributorId"`
	WalletAddress string `json:"walletAddress"`
	Points        int64  `json:"points"`
	TokenAmount   int64  `json:"tokenAmount"`
}

// PayoutRecord is an immutable record of one payout attempt.
type PayoutRecord struct {
	ID            string    `json:"id"`
	RunID         string    `json:"runId"`
	ContributorID string    `json:"contributorId"`
	WalletAddress string    `json:"walletAddress"`
	Points        int64     `json:"points"`
	TokenAmount   int64     `json:"tokenAmount"`
	TxRef         string    `json:"txRef,omitempty"`
	SubmittedRef  string    `json:"submittedRef,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Totals summarizes a run's outcomes over its queue.
type Totals struct {
	Succeeded   int
	Failed      int
	Distributed int64
}

// Params are the distribution knobs passed in at call time.
type Params struct {
	PoolTokens     int64
	MinPayout      int64
	TransferDelay  time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// RunQuery pages through runs newest first.
type RunQuery struct {
	Limit  int
	Before *pagination.Cursor
}

// Store persists distribution runs, payout queues and payout records.
type Store interface {
	// CreateRun persists a pending run with its payout queue. It fails with
	// ErrOverlappingRun if an unfinished run overlaps the window and with
	// ErrRunExists if a run already covers exactly this window.
	CreateRun(ctx context.Context, run *Run, plan []PlannedPayout) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunByWindow(ctx context.Context, start, end time.Time) (*Run, error)
	ListRuns(ctx context.Context, q RunQuery) ([]*Run, error)
	ListRunsByStatus(ctx context.Context, statuses ...Status) ([]*Run, error)
	// TransitionRun moves a run to a new status, enforcing CanTransition.
	// Totals are written when moving to a terminal status; moving a finished
	// run to its current status only rewrites its totals.
	TransitionRun(ctx context.Context, id string, to Status, totals *Totals, at time.Time) (*Run, error)

	// PlannedPayouts returns the queue ordered by token amount descending,
	// then contributor id.
	PlannedPayouts(ctx context.Context, runID string) ([]PlannedPayout, error)
	PayoutRecords(ctx context.Context, runID string) ([]*PayoutRecord, error)
	ContributorPayouts(ctx context.Context, contributorID string, limit int) ([]*PayoutRecord, error)
	// RecordPayout appends a record. A success record for a contributor
	// already paid in the run is not inserted and returns false. A success
	// whose txRef already backs another success fails with ErrTxRefUsed.
	// Inserting a success credits the contributor's lifetime tokens in the
	// same step.
	RecordPayout(ctx context.Context, rec *PayoutRecord) (bool, error)

	// LockRun takes the exclusive right to execute a run, failing with
	// ErrRunInProgress if another executor holds it.
	LockRun(ctx context.Context, runID string) (unlock func(), err error)
}

// Request/response types for handlers.

// CreateRunRequest is the request body for POST /v1/rewards/create-distribution.
type CreateRunRequest struct {
	StartDate   string `json:"startDate" binding:"required"`
	EndDate     string `json:"endDate" binding:"required"`
	TotalTokens int64  `json:"totalTokens" binding:"required"`
	MinPayout   *int64 `json:"minPayout"`
}

// ConfirmRequest is the request body for POST /v1/rewards/confirm.
type ConfirmRequest struct {
	RunID         string `json:"runId" binding:"required"`
	ContributorID string `json:"contributorId" binding:"required"`
	TxRef         string `json:"txRef"`
	Success       bool   `json:"success"`
	Error         string `json:"error"`
}

// CompleteRequest is the request body for POST /v1/rewards/distribution-complete.
type CompleteRequest struct {
	RunID string `json:"runId" binding:"required"`
}
