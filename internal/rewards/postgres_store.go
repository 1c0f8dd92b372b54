package rewards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// runCreateLockKey serializes run creation so overlap checks see every
// committed run.
const runCreateLockKey = "distribution_runs:create"

// PostgresStore persists distribution runs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL rewards store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const runColumns = `id, window_start, window_end, total_points, pool_tokens, min_payout, ratio,
	status, planned_count, planned_tokens, succeeded_count, failed_count, distributed_tokens,
	created_at, started_at, completed_at`

const recordColumns = `id, run_id, contributor_id, wallet_address, points, token_amount,
	tx_ref, submitted_ref, outcome, failure_reason, created_at`

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run, plan []PlannedPayout) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, runCreateLockKey); err != nil {
		return fmt.Errorf("lock run creation: %w", err)
	}

	var exact, overlapping bool
	err = tx.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM distribution_runs WHERE window_start = $1 AND window_end = $2),
			EXISTS (SELECT 1 FROM distribution_runs
				WHERE status NOT IN ('completed', 'partial', 'failed')
				AND window_start < $2 AND $1 < window_end)`,
		run.WindowStart, run.WindowEnd,
	).Scan(&exact, &overlapping)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if exact {
		return ErrRunExists
	}
	if overlapping {
		return ErrOverlappingRun
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO distribution_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.WindowStart, run.WindowEnd, run.TotalPoints, run.PoolTokens, run.MinPayout, run.Ratio,
		string(run.Status), run.PlannedCount, run.PlannedTokens, run.SucceededCount, run.FailedCount,
		run.DistributedTokens, run.CreatedAt, run.StartedAt, run.CompletedAt,
	)
	if isUniqueViolation(err) {
		return ErrRunExists
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO planned_payouts (run_id, contributor_id, wallet_address, points, token_amount)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare plan insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, p := range plan {
		if _, err := stmt.ExecContext(ctx, run.ID, p.ContributorID, p.WalletAddress, p.Points, p.TokenAmount); err != nil {
			return fmt.Errorf("insert planned payout %s: %w", p.ContributorID, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM distribution_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

func (s *PostgresStore) GetRunByWindow(ctx context.Context, start, end time.Time) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM distribution_runs WHERE window_start = $1 AND window_end = $2`,
		start, end)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, q RunQuery) ([]*Run, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	var (
		rows *sql.Rows
		err  error
	)
	if q.Before != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+runColumns+` FROM distribution_runs
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`,
			q.Before.CreatedAt, q.Before.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+runColumns+` FROM distribution_runs
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

func (s *PostgresStore) ListRunsByStatus(ctx context.Context, statuses ...Status) ([]*Run, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM distribution_runs
		WHERE status = ANY($1)
		ORDER BY window_start ASC`, pq.Array(names))
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

func (s *PostgresStore) TransitionRun(ctx context.Context, id string, to Status, totals *Totals, at time.Time) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM distribution_runs WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := checkTransition(r.Status, to); err != nil {
		return nil, err
	}
	applyTransition(r, to, totals, at)

	_, err = tx.ExecContext(ctx, `
		UPDATE distribution_runs SET
			status = $2, succeeded_count = $3, failed_count = $4, distributed_tokens = $5,
			started_at = $6, completed_at = $7
		WHERE id = $1`,
		r.ID, string(r.Status), r.SucceededCount, r.FailedCount, r.DistributedTokens,
		r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

// --- Payouts ---

func (s *PostgresStore) PlannedPayouts(ctx context.Context, runID string) ([]PlannedPayout, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, contributor_id, wallet_address, points, token_amount
		FROM planned_payouts
		WHERE run_id = $1
		ORDER BY token_amount DESC, contributor_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var plan []PlannedPayout
	for rows.Next() {
		var p PlannedPayout
		if err := rows.Scan(&p.RunID, &p.ContributorID, &p.WalletAddress, &p.Points, &p.TokenAmount); err != nil {
			return nil, err
		}
		plan = append(plan, p)
	}
	return plan, rows.Err()
}

func (s *PostgresStore) PayoutRecords(ctx context.Context, runID string) ([]*PayoutRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM payout_records
		WHERE run_id = $1
		ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *PostgresStore) ContributorPayouts(ctx context.Context, contributorID string, limit int) ([]*PayoutRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM payout_records
		WHERE contributor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, contributorID, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *PostgresStore) RecordPayout(ctx context.Context, rec *PayoutRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payout_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, contributor_id) WHERE outcome = 'success' DO NOTHING`,
		rec.ID, rec.RunID, rec.ContributorID, rec.WalletAddress, rec.Points, rec.TokenAmount,
		nullString(rec.TxRef), nullString(rec.SubmittedRef), string(rec.Outcome),
		nullString(rec.FailureReason), rec.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch {
			case pqErr.Code == "23503":
				return false, ErrRunNotFound
			case pqErr.Code == "23505" && pqErr.Constraint == "idx_payout_records_tx_ref":
				return false, fmt.Errorf("%w: %s", ErrTxRefUsed, rec.TxRef)
			}
		}
		return false, fmt.Errorf("insert payout record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if rec.Outcome == OutcomeSuccess {
		_, err = tx.ExecContext(ctx, `
			UPDATE contributors SET lifetime_tokens = lifetime_tokens + $2, updated_at = $3
			WHERE id = $1`, rec.ContributorID, rec.TokenAmount, rec.CreatedAt)
		if err != nil {
			return false, fmt.Errorf("credit lifetime tokens: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// LockRun holds a session advisory lock on a dedicated connection until
// unlock is called.
func (s *PostgresStore) LockRun(ctx context.Context, runID string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, runID).Scan(&locked); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("lock run: %w", err)
	}
	if !locked {
		_ = conn.Close()
		return nil, ErrRunInProgress
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, runID)
		_ = conn.Close()
	}, nil
}

// --- Scanning ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var status string
	var started, completed sql.NullTime
	err := row.Scan(
		&r.ID, &r.WindowStart, &r.WindowEnd, &r.TotalPoints, &r.PoolTokens, &r.MinPayout, &r.Ratio,
		&status, &r.PlannedCount, &r.PlannedTokens, &r.SucceededCount, &r.FailedCount,
		&r.DistributedTokens, &r.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	defer func() { _ = rows.Close() }()
	var result []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]*PayoutRecord, error) {
	defer func() { _ = rows.Close() }()
	var result []*PayoutRecord
	for rows.Next() {
		rec := &PayoutRecord{}
		var outcome string
		var txRef, submitted, reason sql.NullString
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.ContributorID, &rec.WalletAddress, &rec.Points, &rec.TokenAmount,
			&txRef, &submitted, &outcome, &reason, &rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		rec.Outcome = Outcome(outcome)
		rec.TxRef = txRef.String
		rec.SubmittedRef = submitted.String
		rec.FailureReason = reason.String
		result = append(result, rec)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
