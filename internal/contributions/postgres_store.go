package contributions

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/wctlabs/wikirewards/internal/scoring"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists contributions data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL contributions store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contributorColumns = `id, wallet_address, reputation_multiplier, contribution_count,
	lifetime_points, lifetime_tokens, created_at, updated_at`

const eventColumns = `id, contributor_id, content_id, kind, base_points, quality_multiplier,
	reputation_multiplier, demand_multiplier, total_points, topic_ids, created_at`

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- Contributors ---

func (s *PostgresStore) CreateContributor(ctx context.Context, c *Contributor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributors (`+contributorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.WalletAddress, c.ReputationMultiplier, c.ContributionCount,
		c.LifetimePoints, c.LifetimeTokens, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrContributorExists
	}
	return err
}

func (s *PostgresStore) GetContributor(ctx context.Context, id string) (*Contributor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE id = $1`, id)
	c, err := scanContributor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContributorNotFound
	}
	return c, err
}

func (s *PostgresStore) GetContributors(ctx context.Context, ids []string) (map[string]*Contributor, error) {
	result := make(map[string]*Contributor, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contributorColumns+` FROM contributors WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		c, err := scanContributor(rows)
		if err != nil {
			return nil, err
		}
		result[c.ID] = c
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListContributorIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM contributors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UpdateWallet(ctx context.Context, id, wallet string) error {
	return s.updateContributor(ctx, `UPDATE contributors SET wallet_address = $2, updated_at = NOW() WHERE id = $1`, id, wallet)
}

func (s *PostgresStore) SetReputation(ctx context.Context, id string, multiplier float64) error {
	return s.updateContributor(ctx, `UPDATE contributors SET reputation_multiplier = $2, updated_at = NOW() WHERE id = $1`, id, multiplier)
}

func (s *PostgresStore) updateContributor(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrContributorNotFound
	}
	return nil
}

// --- Topics ---

func (s *PostgresStore) CreateTopic(ctx context.Context, t *Topic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (id, name, demand_multiplier, updated_at)
		VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.DemandMultiplier, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrTopicExists
	}
	return err
}

func (s *PostgresStore) GetTopic(ctx context.Context, id string) (*Topic, error) {
	t := &Topic{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, demand_multiplier, updated_at FROM topics WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.DemandMultiplier, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopicNotFound
	}
	return t, err
}

func (s *PostgresStore) GetTopics(ctx context.Context, ids []string) ([]*Topic, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, demand_multiplier, updated_at FROM topics WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	topics, err := scanTopics(rows)
	if err != nil {
		return nil, err
	}
	if len(topics) != len(ids) {
		return nil, ErrTopicNotFound
	}
	return topics, nil
}

func (s *PostgresStore) ListTopics(ctx context.Context) ([]*Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, demand_multiplier, updated_at FROM topics ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTopics(rows)
}

func (s *PostgresStore) SetDemand(ctx context.Context, id string, multiplier float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE topics SET demand_multiplier = $2, updated_at = NOW() WHERE id = $1`, id, multiplier)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTopicNotFound
	}
	return nil
}

func (s *PostgresStore) SetContentTopics(ctx context.Context, contentID string, topicIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM content_topics WHERE content_id = $1`, contentID); err != nil {
		return err
	}
	for _, topicID := range topicIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO content_topics (content_id, topic_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, contentID, topicID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
				return ErrTopicNotFound
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ContentTopics(ctx context.Context, contentID string) ([]*Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.demand_multiplier, t.updated_at
		FROM content_topics ct JOIN topics t ON t.id = ct.topic_id
		WHERE ct.content_id = $1 ORDER BY t.name`, contentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTopics(rows)
}

// --- Events ---

func (s *PostgresStore) RecordEvent(ctx context.Context, ev *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, `
		UPDATE contributors
		SET contribution_count = contribution_count + 1,
			lifetime_points = lifetime_points + $2,
			updated_at = NOW()
		WHERE id = $1`, ev.ContributorID, ev.TotalPoints)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrContributorNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contribution_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.ContributorID, ev.ContentID, string(ev.Kind), ev.BasePoints, ev.QualityMultiplier,
		ev.ReputationMultiplier, ev.DemandMultiplier, ev.TotalPoints, pq.Array(ev.TopicIDs), ev.CreatedAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) EventsInWindow(ctx context.Context, start, end time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM contribution_events
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC, id ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) RecentEvents(ctx context.Context, contributorID string, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM contribution_events
		WHERE contributor_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, contributorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) CountTopicEventsSince(ctx context.Context, topicID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contribution_events e
		WHERE e.created_at >= $2
		  AND EXISTS (SELECT 1 FROM content_topics ct WHERE ct.content_id = e.content_id AND ct.topic_id = $1)`,
		topicID, since,
	).Scan(&count)
	return count, err
}

// --- Scanning ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContributor(row scanner) (*Contributor, error) {
	c := &Contributor{}
	err := row.Scan(
		&c.ID, &c.WalletAddress, &c.ReputationMultiplier, &c.ContributionCount,
		&c.LifetimePoints, &c.LifetimeTokens, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanTopics(rows *sql.Rows) ([]*Topic, error) {
	var result []*Topic
	for rows.Next() {
		t := &Topic{}
		if err := rows.Scan(&t.ID, &t.Name, &t.DemandMultiplier, &t.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var kind string
		var topics pq.StringArray
		if err := rows.Scan(
			&ev.ID, &ev.ContributorID, &ev.ContentID, &kind, &ev.BasePoints, &ev.QualityMultiplier,
			&ev.ReputationMultiplier, &ev.DemandMultiplier, &ev.TotalPoints, &topics, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Kind = scoring.Kind(kind)
		ev.TopicIDs = []string(topics)
		result = append(result, ev)
	}
	return result, rows.Err()
}
