package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed epoch store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the epochs table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pool_epochs (
			id BIGINT PRIMARY KEY,
			state TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			winner TEXT NOT NULL DEFAULT '',
			prize BIGINT NOT NULL DEFAULT 0,
			random_request_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure pool_epochs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateEpoch(ctx context.Context, epoch Epoch) (Epoch, error) {
	now := time.Now().UTC()
	epoch.CreatedAt = now
	epoch.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_epochs (id, state, started_at, ended_at, winner, prize, random_request_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, epoch.ID, string(epoch.State), epoch.StartedAt, nullTime(epoch.EndedAt), epoch.Winner, epoch.Prize, epoch.RandomRequestID, epoch.CreatedAt, epoch.UpdatedAt)
	if err != nil {
		return Epoch{}, err
	}
	return epoch, nil
}

func (s *PostgresStore) UpdateEpoch(ctx context.Context, epoch Epoch) (Epoch, error) {
	epoch.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE pool_epochs
		SET state = $2, ended_at = $3, winner = $4, prize = $5, random_request_id = $6, updated_at = $7
		WHERE id = $1
	`, epoch.ID, string(epoch.State), nullTime(epoch.EndedAt), epoch.Winner, epoch.Prize, epoch.RandomRequestID, epoch.UpdatedAt)
	if err != nil {
		return Epoch{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Epoch{}, sql.ErrNoRows
	}
	return epoch, nil
}

func (s *PostgresStore) GetEpoch(ctx context.Context, id int64) (Epoch, error) {
	row := s.db.QueryRowContext(ctx, epochSelect+` WHERE id = $1`, id)
	return scanEpoch(row)
}

func (s *PostgresStore) CurrentEpoch(ctx context.Context) (Epoch, error) {
	row := s.db.QueryRowContext(ctx, epochSelect+` ORDER BY id DESC LIMIT 1`)
	return scanEpoch(row)
}

func (s *PostgresStore) ListEpochs(ctx context.Context, limit int) ([]Epoch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, epochSelect+` ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		epoch, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, epoch)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE winner <> ''),
		       COALESCE(SUM(prize) FILTER (WHERE winner <> ''), 0),
		       COALESCE(MAX(prize) FILTER (WHERE winner <> ''), 0),
		       COALESCE(MAX(id), 0)
		FROM pool_epochs
	`)

	var stats Stats
	if err := row.Scan(&stats.TotalEpochs, &stats.CompletedDraws, &stats.TotalPrizesPaid, &stats.LargestPrize, &stats.CurrentEpochID); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

const epochSelect = `
	SELECT id, state, started_at, ended_at, winner, prize, random_request_id, created_at, updated_at
	FROM pool_epochs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpoch(row rowScanner) (Epoch, error) {
	var (
		epoch Epoch
		state string
		ended sql.NullTime
	)
	if err := row.Scan(&epoch.ID, &state, &epoch.StartedAt, &ended, &epoch.Winner, &epoch.Prize, &epoch.RandomRequestID, &epoch.CreatedAt, &epoch.UpdatedAt); err != nil {
		return Epoch{}, err
	}
	epoch.State = EpochState(state)
	if ended.Valid {
		epoch.EndedAt = ended.Time
	}
	return epoch, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
