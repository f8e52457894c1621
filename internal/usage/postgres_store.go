package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists ledger records to the usage_records table. Inserts
// only; rows are never updated or deleted.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO usage_records (request_id, provider, user_id, model, tokens_in, tokens_out, usage_estimated, cost_usd, outcome, error_kind, detail, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		rec.RequestID, rec.Provider, rec.UserID, rec.Model,
		rec.TokensIn, rec.TokensOut, rec.UsageEstimated, rec.Cost,
		string(rec.Outcome), rec.ErrorKind, rec.Detail, rec.LatencyMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT request_id, provider, user_id, model, tokens_in, tokens_out, usage_estimated, cost_usd, outcome, error_kind, detail, latency_ms, created_at
		FROM usage_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var outcome string
		err := rows.Scan(
			&r.RequestID, &r.Provider, &r.UserID, &r.Model,
			&r.TokensIn, &r.TokensOut, &r.UsageEstimated, &r.Cost,
			&outcome, &r.ErrorKind, &r.Detail, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Outcome = OutcomeKind(outcome)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) TotalCostByUser(ctx context.Context, userID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, userID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return total, nil
}
