package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRecorder stores records in the idempotency_keys table. The primary key
// on key makes Claim atomic: the insert either wins or raises a unique
// violation, and the loser reads the winner's record.
type PGRecorder struct {
	db *pgxpool.Pool
}

func NewPGRecorder(db *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{db: db}
}

func (r *PGRecorder) Claim(ctx context.Context, key, requestHash string) (*Record, bool, error) {
	_, err := r.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, StatusInProgress,
	)
	if err == nil {
		return nil, true, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, false, fmt.Errorf("key reservation failed: %w", err)
	}

	rec := &Record{Key: key}
	err = r.db.QueryRow(ctx,
		"SELECT request_hash, status, COALESCE(body, 'null'::jsonb), updated_at FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.RequestHash, &rec.Status, &rec.Body, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			// The winning claim vanished between our insert and read; treat
			// as in flight and let the caller retry.
			return nil, false, ErrInFlight
		}
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return rec, false, nil
}

func (r *PGRecorder) Finalize(ctx context.Context, key, status string, body json.RawMessage) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE idempotency_keys SET status = $1, body = $2, updated_at = NOW() WHERE key = $3",
		status, body, key,
	)
	if err != nil {
		return fmt.Errorf("idempotency finalize failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency finalize: key %q not found", key)
	}
	return nil
}
