package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibewell/bookingops/internal/models"
)

var ErrTransactionNotFound = errors.New("payment transaction not found")

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Migrate creates the schema. The partial unique index on reservations is
// the load-bearing piece: it is what makes check-then-insert safe under
// concurrent requests.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS reservations (
			id UUID PRIMARY KEY,
			business_id UUID NOT NULL,
			service_id UUID NOT NULL,
			customer_id UUID NOT NULL,
			slot_date TEXT NOT NULL,
			slot_time TEXT NOT NULL,
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS reservations_active_slot
			ON reservations (business_id, service_id, slot_date, slot_time)
			WHERE status IN ('pending', 'confirmed');

		CREATE TABLE IF NOT EXISTS payment_transactions (
			id UUID PRIMARY KEY,
			reservation_id UUID NOT NULL REFERENCES reservations(id),
			customer_id UUID NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			gateway_ref TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			body JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	return nil
}

const txColumns = `id, reservation_id, customer_id, amount, currency, status,
	gateway_ref, failure_reason, idempotency_key, retry_count, created_at, updated_at`

// CreateTransaction inserts a pending payment transaction.
func (s *Store) CreateTransaction(ctx context.Context, t *models.PaymentTransaction) error {
	err := s.Db.QueryRow(ctx, `
		INSERT INTO payment_transactions (id, reservation_id, customer_id, amount, currency, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		t.ID, t.ReservationID, t.CustomerID, t.Amount, t.Currency, t.Status, t.IdempotencyKey,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

// UpdateTransaction records the terminal outcome of a gateway call. Status
// transitions are enforced by the coordinator; the store just persists.
func (s *Store) UpdateTransaction(ctx context.Context, id uuid.UUID, status, gatewayRef, failureReason string, retryCount int) error {
	tag, err := s.Db.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $1, gateway_ref = $2, failure_reason = $3, retry_count = $4, updated_at = NOW()
		WHERE id = $5`,
		status, gatewayRef, failureReason, retryCount, id,
	)
	if err != nil {
		return fmt.Errorf("transaction update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// GetTransaction retrieves a payment transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	t := &models.PaymentTransaction{}
	err := s.Db.QueryRow(ctx,
		"SELECT "+txColumns+" FROM payment_transactions WHERE id = $1", id,
	).Scan(&t.ID, &t.ReservationID, &t.CustomerID, &t.Amount, &t.Currency, &t.Status,
		&t.GatewayRef, &t.FailureReason, &t.IdempotencyKey, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction lookup failed: %w", err)
	}
	return t, nil
}
