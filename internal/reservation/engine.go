// Package reservation implements the booking slot engine. The core
// correctness property is that at most one pending or confirmed reservation
// exists per (business, service, date, time) slot at any instant, enforced by
// a partial unique index rather than application-level reads.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vibewell/bookingops/internal/models"
)

var (
	ErrSlotTaken   = errors.New("slot already reserved")
	ErrNotFound    = errors.New("reservation not found")
	ErrNotPending  = errors.New("reservation is not pending")
	ErrHoldExpired = errors.New("reservation hold expired")
)

// Engine performs all reservation state transitions against postgres. It
// holds no in-process locks: the database's unique constraint is the sole
// source of mutual exclusion, so any number of server instances can run.
type Engine struct {
	db     *pgxpool.Pool
	hold   time.Duration
	tracer trace.Tracer
}

func NewEngine(db *pgxpool.Pool, hold time.Duration) *Engine {
	return &Engine{
		db:     db,
		hold:   hold,
		tracer: otel.Tracer("bookingops/reservation"),
	}
}

const reservationColumns = `id, business_id, service_id, customer_id, slot_date, slot_time,
	status, expires_at, created_at, confirmed_at, cancelled_at`

// Reserve atomically verifies the slot is free and inserts a pending hold.
// A stale pending hold on the slot is cancelled in the same transaction, so
// abandoned holds never require the sweeper before the slot is retried.
func (e *Engine) Reserve(ctx context.Context, req models.ReserveRequest) (*models.Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.reserve",
		trace.WithAttributes(
			attribute.String("business.id", req.BusinessID.String()),
			attribute.String("service.id", req.ServiceID.String()),
			attribute.String("slot.date", req.SlotDate),
			attribute.String("slot.time", req.SlotTime),
		),
	)
	defer span.End()

	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lazy expiry: free the slot if its only occupant is a dead hold.
	_, err = tx.Exec(ctx, `
		UPDATE reservations
		SET status = $1, cancelled_at = NOW()
		WHERE business_id = $2 AND service_id = $3 AND slot_date = $4 AND slot_time = $5
		  AND status = $6 AND expires_at <= NOW()`,
		models.ReservationCancelled,
		req.BusinessID, req.ServiceID, req.SlotDate, req.SlotTime,
		models.ReservationPending,
	)
	if err != nil {
		return nil, fmt.Errorf("stale hold cleanup failed: %w", err)
	}

	res := &models.Reservation{
		ID:         uuid.New(),
		BusinessID: req.BusinessID,
		ServiceID:  req.ServiceID,
		CustomerID: req.CustomerID,
		SlotDate:   req.SlotDate,
		SlotTime:   req.SlotTime,
		Status:     models.ReservationPending,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO reservations (id, business_id, service_id, customer_id, slot_date, slot_time, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW() + make_interval(secs => $8))
		RETURNING expires_at, created_at`,
		res.ID, res.BusinessID, res.ServiceID, res.CustomerID,
		res.SlotDate, res.SlotTime, res.Status, e.hold.Seconds(),
	).Scan(&res.ExpiresAt, &res.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("reservation insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return res, nil
}

// Confirm transitions a live pending hold to confirmed. Expired or cancelled
// holds fail with ErrHoldExpired / ErrNotPending so callers never resurrect a
// released slot.
func (e *Engine) Confirm(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.confirm",
		trace.WithAttributes(attribute.String("reservation.id", id.String())),
	)
	defer span.End()

	res := &models.Reservation{}
	err := e.db.QueryRow(ctx, `
		UPDATE reservations
		SET status = $1, confirmed_at = NOW()
		WHERE id = $2 AND status = $3 AND expires_at > NOW()
		RETURNING `+reservationColumns,
		models.ReservationConfirmed, id, models.ReservationPending,
	).Scan(scanTargets(res)...)
	if err == nil {
		return res, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("confirm failed: %w", err)
	}

	// No row matched; distinguish why for the caller.
	existing, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status == models.ReservationPending {
		return nil, ErrHoldExpired
	}
	return nil, ErrNotPending
}

// Cancel releases a pending or confirmed reservation. Cancelling an already
// cancelled reservation is a no-op returning the current record.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "reservation.cancel",
		trace.WithAttributes(attribute.String("reservation.id", id.String())),
	)
	defer span.End()

	res := &models.Reservation{}
	err := e.db.QueryRow(ctx, `
		UPDATE reservations
		SET status = $1, cancelled_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
		RETURNING `+reservationColumns,
		models.ReservationCancelled, id,
		models.ReservationPending, models.ReservationConfirmed,
	).Scan(scanTargets(res)...)
	if err == nil {
		return res, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("cancel failed: %w", err)
	}
	return e.Get(ctx, id)
}

// Get returns a reservation by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	res := &models.Reservation{}
	err := e.db.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id,
	).Scan(scanTargets(res)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reservation lookup failed: %w", err)
	}
	return res, nil
}

func scanTargets(r *models.Reservation) []any {
	return []any{
		&r.ID, &r.BusinessID, &r.ServiceID, &r.CustomerID,
		&r.SlotDate, &r.SlotTime, &r.Status,
		&r.ExpiresAt, &r.CreatedAt, &r.ConfirmedAt, &r.CancelledAt,
	}
}
