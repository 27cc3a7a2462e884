// Package payment coordinates a reservation's charge: idempotency guard
// outermost, retries around the gateway call inside, and a compensating
// cancellation of the reservation when payment ultimately fails.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vibewell/bookingops/internal/gateway"
	"github.com/vibewell/bookingops/internal/idempotency"
	"github.com/vibewell/bookingops/internal/models"
	"github.com/vibewell/bookingops/internal/reservation"
	"github.com/vibewell/bookingops/internal/retry"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrPaymentFailed replays a recorded failure: the same key cannot
	// re-attempt the charge, a retry needs a fresh key.
	ErrPaymentFailed = errors.New("payment previously failed for this key")
	ErrNotRefundable = errors.New("only completed transactions can be refunded")
)

// Reservations is the slice of the reservation engine the coordinator needs.
type Reservations interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	Confirm(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
}

// TransactionStore persists payment transactions.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *models.PaymentTransaction) error
	UpdateTransaction(ctx context.Context, id uuid.UUID, status, gatewayRef, failureReason string, retryCount int) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
}

type Coordinator struct {
	reservations Reservations
	store        TransactionStore
	gateway      gateway.Gateway
	idem         *idempotency.Service
	retry        retry.Config
	tracer       trace.Tracer
}

func NewCoordinator(reservations Reservations, store TransactionStore, gw gateway.Gateway, idem *idempotency.Service, retryCfg retry.Config) *Coordinator {
	return &Coordinator{
		reservations: reservations,
		store:        store,
		gateway:      gw,
		idem:         idem,
		retry:        retryCfg,
		tracer:       otel.Tracer("bookingops/payment"),
	}
}

// outcome is what gets recorded under the idempotency key, success or not.
type outcome struct {
	Transaction *models.PaymentTransaction `json:"transaction"`
	Error       string                     `json:"error,omitempty"`
}

// ProcessPayment charges for a pending reservation exactly once per
// idempotency key. replayed reports that a previously recorded outcome was
// returned without touching the gateway.
func (c *Coordinator) ProcessPayment(ctx context.Context, req models.PaymentRequest) (tx *models.PaymentTransaction, replayed bool, err error) {
	if req.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if req.Currency == "" {
		return nil, false, fmt.Errorf("currency is required")
	}

	ctx, span := c.tracer.Start(ctx, "payment.process",
		trace.WithAttributes(
			attribute.String("reservation.id", req.ReservationID.String()),
			attribute.Int64("amount", req.Amount),
			attribute.String("currency", req.Currency),
		),
	)
	defer span.End()

	// The derived hash excludes anything that varies between logically
	// identical retries; a caller-supplied token takes precedence as the key.
	hash, err := idempotency.DeriveKey(struct {
		ReservationID uuid.UUID `json:"reservation_id"`
		CustomerID    uuid.UUID `json:"customer_id"`
		Amount        int64     `json:"amount"`
		Currency      string    `json:"currency"`
	}{req.ReservationID, req.CustomerID, req.Amount, req.Currency})
	if err != nil {
		return nil, false, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = hash
	}

	var fresh *models.PaymentTransaction
	var chargeErr error
	body, replayed, failedReplay, err := c.idem.Do(ctx, key, hash, func(ctx context.Context) (json.RawMessage, error) {
		fresh, chargeErr = c.charge(ctx, key, req)
		rec := outcome{Transaction: fresh}
		if chargeErr != nil {
			rec.Error = chargeErr.Error()
		}
		raw, mErr := json.Marshal(rec)
		if mErr != nil {
			return nil, mErr
		}
		return raw, chargeErr
	})
	if err != nil {
		if errors.Is(err, idempotency.ErrInFlight) || errors.Is(err, idempotency.ErrKeyMismatch) {
			return nil, false, err
		}
		if fresh != nil {
			return fresh, false, err
		}
		return nil, false, err
	}

	if replayed {
		span.SetAttributes(attribute.Bool("idempotent.replay", true))
		var rec outcome
		if uErr := json.Unmarshal(body, &rec); uErr != nil {
			return nil, true, fmt.Errorf("corrupt idempotency body: %w", uErr)
		}
		if failedReplay {
			return rec.Transaction, true, fmt.Errorf("%w: %s", ErrPaymentFailed, rec.Error)
		}
		return rec.Transaction, true, nil
	}

	return fresh, false, nil
}

// charge performs the actual side effect: one transaction row, a retried
// gateway call, and either confirmation or compensation.
func (c *Coordinator) charge(ctx context.Context, key string, req models.PaymentRequest) (*models.PaymentTransaction, error) {
	res, err := c.reservations.Get(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if res.Status != models.ReservationPending {
		return nil, reservation.ErrNotPending
	}

	t := &models.PaymentTransaction{
		ID:             uuid.New(),
		ReservationID:  res.ID,
		CustomerID:     req.CustomerID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         models.PaymentPending,
		IdempotencyKey: key,
	}
	if err := c.store.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	attempts := 0
	intent, gwErr := retry.Do(ctx, c.retry, &attempts, func() (*gateway.Intent, error) {
		return c.gateway.CreateIntent(ctx, gateway.IntentRequest{
			Amount:   req.Amount,
			Currency: req.Currency,
			Metadata: map[string]string{
				"reservation_id": res.ID.String(),
				"customer_id":    req.CustomerID.String(),
			},
			IdempotencyKey: key,
		})
	})
	t.RetryCount = attempts

	if gwErr != nil {
		// Compensating action: release the slot instead of stranding the
		// hold until the sweeper catches it.
		t.Status = models.PaymentFailed
		t.FailureReason = gwErr.Error()
		if uErr := c.store.UpdateTransaction(ctx, t.ID, t.Status, "", t.FailureReason, attempts); uErr != nil {
			log.Printf("payment: failed to record failure for %s: %v", t.ID, uErr)
		}
		if _, cErr := c.reservations.Cancel(ctx, res.ID); cErr != nil {
			log.Printf("payment: compensation cancel failed for reservation %s: %v", res.ID, cErr)
		}
		return t, gwErr
	}

	if _, cErr := c.reservations.Confirm(ctx, res.ID); cErr != nil {
		if errors.Is(cErr, reservation.ErrHoldExpired) || errors.Is(cErr, reservation.ErrNotPending) {
			// The hold died while the gateway was charging. Undo the charge
			// rather than strand a paid but unconfirmable booking.
			if rErr := c.gateway.RefundIntent(ctx, intent.ID); rErr != nil {
				log.Printf("payment: refund after expired hold failed for %s: %v", t.ID, rErr)
			}
			t.Status = models.PaymentRefunded
			t.GatewayRef = intent.ID
			t.FailureReason = cErr.Error()
			if uErr := c.store.UpdateTransaction(ctx, t.ID, t.Status, intent.ID, t.FailureReason, attempts); uErr != nil {
				log.Printf("payment: failed to record refund for %s: %v", t.ID, uErr)
			}
			return t, cErr
		}
		// Charge succeeded but confirmation hit an infrastructure error.
		// Record completion; the reservation stays pending for the sweeper
		// rather than risking an unsafe compensating delete.
		t.Status = models.PaymentCompleted
		t.GatewayRef = intent.ID
		if uErr := c.store.UpdateTransaction(ctx, t.ID, t.Status, intent.ID, "", attempts); uErr != nil {
			log.Printf("payment: failed to record completion for %s: %v", t.ID, uErr)
		}
		return t, cErr
	}

	t.Status = models.PaymentCompleted
	t.GatewayRef = intent.ID
	if err := c.store.UpdateTransaction(ctx, t.ID, t.Status, intent.ID, "", attempts); err != nil {
		return t, err
	}
	return t, nil
}

// Refund reverses a completed transaction through the gateway.
func (c *Coordinator) Refund(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	t, err := c.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.PaymentCompleted {
		return nil, ErrNotRefundable
	}
	if err := c.gateway.RefundIntent(ctx, t.GatewayRef); err != nil {
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}
	if err := c.store.UpdateTransaction(ctx, t.ID, models.PaymentRefunded, t.GatewayRef, "", t.RetryCount); err != nil {
		return nil, err
	}
	t.Status = models.PaymentRefunded
	return t, nil
}

// GetTransaction exposes transaction lookup to the API layer.
func (c *Coordinator) GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return c.store.GetTransaction(ctx, id)
}
