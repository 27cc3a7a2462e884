package models

import (
	"time"

	"github.com/google/uuid"
)

// Reservation statuses. A slot is occupied while a reservation for it is
// pending or confirmed; cancelled reservations free the slot.
const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationCancelled = "cancelled"
)

// Payment transaction statuses. Transitions are one-directional:
// pending -> completed|failed, completed -> refunded.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// Reservation is a hold on a single bookable slot.
type Reservation struct {
	ID          uuid.UUID  `json:"id"`
	BusinessID  uuid.UUID  `json:"business_id"`
	ServiceID   uuid.UUID  `json:"service_id"`
	CustomerID  uuid.UUID  `json:"customer_id"`
	SlotDate    string     `json:"slot_date"`
	SlotTime    string     `json:"slot_time"`
	Status      string     `json:"status"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// ReserveRequest is the payload from the client.
type ReserveRequest struct {
	BusinessID uuid.UUID `json:"business_id"`
	ServiceID  uuid.UUID `json:"service_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	SlotDate   string    `json:"slot_date"`
	SlotTime   string    `json:"slot_time"`
}

// PaymentTransaction is the record of one attempt to charge for a reservation.
type PaymentTransaction struct {
	ID             uuid.UUID `json:"id"`
	ReservationID  uuid.UUID `json:"reservation_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	GatewayRef     string    `json:"gateway_ref,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
	RetryCount     int       `json:"retry_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PaymentRequest is the payload from the client. Amount is in the currency's
// minor unit (cents). IdempotencyKey arrives via header, not the body.
type PaymentRequest struct {
	ReservationID  uuid.UUID `json:"reservation_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	IdempotencyKey string    `json:"-"`
}
