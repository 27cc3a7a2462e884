package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibewell/bookingops/internal/gateway"
	"github.com/vibewell/bookingops/internal/idempotency"
	"github.com/vibewell/bookingops/internal/kv"
	"github.com/vibewell/bookingops/internal/models"
	"github.com/vibewell/bookingops/internal/reservation"
	"github.com/vibewell/bookingops/internal/retry"
)

// fakeReservations is an in-memory Reservations with the engine's semantics.
type fakeReservations struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.Reservation
}

func newFakeReservations() *fakeReservations {
	return &fakeReservations{byID: map[uuid.UUID]*models.Reservation{}}
}

func (f *fakeReservations) add(status string) *models.Reservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &models.Reservation{
		ID:        uuid.New(),
		Status:    status,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	f.byID[r.ID] = r
	return r
}

func (f *fakeReservations) Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeReservations) Confirm(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	if r.Status != models.ReservationPending {
		return nil, reservation.ErrNotPending
	}
	if !time.Now().Before(r.ExpiresAt) {
		return nil, reservation.ErrHoldExpired
	}
	r.Status = models.ReservationConfirmed
	cp := *r
	return &cp, nil
}

func (f *fakeReservations) Cancel(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, reservation.ErrNotFound
	}
	r.Status = models.ReservationCancelled
	cp := *r
	return &cp, nil
}

// fakeStore is an in-memory TransactionStore.
type fakeStore struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.PaymentTransaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[uuid.UUID]*models.PaymentTransaction{}}
}

func (f *fakeStore) CreateTransaction(ctx context.Context, t *models.PaymentTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	f.byID[t.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateTransaction(ctx context.Context, id uuid.UUID, status, gatewayRef, failureReason string, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return errors.New("not found")
	}
	t.Status = status
	t.GatewayRef = gatewayRef
	t.FailureReason = failureReason
	t.RetryCount = retryCount
	t.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *t
	return &cp, nil
}

// scriptedGateway returns the queued errors in order, then succeeds.
type scriptedGateway struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	refunds []string
}

func (g *scriptedGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return nil, err
	}
	return &gateway.Intent{ID: "pi_test", Status: "succeeded"}, nil
}

func (g *scriptedGateway) RefundIntent(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, intentID)
	return nil
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestCoordinator(t *testing.T, gw gateway.Gateway) (*Coordinator, *fakeReservations, *fakeStore) {
	t.Helper()
	reservations := newFakeReservations()
	store := newFakeStore()
	idem := idempotency.NewService(idempotency.NewKVRecorder(kv.NewMemory(), time.Hour))
	c := NewCoordinator(reservations, store, gw, idem, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
	return c, reservations, store
}

func TestProcessPaymentSuccess(t *testing.T) {
	gw := &scriptedGateway{}
	c, reservations, _ := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationPending)

	tx, replayed, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID,
		CustomerID:    uuid.New(),
		Amount:        100,
		Currency:      "usd",
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, models.PaymentCompleted, tx.Status)
	assert.Equal(t, "pi_test", tx.GatewayRef)
	assert.Equal(t, 1, tx.RetryCount)

	got, err := reservations.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, got.Status)
}

func TestProcessPaymentIdempotentReplay(t *testing.T) {
	gw := &scriptedGateway{}
	c, reservations, _ := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationPending)

	req := models.PaymentRequest{
		ReservationID:  res.ID,
		CustomerID:     uuid.New(),
		Amount:         100,
		Currency:       "usd",
		IdempotencyKey: "K1",
	}

	first, replayed, err := c.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := c.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
	// The gateway was invoked exactly once across both calls.
	assert.Equal(t, 1, gw.callCount())
}

func TestProcessPaymentDeclineCancelsReservation(t *testing.T) {
	gw := &scriptedGateway{errs: []error{&gateway.DeclineError{Code: "card_declined", Reason: "do not honor"}}}
	c, reservations, _ := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationPending)

	tx, _, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID,
		CustomerID:    uuid.New(),
		Amount:        100,
		Currency:      "usd",
	})
	require.Error(t, err)
	var decline *gateway.DeclineError
	assert.ErrorAs(t, err, &decline)

	// A decline is permanent: one gateway call, no retries.
	assert.Equal(t, 1, gw.callCount())
	require.NotNil(t, tx)
	assert.Equal(t, models.PaymentFailed, tx.Status)

	got, err := reservations.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, got.Status)
}

func TestProcessPaymentRetriesTransientThenSucceeds(t *testing.T) {
	gw := &scriptedGateway{errs: []error{
		retry.Transient(errors.New("connection reset")),
		retry.Transient(errors.New("gateway returned 502")),
	}}
	c, reservations, _ := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationPending)

	tx, _, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID,
		CustomerID:    uuid.New(),
		Amount:        100,
		Currency:      "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, tx.Status)
	assert.Equal(t, 3, tx.RetryCount)
	assert.Equal(t, 3, gw.callCount())
}

func TestProcessPaymentExhaustedRetriesCancelsReservation(t *testing.T) {
	gw := &scriptedGateway{errs: []error{
		retry.Transient(errors.New("timeout 1")),
		retry.Transient(errors.New("timeout 2")),
		retry.Transient(errors.New("timeout 3")),
		retry.Transient(errors.New("timeout 4")),
	}}
	c, reservations, _ := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationPending)

	tx, _, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID,
		CustomerID:    uuid.New(),
		Amount:        100,
		Currency:      "usd",
	})
	require.Error(t, err)
	assert.Equal(t, 3, gw.callCount())
	require.NotNil(t, tx)
	assert.Equal(t, models.PaymentFailed, tx.Status)

	got, err := reservations.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, got.Status)
}

func TestProcessPaymentFailureReplaysWithoutRecharging(t *testing.T) {
	gw := &scriptedGateway{errs: []error{&gateway.DeclineError{Code: "card_declined", Reason: "do not honor"}}}
	c, reservations, _ := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationPending)

	req := models.PaymentRequest{
		ReservationID:  res.ID,
		CustomerID:     uuid.New(),
		Amount:         100,
		Currency:       "usd",
		IdempotencyKey: "K1",
	}

	_, _, err := c.ProcessPayment(context.Background(), req)
	require.Error(t, err)

	// Same key replays the recorded failure; the gateway is not re-invoked.
	tx, replayed, err := c.ProcessPayment(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.True(t, replayed)
	require.NotNil(t, tx)
	assert.Equal(t, models.PaymentFailed, tx.Status)
	assert.Equal(t, 1, gw.callCount())
}

func TestProcessPaymentRefundsWhenHoldExpiresMidCharge(t *testing.T) {
	reservations := newFakeReservations()
	res := reservations.add(models.ReservationPending)

	// The hold dies while the gateway is processing the charge: expire it
	// just before the (successful) gateway call returns.
	inner := &scriptedGateway{}
	gw := &expiringGateway{inner: inner, expire: func() {
		reservations.mu.Lock()
		reservations.byID[res.ID].ExpiresAt = time.Now().Add(-time.Second)
		reservations.mu.Unlock()
	}}
	idem := idempotency.NewService(idempotency.NewKVRecorder(kv.NewMemory(), time.Hour))
	c := NewCoordinator(reservations, newFakeStore(), gw, idem, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})

	tx, _, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID,
		CustomerID:    uuid.New(),
		Amount:        100,
		Currency:      "usd",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, reservation.ErrHoldExpired)
	require.NotNil(t, tx)
	assert.Equal(t, models.PaymentRefunded, tx.Status)
	assert.Equal(t, []string{"pi_test"}, inner.refunds)
}

// expiringGateway triggers a callback during the charge, simulating a hold
// that dies while the gateway is processing.
type expiringGateway struct {
	inner  *scriptedGateway
	expire func()
}

func (g *expiringGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	g.expire()
	return g.inner.CreateIntent(ctx, req)
}

func (g *expiringGateway) RefundIntent(ctx context.Context, intentID string) error {
	return g.inner.RefundIntent(ctx, intentID)
}

func TestProcessPaymentValidation(t *testing.T) {
	c, reservations, _ := newTestCoordinator(t, &scriptedGateway{})
	res := reservations.add(models.ReservationPending)

	_, _, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID, Amount: 0, Currency: "usd",
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID, Amount: 100,
	})
	assert.Error(t, err)
}

func TestProcessPaymentNonPendingReservation(t *testing.T) {
	gw := &scriptedGateway{}
	c, reservations, _ := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationConfirmed)

	_, _, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID,
		CustomerID:    uuid.New(),
		Amount:        100,
		Currency:      "usd",
	})
	assert.ErrorIs(t, err, reservation.ErrNotPending)
	assert.Equal(t, 0, gw.callCount())
}

func TestRefund(t *testing.T) {
	gw := &scriptedGateway{}
	c, reservations, store := newTestCoordinator(t, gw)
	res := reservations.add(models.ReservationPending)

	tx, _, err := c.ProcessPayment(context.Background(), models.PaymentRequest{
		ReservationID: res.ID,
		CustomerID:    uuid.New(),
		Amount:        100,
		Currency:      "usd",
	})
	require.NoError(t, err)

	refunded, err := c.Refund(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, refunded.Status)
	assert.Equal(t, []string{"pi_test"}, gw.refunds)

	// Refunded is terminal: a second refund is rejected.
	_, err = c.Refund(context.Background(), tx.ID)
	assert.ErrorIs(t, err, ErrNotRefundable)

	stored, err := store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, stored.Status)
}
