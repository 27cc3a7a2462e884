package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vibewell/bookingops/internal/gateway"
	"github.com/vibewell/bookingops/internal/idempotency"
	"github.com/vibewell/bookingops/internal/models"
	"github.com/vibewell/bookingops/internal/payment"
	"github.com/vibewell/bookingops/internal/reservation"
	"github.com/vibewell/bookingops/internal/retry"
	"github.com/vibewell/bookingops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// ReservationService is the slice of the reservation engine the handlers use.
type ReservationService interface {
	Reserve(ctx context.Context, req models.ReserveRequest) (*models.Reservation, error)
	Confirm(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
}

// PaymentService is the slice of the payment coordinator the handlers use.
type PaymentService interface {
	ProcessPayment(ctx context.Context, req models.PaymentRequest) (*models.PaymentTransaction, bool, error)
	Refund(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
}

type Handler struct {
	reservations ReservationService
	payments     PaymentService
}

func NewHandler(reservations ReservationService, payments PaymentService) *Handler {
	return &Handler{reservations: reservations, payments: payments}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) CreateReservationHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/reservations"))
	defer timer.ObserveDuration()

	var req models.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/reservations")
		return
	}
	if req.BusinessID == uuid.Nil || req.ServiceID == uuid.Nil || req.CustomerID == uuid.Nil {
		respondWithError(w, http.StatusUnprocessableEntity, "business_id, service_id and customer_id are required", "POST", "/reservations")
		return
	}
	if _, err := time.Parse("2006-01-02", req.SlotDate); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "slot_date must be YYYY-MM-DD", "POST", "/reservations")
		return
	}
	if _, err := time.Parse("15:04", req.SlotTime); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "slot_time must be HH:MM", "POST", "/reservations")
		return
	}

	res, err := h.reservations.Reserve(r.Context(), req)
	if err != nil {
		if errors.Is(err, reservation.ErrSlotTaken) {
			respondWithError(w, http.StatusConflict, "Slot no longer available", "POST", "/reservations")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/reservations")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/reservations/%s", res.ID))
	respondWithJSON(w, http.StatusCreated, res, "POST", "/reservations")
}

func (h *Handler) GetReservationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/reservations/{id}")
	if !ok {
		return
	}
	res, err := h.reservations.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, reservation.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Reservation not found", "GET", "/reservations/{id}")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/reservations/{id}")
		return
	}
	respondWithJSON(w, http.StatusOK, res, "GET", "/reservations/{id}")
}

func (h *Handler) ConfirmReservationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "POST", "/reservations/{id}/confirm")
	if !ok {
		return
	}
	res, err := h.reservations.Confirm(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, reservation.ErrNotFound):
			respondWithError(w, http.StatusNotFound, "Reservation not found", "POST", "/reservations/{id}/confirm")
		case errors.Is(err, reservation.ErrHoldExpired):
			respondWithError(w, http.StatusGone, "Reservation hold expired", "POST", "/reservations/{id}/confirm")
		case errors.Is(err, reservation.ErrNotPending):
			respondWithError(w, http.StatusConflict, "Reservation is not pending", "POST", "/reservations/{id}/confirm")
		default:
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/reservations/{id}/confirm")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, res, "POST", "/reservations/{id}/confirm")
}

func (h *Handler) CancelReservationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "DELETE", "/reservations/{id}")
	if !ok {
		return
	}
	res, err := h.reservations.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, reservation.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Reservation not found", "DELETE", "/reservations/{id}")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "DELETE", "/reservations/{id}")
		return
	}
	respondWithJSON(w, http.StatusOK, res, "DELETE", "/reservations/{id}")
}

func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/payments"))
	defer timer.ObserveDuration()

	var req models.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/payments")
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	if req.ReservationID == uuid.Nil {
		respondWithError(w, http.StatusUnprocessableEntity, "reservation_id is required", "POST", "/payments")
		return
	}

	tx, replayed, err := h.payments.ProcessPayment(r.Context(), req)
	if err != nil {
		h.respondPaymentError(w, tx, err)
		return
	}
	if replayed {
		respondWithJSON(w, http.StatusOK, tx, "POST", "/payments")
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/payments/%s", tx.ID))
	respondWithJSON(w, http.StatusCreated, tx, "POST", "/payments")
}

func (h *Handler) respondPaymentError(w http.ResponseWriter, tx *models.PaymentTransaction, err error) {
	var decline *gateway.DeclineError
	switch {
	case errors.Is(err, payment.ErrInvalidAmount):
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required", "POST", "/payments")
	case errors.Is(err, idempotency.ErrInFlight):
		respondWithError(w, http.StatusConflict, "Request processing in progress", "POST", "/payments")
	case errors.Is(err, idempotency.ErrKeyMismatch):
		respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload", "POST", "/payments")
	case errors.Is(err, reservation.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Reservation not found", "POST", "/payments")
	case errors.Is(err, reservation.ErrNotPending):
		respondWithError(w, http.StatusConflict, "Reservation is not pending", "POST", "/payments")
	case errors.Is(err, reservation.ErrHoldExpired):
		respondWithError(w, http.StatusGone, "Reservation hold expired during payment", "POST", "/payments")
	case errors.As(err, &decline):
		// The gateway's decline reason is safe to expose; it came from the
		// gateway's own caller-facing response.
		respondPaymentFailure(w, tx, decline.Reason)
	case errors.Is(err, payment.ErrPaymentFailed):
		respondPaymentFailure(w, tx, err.Error())
	case retry.IsTransient(err):
		respondWithError(w, http.StatusBadGateway, "Payment gateway unavailable", "POST", "/payments")
	default:
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/payments")
	}
}

func respondPaymentFailure(w http.ResponseWriter, tx *models.PaymentTransaction, reason string) {
	payload := map[string]any{"error": reason}
	if tx != nil {
		payload["transaction"] = tx
	}
	respondWithJSON(w, http.StatusPaymentRequired, payload, "POST", "/payments")
}

func (h *Handler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/payments/{id}")
	if !ok {
		return
	}
	tx, err := h.payments.GetTransaction(r.Context(), id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Transaction not found", "GET", "/payments/{id}")
		return
	}
	respondWithJSON(w, http.StatusOK, tx, "GET", "/payments/{id}")
}

func (h *Handler) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "POST", "/payments/{id}/refund")
	if !ok {
		return
	}
	tx, err := h.payments.Refund(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrNotRefundable):
			respondWithError(w, http.StatusConflict, "Only completed transactions can be refunded", "POST", "/payments/{id}/refund")
		case errors.Is(err, store.ErrTransactionNotFound):
			respondWithError(w, http.StatusNotFound, "Transaction not found", "POST", "/payments/{id}/refund")
		default:
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/payments/{id}/refund")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, tx, "POST", "/payments/{id}/refund")
}

// Helpers

func pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id", method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, fmt.Sprint(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
