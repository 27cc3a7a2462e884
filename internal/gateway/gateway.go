// Package gateway is the payment-gateway client. The gateway is an opaque
// external collaborator: this package's job is bounded timeouts, error
// classification (declines are permanent, transport faults transient), and
// protecting the upstream with a circuit breaker and a client-side throttle.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vibewell/bookingops/internal/retry"
)

var callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booking_gateway_calls_total",
	Help: "Payment gateway calls by operation and outcome",
}, []string{"op", "outcome"})

// IntentRequest describes a charge to create.
type IntentRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// Intent is the gateway's record of a charge.
type Intent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DeclineError is a gateway-declared, non-retryable decline.
type DeclineError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined (%s): %s", e.Code, e.Reason)
}

// Gateway is the seam the payment coordinator talks through.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	RefundIntent(ctx context.Context, intentID string) error
}

// HTTPGateway talks JSON over HTTP. Every call is bounded by the configured
// timeout; a client-side throttle smooths bursts ahead of the breaker.
type HTTPGateway struct {
	baseURL  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	throttle *rate.Limiter
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "payment-gateway",
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// A decline is a healthy upstream saying no; only transport-level
			// faults should count toward tripping.
			IsSuccessful: func(err error) bool {
				var decline *DeclineError
				return err == nil || errors.As(err, &decline)
			},
			Timeout: 30 * time.Second,
		}),
		throttle: rate.NewLimiter(rate.Limit(50), 100),
	}
}

func (g *HTTPGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var intent Intent
	err := g.call(ctx, "create_intent", http.MethodPost, "/v1/payment_intents", req, req.IdempotencyKey, &intent)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (g *HTTPGateway) RefundIntent(ctx context.Context, intentID string) error {
	path := fmt.Sprintf("/v1/payment_intents/%s/refund", intentID)
	return g.call(ctx, "refund_intent", http.MethodPost, path, struct{}{}, "", nil)
}

func (g *HTTPGateway) call(ctx context.Context, op, method, path string, payload any, idemKey string, out any) error {
	if err := g.throttle.Wait(ctx); err != nil {
		return retry.Transient(err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = g.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if idemKey != "" {
			// The gateway has its own idempotency machinery; forward the key
			// so our retries are deduplicated on its side too.
			req.Header.Set("Idempotency-Key", idemKey)
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, retry.Transient(err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, retry.Transient(err)
		}
		return g.decode(resp.StatusCode, raw, out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = retry.Transient(err)
		}
		callsTotal.WithLabelValues(op, classify(err)).Inc()
		return err
	}
	callsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (g *HTTPGateway) decode(status int, raw []byte, out any) (interface{}, error) {
	switch {
	case status >= 200 && status < 300:
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("malformed gateway response: %w", err)
			}
		}
		return nil, nil
	case status == http.StatusPaymentRequired || status == http.StatusUnprocessableEntity:
		decline := &DeclineError{Code: "declined", Reason: "payment declined"}
		// Best effort: keep the generic decline when the body is opaque.
		_ = json.Unmarshal(raw, decline)
		return nil, decline
	case status >= 500 || status == http.StatusTooManyRequests:
		return nil, retry.Transient(fmt.Errorf("gateway returned %d", status))
	default:
		return nil, fmt.Errorf("gateway returned %d", status)
	}
}

func classify(err error) string {
	var decline *DeclineError
	if errors.As(err, &decline) {
		return "declined"
	}
	if retry.IsTransient(err) {
		return "transient"
	}
	return "error"
}
