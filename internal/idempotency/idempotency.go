// Package idempotency guards side-effecting operations so retries with the
// same key observe the first call's outcome instead of re-executing the
// effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	// ErrInFlight means a concurrent call holds the same key and has not
	// finished. Callers should surface a conflict rather than wait.
	ErrInFlight = errors.New("request in progress")

	// ErrKeyMismatch means the key was reused with a different payload.
	ErrKeyMismatch = errors.New("key reuse with mismatched payload")
)

// Record is the stored outcome for one key.
type Record struct {
	Key         string          `json:"key"`
	RequestHash string          `json:"request_hash"`
	Status      string          `json:"status"`
	Body        json.RawMessage `json:"body,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the record's operation has finished.
func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Recorder persists records. Claim must be atomic: of N concurrent calls for
// an absent key, exactly one observes claimed=true.
type Recorder interface {
	// Claim inserts an in-progress record for key if absent, returning
	// (nil, true, nil). If a record exists it is returned with claimed=false.
	Claim(ctx context.Context, key, requestHash string) (*Record, bool, error)

	// Finalize sets the terminal status and body for a claimed key.
	Finalize(ctx context.Context, key, status string, body json.RawMessage) error
}

// Service wraps operations with the at-most-once guarantee.
type Service struct {
	recorder Recorder
}

func NewService(recorder Recorder) *Service {
	return &Service{recorder: recorder}
}

// Do executes op at most once for key. The returned body is either op's
// fresh result or the recorded one; replayed reports which, and failed
// reports a replayed failure record (the caller decides how to surface it —
// a retry of the effect requires a new key).
func (s *Service) Do(ctx context.Context, key, requestHash string, op func(ctx context.Context) (json.RawMessage, error)) (body json.RawMessage, replayed, failed bool, err error) {
	rec, claimed, err := s.recorder.Claim(ctx, key, requestHash)
	if err != nil {
		return nil, false, false, fmt.Errorf("idempotency claim: %w", err)
	}
	if !claimed {
		if !rec.Terminal() {
			return nil, false, false, ErrInFlight
		}
		if rec.RequestHash != requestHash {
			return nil, false, false, ErrKeyMismatch
		}
		return rec.Body, true, rec.Status == StatusFailed, nil
	}

	body, opErr := op(ctx)
	status := StatusCompleted
	if opErr != nil {
		status = StatusFailed
	}
	if err := s.recorder.Finalize(ctx, key, status, body); err != nil {
		// The claim stays in place; a retry with the same key conflicts
		// instead of double-executing, which is the safe side of this race.
		return nil, false, false, fmt.Errorf("idempotency finalize: %w", err)
	}
	return body, false, false, opErr
}

// DeriveKey canonicalizes the semantic payload and hashes it. Callers must
// pass only the fields that identify the operation (no timestamps or
// nonces), so logically identical retries derive the same key.
func DeriveKey(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
