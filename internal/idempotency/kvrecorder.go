package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vibewell/bookingops/internal/kv"
)

const keyPrefix = "idem:"

// KVRecorder stores records in the key-value store. Claim atomicity comes
// from SetNX. Records expire after the retention period, after which a
// replayed key re-executes; deployments that need indefinite detection use
// the postgres recorder.
type KVRecorder struct {
	store     kv.Store
	retention time.Duration
}

func NewKVRecorder(store kv.Store, retention time.Duration) *KVRecorder {
	return &KVRecorder{store: store, retention: retention}
}

func (r *KVRecorder) Claim(ctx context.Context, key, requestHash string) (*Record, bool, error) {
	rec := Record{Key: key, RequestHash: requestHash, Status: StatusInProgress, UpdatedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}
	set, err := r.store.SetNX(ctx, keyPrefix+key, string(raw), r.retention)
	if err != nil {
		return nil, false, fmt.Errorf("key reservation failed: %w", err)
	}
	if set {
		return nil, true, nil
	}

	val, found, err := r.store.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if !found {
		// Lost a race with expiry; treat as in flight and let the caller retry.
		return nil, false, ErrInFlight
	}
	existing := &Record{}
	if err := json.Unmarshal([]byte(val), existing); err != nil {
		return nil, false, fmt.Errorf("corrupt idempotency record for %q: %w", key, err)
	}
	return existing, false, nil
}

func (r *KVRecorder) Finalize(ctx context.Context, key, status string, body json.RawMessage) error {
	val, found, err := r.store.Get(ctx, keyPrefix+key)
	if err != nil {
		return fmt.Errorf("idempotency finalize failed: %w", err)
	}
	if !found {
		return fmt.Errorf("idempotency finalize: key %q not found", key)
	}
	rec := Record{}
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return fmt.Errorf("corrupt idempotency record for %q: %w", key, err)
	}
	rec.Status = status
	rec.Body = body
	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, keyPrefix+key, string(raw), r.retention)
}
