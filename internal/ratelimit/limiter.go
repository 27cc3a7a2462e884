// Package ratelimit implements a two-tier fixed-window limiter over a
// key-value store. Tier one is a per-(subject, action) window counter; tier
// two is a block flag armed when the counter overruns, so operators can
// configure a short window with a longer penalty (5 login attempts per 15
// minutes, then a 1 hour lockout).
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vibewell/bookingops/internal/kv"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "booking_ratelimit_decisions_total",
	Help: "Rate limit decisions by action and outcome",
}, []string{"action", "outcome"})

// Rule configures one action category.
type Rule struct {
	Limit    int
	Window   time.Duration
	BlockFor time.Duration
}

// DefaultRules mirrors the platform's tiers: strict caps on credential
// endpoints, a loose cap on general API traffic.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"login":   {Limit: 5, Window: 15 * time.Minute, BlockFor: time.Hour},
		"signup":  {Limit: 3, Window: time.Hour, BlockFor: 2 * time.Hour},
		"mfa":     {Limit: 5, Window: 10 * time.Minute, BlockFor: 30 * time.Minute},
		"payment": {Limit: 10, Window: time.Minute, BlockFor: 5 * time.Minute},
		"api":     {Limit: 100, Window: time.Minute, BlockFor: 5 * time.Minute},
	}
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter decides whether a (subject, action) pair may proceed. All state
// lives in the Store so multiple server instances share one view; the
// limiter itself holds no locks.
type Limiter struct {
	store    kv.Store
	rules    map[string]Rule
	failOpen bool
}

// New builds a Limiter. Unknown actions fall back to the "api" rule; if
// failOpen is true, store failures admit the request after logging,
// otherwise they reject it.
func New(store kv.Store, rules map[string]Rule, failOpen bool) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{store: store, rules: rules, failOpen: failOpen}
}

func counterKey(action, subject string) string { return "rl:" + action + ":" + subject }
func blockKey(action, subject string) string   { return "rlb:" + action + ":" + subject }

// Check consumes one unit of quota for (subject, action) and reports whether
// the request may proceed. The counter increment is a single atomic store
// operation; two concurrent requests can never both observe the last free
// slot.
func (l *Limiter) Check(ctx context.Context, subject, action string) (Decision, error) {
	rule, ok := l.rules[action]
	if !ok {
		rule = l.rules["api"]
	}

	// An active block short-circuits everything, counter untouched.
	if ttl, blocked, err := l.store.TTL(ctx, blockKey(action, subject)); err != nil {
		return l.storeFailure(action, err)
	} else if blocked {
		decisionsTotal.WithLabelValues(action, "blocked").Inc()
		return denied(rule, ttl), nil
	}

	n, err := l.store.Incr(ctx, counterKey(action, subject))
	if err != nil {
		return l.storeFailure(action, err)
	}
	if n == 1 {
		// First request of a fresh window: arm the window TTL.
		if err := l.store.Expire(ctx, counterKey(action, subject), rule.Window); err != nil {
			return l.storeFailure(action, err)
		}
	}

	resetAfter := rule.Window
	if ttl, ok, err := l.store.TTL(ctx, counterKey(action, subject)); err == nil && ok {
		resetAfter = ttl
	}

	if n > int64(rule.Limit) {
		// Overrun: arm the block. SetNX keeps the block duration fixed from
		// the first violation; later violations do not extend it.
		if _, err := l.store.SetNX(ctx, blockKey(action, subject), "1", rule.BlockFor); err != nil {
			return l.storeFailure(action, err)
		}
		blockTTL := rule.BlockFor
		if ttl, ok, err := l.store.TTL(ctx, blockKey(action, subject)); err == nil && ok {
			blockTTL = ttl
		}
		decisionsTotal.WithLabelValues(action, "limited").Inc()
		return denied(rule, blockTTL), nil
	}

	decisionsTotal.WithLabelValues(action, "allowed").Inc()
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(n),
		ResetAt:   time.Now().Add(resetAfter),
	}, nil
}

// Reset clears all limiter state for a subject, for support remediation.
// With no actions given, every configured action is cleared.
func (l *Limiter) Reset(ctx context.Context, subject string, actions ...string) error {
	if len(actions) == 0 {
		for action := range l.rules {
			actions = append(actions, action)
		}
	}
	keys := make([]string, 0, len(actions)*2)
	for _, action := range actions {
		keys = append(keys, counterKey(action, subject), blockKey(action, subject))
	}
	if err := l.store.Del(ctx, keys...); err != nil {
		return fmt.Errorf("ratelimit reset: %w", err)
	}
	return nil
}

func (l *Limiter) storeFailure(action string, err error) (Decision, error) {
	if l.failOpen {
		log.Printf("ratelimit: store unavailable, failing open: %v", err)
		decisionsTotal.WithLabelValues(action, "fail_open").Inc()
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	decisionsTotal.WithLabelValues(action, "fail_closed").Inc()
	return Decision{}, fmt.Errorf("ratelimit store: %w", err)
}

func denied(rule Rule, retryAfter time.Duration) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Allowed:    false,
		Limit:      rule.Limit,
		Remaining:  0,
		ResetAt:    time.Now().Add(retryAfter),
		RetryAfter: retryAfter,
	}
}
