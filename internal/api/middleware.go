package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vibewell/bookingops/internal/ratelimit"
)

// Subject identity for rate limiting: the API key when present, else the
// client IP. Keying by identity before IP keeps one tenant's burst from
// penalizing everyone behind a shared NAT.
func subjectFor(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimit gates a route subtree under the named action category.
func RateLimit(limiter *ratelimit.Limiter, action string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Check(r.Context(), subjectFor(r), action)
			if err != nil {
				// Fail-closed policy: the store is down and config says deny.
				respondWithError(w, http.StatusServiceUnavailable, "Rate limiter unavailable", r.Method, "ratelimit")
				return
			}

			if decision.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}
			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded", r.Method, "ratelimit")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminResetHandler clears limiter state for a subject. Gated by a shared
// token; with no token configured the endpoint is disabled outright.
func AdminResetHandler(limiter *ratelimit.Limiter, adminToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if adminToken == "" || r.Header.Get("X-Admin-Token") != adminToken {
			respondWithError(w, http.StatusForbidden, "Forbidden", "POST", "/admin/ratelimit/reset")
			return
		}
		var req struct {
			Subject string   `json:"subject"`
			Actions []string `json:"actions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
			respondWithError(w, http.StatusBadRequest, "subject is required", "POST", "/admin/ratelimit/reset")
			return
		}
		if err := limiter.Reset(r.Context(), req.Subject, req.Actions...); err != nil {
			respondWithError(w, http.StatusInternalServerError, "Reset failed", "POST", "/admin/ratelimit/reset")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "reset"}, "POST", "/admin/ratelimit/reset")
	}
}
