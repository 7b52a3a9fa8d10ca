package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/idxr-io/idxr/internal/model"
)

// RequestFunc builds the admission request for an HTTP request:
// client identity and tier (from auth context), endpoint label, peer.
type RequestFunc func(r *http.Request) Request

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces the gate in front of a handler. Health and
// readiness paths always pass. A nil limiter disables the gate.
func Middleware(limiter Limiter, reqFunc RequestFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), reqFunc(r))
			if err != nil {
				// Limiter malfunction is fail-open.
				next.ServeHTTP(w, r)
				return
			}

			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			}
			if decision.Allowed && decision.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			}

			if !decision.Allowed {
				retryAfter := int(decision.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID, decision, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string, decision Decision, retryAfter int) {
	message := "too many requests"
	if decision.Blocked {
		message = "request pattern blocked"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: message,
			Details: map[string]any{
				"scope": decision.Scope,
				"limit": decision.LimitName,
			},
			RetryAfter: retryAfter,
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// PeerIP extracts the client IP from the request. Uses RemoteAddr
// only. X-Forwarded-For is not trusted because the server may not be
// behind a reverse proxy that sanitizes the header, and any client can
// set an arbitrary value to bypass rate limiting. If deployed behind a
// trusted proxy, configure the proxy to set RemoteAddr.
func PeerIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
