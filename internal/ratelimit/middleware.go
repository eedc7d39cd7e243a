package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"llmproxy/internal/models"
)

// Response header names, one triple per window. Clients read quota state
// from these verbatim.
const (
	HeaderLimitMinute       = "X-Ratelimit-Limit-Minute"
	HeaderRemainingMinute   = "X-Ratelimit-Remaining-Minute"
	HeaderResetMinute       = "X-Ratelimit-Reset-Minute"
	HeaderLimitHalfHour     = "X-Ratelimit-Limit-30m"
	HeaderRemainingHalfHour = "X-Ratelimit-Remaining-30m"
	HeaderResetHalfHour     = "X-Ratelimit-Reset-30m"
)

// DecisionObserver is notified after the limiter rules on a keyed request.
// Observers must not touch the ResponseWriter; on rejections they run before
// the response is written.
type DecisionObserver func(r *http.Request, key string, allowed bool, info Info)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	observer DecisionObserver
}

// WithObserver registers a callback invoked on every admit and reject
// decision. Requests turned away before the limiter runs, for a missing or
// oversized credential, are not observed.
func WithObserver(fn DecisionObserver) MiddlewareOption {
	return func(c *middlewareConfig) { c.observer = fn }
}

// Middleware returns HTTP middleware that enforces per-key quotas in front
// of the proxy handlers. OPTIONS requests pass through without touching any
// counter so CORS preflight never consumes quota. Requests without a usable
// credential are rejected before the limiter is consulted.
func Middleware(limiter Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key, ok := KeyFromHeader(r.Header)
			if !ok {
				writeReject(w, http.StatusUnauthorized, "Missing API key", models.ErrorCodeMissingAPIKey)
				return
			}

			// The length bound applies to every credential source,
			// not just the bearer form.
			if len(key) > MaxKeyLength {
				writeReject(w, http.StatusBadRequest, "Invalid API key", models.ErrorCodeInvalidAPIKey)
				return
			}

			allowed, info := limiter.Allow(key)

			if cfg.observer != nil {
				cfg.observer(r, key, allowed, info)
			}

			// Both windows are reported on every decision
			setRateLimitHeaders(w.Header(), info)

			if !allowed {
				retryAfterSecs := ceilSeconds(info.RetryAfter)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
				writeReject(w, http.StatusTooManyRequests, "Too Many Requests", models.ErrorCodeRateLimited)

				slog.Warn("Rate limit exceeded",
					"key", models.MaskAPIKey(key),
					"limit_minute", info.Minute.Limit,
					"limit_30m", info.HalfHour.Limit,
					"retry_after", retryAfterSecs,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders attaches both windows' state. Reset values are epoch
// seconds, rounded up so a client waiting for the advertised second never
// lands inside the old window.
func setRateLimitHeaders(h http.Header, info Info) {
	h.Set(HeaderLimitMinute, fmt.Sprintf("%d", info.Minute.Limit))
	h.Set(HeaderRemainingMinute, fmt.Sprintf("%d", info.Minute.Remaining))
	h.Set(HeaderResetMinute, fmt.Sprintf("%d", epochSecondsCeil(info.Minute.ResetAt)))
	h.Set(HeaderLimitHalfHour, fmt.Sprintf("%d", info.HalfHour.Limit))
	h.Set(HeaderRemainingHalfHour, fmt.Sprintf("%d", info.HalfHour.Remaining))
	h.Set(HeaderResetHalfHour, fmt.Sprintf("%d", epochSecondsCeil(info.HalfHour.ResetAt)))
}

func writeReject(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}

func epochSecondsCeil(t time.Time) int64 {
	ms := t.UnixMilli()
	return (ms + 999) / 1000
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
