package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmproxy/internal/models"
	"llmproxy/internal/proxy"
	"llmproxy/internal/ratelimit"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the id attached by requestIDMiddleware, or "" when the
// request did not pass through it.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware assigns each request a uuid, echoes it in the
// X-Request-Id response header and carries it in the context for log lines
// and usage records. An id supplied by the client is kept so traces can span
// callers.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}

		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the status code and body size written through it.
// Flush and Unwrap pass through so streamed relays keep flushing
// incrementally behind the recorder.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// auditMiddleware writes one usage record per relayed request. It sits
// inside the rate limiter, so everything it sees was admitted; rejections
// are recorded through the limiter's decision observer instead. Recording is
// deferred so a stream that aborts mid-relay still leaves a record.
func (h *Handlers) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			key, _ := ratelimit.KeyFromHeader(r.Header)

			record := &models.UsageRecord{
				ID:               uuid.New().String(),
				Time:             start,
				KeyFingerprint:   models.KeyFingerprint(key),
				Method:           r.Method,
				Path:             r.URL.Path,
				Status:           rec.status,
				Admitted:         true,
				Model:            rec.Header().Get(proxy.HeaderModel),
				Stream:           strings.Contains(rec.Header().Get("Content-Type"), "text/event-stream"),
				PromptTokens:     headerInt64(rec.Header(), proxy.HeaderPromptTokens),
				CompletionTokens: headerInt64(rec.Header(), proxy.HeaderCompletionTokens),
				TotalTokens:      headerInt64(rec.Header(), proxy.HeaderTotalTokens),
				DurationMS:       time.Since(start).Milliseconds(),
			}

			// The client may already be gone; recording proceeds anyway.
			if err := h.audit.Record(context.WithoutCancel(r.Context()), record); err != nil {
				slog.Warn("Failed to record usage",
					"error", err,
					"request_id", RequestID(r.Context()))
			}
		}()

		next.ServeHTTP(rec, r)
	})
}

// decisionObserver combines rejection accounting with any registered
// decision hook. Nil when neither applies, so the middleware skips the
// callback entirely.
func (h *Handlers) decisionObserver() ratelimit.DecisionObserver {
	switch {
	case h.audit != nil && h.decisionHook != nil:
		return func(r *http.Request, key string, allowed bool, info ratelimit.Info) {
			h.recordRejection(r, key, allowed, info)
			h.decisionHook(r, key, allowed, info)
		}
	case h.audit != nil:
		return h.recordRejection
	default:
		return h.decisionHook
	}
}

// recordRejection is a ratelimit.DecisionObserver that writes a usage record
// for rejected requests. Admitted requests are recorded by auditMiddleware
// once the relay completes, with status and token usage attached.
func (h *Handlers) recordRejection(r *http.Request, key string, allowed bool, info ratelimit.Info) {
	if allowed {
		return
	}

	record := &models.UsageRecord{
		ID:             uuid.New().String(),
		Time:           time.Now(),
		KeyFingerprint: models.KeyFingerprint(key),
		Method:         r.Method,
		Path:           r.URL.Path,
		Status:         http.StatusTooManyRequests,
		Admitted:       false,
	}

	if err := h.audit.Record(context.WithoutCancel(r.Context()), record); err != nil {
		slog.Warn("Failed to record rejection",
			"error", err,
			"request_id", RequestID(r.Context()))
	}
}

func headerInt64(h http.Header, name string) int64 {
	v, _ := strconv.ParseInt(h.Get(name), 10, 64)
	return v
}
