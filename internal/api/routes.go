package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"llmproxy/internal/models"
	"llmproxy/internal/ratelimit"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/metrics"
			}),
		))
	}
}

// SetupRoutes configures the HTTP routes for the proxy.
//
// Everything under the upstream path prefix is relayed with any method; the
// rate limiter and the usage recorder wrap the forwarder on that subtree
// only, so /health and unmatched paths never consume quota. Paths that merely
// share the prefix string without a segment boundary ("/v1x") fall to the
// 404 handler.
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}

	router.Use(requestIDMiddleware)

	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
	}

	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	proxied := router.PathPrefix(config.Upstream.PathPrefix).Subrouter()

	if config.RateLimit.Enabled {
		var limitOpts []ratelimit.MiddlewareOption
		if obs := handlers.decisionObserver(); obs != nil {
			limitOpts = append(limitOpts, ratelimit.WithObserver(obs))
		}
		proxied.Use(ratelimit.Middleware(handlers.limiter, limitOpts...))
	}

	if handlers.audit != nil {
		proxied.Use(handlers.auditMiddleware)
	}

	proxied.Path("").Handler(handlers.forwarder)
	proxied.PathPrefix("/").Handler(handlers.forwarder)

	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)

	return router
}

// notFoundHandler answers paths outside the proxied prefix.
func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotFound, "Not found", models.ErrorCodeNotFound)
}

// methodNotAllowedHandler handles local endpoints called with an unsupported
// method. Proxied paths accept every method and never reach it.
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed", models.ErrorCodeMethodNotAllowed)
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}

// corsMiddleware handles Cross-Origin Resource Sharing. Preflights are
// answered locally with 204 and never reach the rate limiter or the
// upstream. The rate-limit state headers are exposed so browser clients can
// read their remaining quota.
func corsMiddleware(corsConfig models.CORSConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(corsConfig.AllowedOrigins) > 0 {
				origin := r.Header.Get("Origin")
				if origin != "" && (contains(corsConfig.AllowedOrigins, "*") || contains(corsConfig.AllowedOrigins, origin)) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
			}
			if len(corsConfig.AllowedMethods) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(corsConfig.AllowedMethods, ", "))
			}
			if len(corsConfig.AllowedHeaders) > 0 {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(corsConfig.AllowedHeaders, ", "))
			}
			if len(corsConfig.ExposedHeaders) > 0 {
				w.Header().Set("Access-Control-Expose-Headers", strings.Join(corsConfig.ExposedHeaders, ", "))
			}
			if corsConfig.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", corsConfig.MaxAge))
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs one line per completed request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", RequestID(r.Context()))
	})
}

// recoveryMiddleware converts handler panics into 500 responses. Panics with
// http.ErrAbortHandler are re-raised: the proxy uses them to terminate the
// connection when an upstream stream dies after the headers went out, and
// the server suppresses the stack trace for that sentinel.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}

				slog.Error("Panic recovered",
					"error", err,
					"path", r.URL.Path,
					"request_id", RequestID(r.Context()))
				writeJSONError(w, http.StatusInternalServerError, "Internal server error", models.ErrorCodeInternalError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
