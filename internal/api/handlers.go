package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"llmproxy/internal/audit"
	"llmproxy/internal/models"
	"llmproxy/internal/ratelimit"
	"llmproxy/internal/version"
)

// Handlers contains the HTTP handlers for the proxy service.
type Handlers struct {
	forwarder    http.Handler
	limiter      *ratelimit.Store
	audit        audit.Store
	decisionHook ratelimit.DecisionObserver
	started      time.Time
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handlers)

// WithDecisionObserver registers an extra callback for rate limit decisions,
// invoked alongside the built-in rejection accounting.
func WithDecisionObserver(obs ratelimit.DecisionObserver) HandlerOption {
	return func(h *Handlers) { h.decisionHook = obs }
}

// NewHandlers creates a new handlers instance. limiter and auditStore may be
// nil when the corresponding subsystem is disabled; the routes adapt.
func NewHandlers(forwarder http.Handler, limiter *ratelimit.Store, auditStore audit.Store, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		forwarder: forwarder,
		limiter:   limiter,
		audit:     auditStore,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck reports liveness and per-component state.
// GET /health
//
// The endpoint lives outside the proxied prefix and requires no credential:
// probes and load balancers must not consume quota. An unreachable audit
// backend degrades the report but keeps the status code 200, because the
// relay itself still works without accounting.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = version.GetInfo().Version
	response.Uptime = time.Since(h.started).Round(time.Second).String()

	response.AddComponent("proxy", models.StatusHealthy, "Relay is operational")

	if h.limiter != nil {
		response.AddComponent("rate_limiter", models.StatusHealthy, "Admission windows active")
		response.AddMetric("tracked_keys", h.limiter.Len())
	}

	if h.audit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.audit.Ping(ctx); err != nil {
			response.Status = models.StatusDegraded
			response.AddComponent("audit", models.StatusUnhealthy, err.Error())
		} else {
			response.AddComponent("audit", models.StatusHealthy, "Accounting backend reachable")
			if summary, err := h.audit.Summary(ctx); err == nil {
				response.AddMetric("requests_total", summary.Total)
				response.AddMetric("requests_admitted", summary.Admitted)
				response.AddMetric("requests_rejected", summary.Rejected)
			}
		}
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are out; all that is left is noting the failure.
		slog.Error("Error encoding JSON response", "error", err)
	}
}
