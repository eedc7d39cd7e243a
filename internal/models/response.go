// Package models - API response types and error handling.
// This file defines all outgoing response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all locally generated responses
// - Machine-readable error codes alongside human-readable messages
// - Request ID for distributed tracing and support
// - RFC3339 timestamps for international compatibility
//
// Upstream responses are relayed verbatim; these types cover only responses
// the proxy itself produces (rejections, health, not-found).
package models

import (
	"time"
)

// ErrorResponse provides structured error information with debugging context.
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
	StatusUnknown   = "unknown"   // Status indeterminate
)

// Error Codes
//
// Error Code Strategy:
// - Upper-case with underscores for consistency
// - Maps to standard HTTP status codes
// - Machine-readable for client error handling
const (
	ErrorCodeMissingAPIKey = "MISSING_API_KEY" // 401: no credential on the request
	ErrorCodeInvalidAPIKey = "INVALID_API_KEY" // 400: credential present but unusable
	ErrorCodeRateLimited   = "RATE_LIMITED"    // 429: a window quota is exhausted
	ErrorCodeInvalidJSON   = "INVALID_JSON"    // 400: request body is not valid JSON
	ErrorCodeNotFound      = "NOT_FOUND"       // 404: path outside the proxied prefix
	ErrorCodeUpstreamError = "UPSTREAM_ERROR"  // 500: gateway unreachable or failed
	ErrorCodeInternalError = "INTERNAL_ERROR"  // 500: server-side error

	// 405: local endpoint called with an unsupported method. Proxied paths
	// never produce this; every method is relayed upstream.
	ErrorCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
