// Package models - Usage accounting records for proxied requests.
// This file defines the record written for every request the proxy decides on,
// whether it was relayed upstream or rejected locally.
//
// Accounting Design:
// - One record per decision, admitted or not
// - API keys appear only as fingerprints, never as raw values
// - Token counts are filled in when the upstream response carried them
// - Records are best-effort; accounting failures never fail a request
package models

import (
	"errors"
	"time"
)

// UsageRecord captures the outcome of a single proxied request.
type UsageRecord struct {
	ID               string    `json:"id"`                          // Unique record identifier
	Time             time.Time `json:"time"`                        // Decision timestamp
	KeyFingerprint   string    `json:"key_fingerprint,omitempty"`   // Fingerprint of the API key, empty when none was presented
	Method           string    `json:"method"`                      // HTTP method
	Path             string    `json:"path"`                        // Request path as received
	Status           int       `json:"status"`                      // Status returned to the client
	Admitted         bool      `json:"admitted"`                    // Whether the request was relayed upstream
	Model            string    `json:"model,omitempty"`             // Model named in the request body, when parsed
	Stream           bool      `json:"stream"`                      // Whether the response was streamed
	PromptTokens     int64     `json:"prompt_tokens,omitempty"`     // From upstream usage metadata
	CompletionTokens int64     `json:"completion_tokens,omitempty"` // From upstream usage metadata
	TotalTokens      int64     `json:"total_tokens,omitempty"`      // From upstream usage metadata
	DurationMS       int64     `json:"duration_ms"`                 // Wall time spent on the request
}

// UsageSummary aggregates recorded decisions for health and stats reporting.
type UsageSummary struct {
	Total       int64 `json:"total"`
	Admitted    int64 `json:"admitted"`
	Rejected    int64 `json:"rejected"`
	TotalTokens int64 `json:"total_tokens"`
}

func (r *UsageRecord) Validate() error {
	if r.ID == "" {
		return errors.New("record ID cannot be empty")
	}

	if r.Time.IsZero() {
		return errors.New("record time cannot be zero")
	}

	if r.Method == "" {
		return errors.New("record method cannot be empty")
	}

	if r.Path == "" {
		return errors.New("record path cannot be empty")
	}

	return nil
}
