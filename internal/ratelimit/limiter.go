// Package ratelimit enforces per-API-key request quotas over two fixed
// windows (one minute and thirty minutes). Window boundaries sit on an
// epoch-aligned grid shared by all keys, counters reset lazily on access,
// and the in-memory store is bounded by a periodic sweep plus insert-time
// eviction. The package includes HTTP middleware that extracts the key,
// decides admission, and sets the x-ratelimit response headers.
package ratelimit

import "time"

// Limiter defines the admission contract. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow checks whether a request identified by key should be admitted.
	// Returns the decision and window state for populating response headers.
	Allow(key string) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// WindowInfo is one window's contribution to the response headers.
type WindowInfo struct {
	Limit     int       // Maximum requests per window
	Remaining int       // Requests left before the window fills, clamped at zero
	ResetAt   time.Time // Next epoch-grid boundary for this window
}

// Info carries the dual-window state attached to rate-limited responses.
type Info struct {
	Minute     WindowInfo
	HalfHour   WindowInfo
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}
