package ratelimit

import "time"

// Window sizes are fixed by the upstream gateway's quota contract.
const (
	MinuteWindow   = time.Minute
	HalfHourWindow = 30 * time.Minute
)

// nextBoundary returns the first instant on the epoch-aligned grid for the
// given window size strictly after now. All keys share the same grid lines,
// so every minute window resets on the clock minute rather than sixty
// seconds after a key's first request.
func nextBoundary(now time.Time, size time.Duration) time.Time {
	return now.Truncate(size).Add(size)
}

// windowState is one fixed counting window. The rollover check runs on
// every access, so a count left stale by an idle period is never observable.
type windowState struct {
	count   int
	resetAt time.Time
}

// rollover zeroes the count once now has reached the window deadline and
// advances the deadline to the next grid boundary. The zero value rolls
// over immediately, which is how new counters are initialized.
func (w *windowState) rollover(now time.Time, size time.Duration) {
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = nextBoundary(now, size)
	}
}

// snapshot produces header values for the window without mutating it.
func (w *windowState) snapshot(limit int) WindowInfo {
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return WindowInfo{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

// counter is the per-key state: both windows plus recency for eviction.
type counter struct {
	minute   windowState
	halfHour windowState
	lastSeen time.Time
}

func (c *counter) rollover(now time.Time) {
	c.minute.rollover(now, MinuteWindow)
	c.halfHour.rollover(now, HalfHourWindow)
}

// stale reports whether an entry is safe to discard: its half-hour window
// has expired and the key has been idle for more than one half-hour window.
// The idle clause keeps keys that just rolled their window but are still
// actively sending.
func (c *counter) stale(now time.Time) bool {
	return !now.Before(c.halfHour.resetAt) && now.Sub(c.lastSeen) > HalfHourWindow
}
