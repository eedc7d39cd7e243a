package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"llmproxy/internal/models"
)

// Store tracks window counters per bucket identifier in memory. It is the
// only shared mutable state in the proxy; each decide-and-increment runs
// under one mutex so concurrent requests for the same key cannot over-admit
// past a limit. A background goroutine sweeps stale entries and insert-time
// eviction keeps the key count bounded between sweeps.
type Store struct {
	perMinute   int
	perHalfHour int
	maxKeys     int
	sweepEvery  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
	done     chan struct{}
	closed   bool
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock replaces the time source. Window arithmetic, sweep, and
// eviction all consult the injected clock, so tests can cross window
// boundaries without sleeping.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store with the given limits and starts the sweep
// goroutine. Callers must Close it to stop the sweeper.
func NewStore(cfg models.RateLimitConfig, opts ...StoreOption) *Store {
	s := &Store{
		perMinute:   cfg.PerMinute,
		perHalfHour: cfg.PerHalfHour,
		maxKeys:     cfg.MaxKeys,
		sweepEvery:  cfg.SweepInterval,
		now:         time.Now,
		counters:    make(map[string]*counter),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Allow decides admission for one request from the given bucket identifier.
// Both windows are checked tentatively; an admitted request commits both
// increments, a rejected one leaves the counts untouched. The entry's
// last-seen time advances either way, so a hot-but-throttled key is never
// mistaken for an idle one.
func (s *Store) Allow(key string) (bool, Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, exists := s.counters[key]
	if !exists {
		c = &counter{}
		s.counters[key] = c
	}
	c.rollover(now)
	c.lastSeen = now

	if c.minute.count+1 > s.perMinute || c.halfHour.count+1 > s.perHalfHour {
		info := s.infoLocked(c)
		info.RetryAfter = retryAfter(now, c)
		return false, info
	}

	c.minute.count++
	c.halfHour.count++
	s.evictLocked(now)

	return true, s.infoLocked(c)
}

// Len reports the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// Close stops the background sweep goroutine.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Sweep removes every entry whose half-hour window has expired and whose
// key has been idle for more than one half-hour window. It returns the
// number of entries removed. Exported so tests exercise the same path the
// background sweeper runs.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, c := range s.counters {
		if c.stale(now) {
			delete(s.counters, key)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("Swept stale rate limit entries",
			"removed", removed,
			"remaining", len(s.counters),
		)
	}
	return removed
}

func (s *Store) infoLocked(c *counter) Info {
	return Info{
		Minute:   c.minute.snapshot(s.perMinute),
		HalfHour: c.halfHour.snapshot(s.perHalfHour),
	}
}

// retryAfter is the wait hint for a rejected request: the smaller of the
// two windows' time-until-reset, floored at zero. Rounding up to whole
// seconds happens where the header is written.
func retryAfter(now time.Time, c *counter) time.Duration {
	d := c.minute.resetAt.Sub(now)
	if other := c.halfHour.resetAt.Sub(now); other < d {
		d = other
	}
	if d < 0 {
		d = 0
	}
	return d
}

// sweepLoop periodically removes stale entries until Close is called.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// evictLocked trims the store back to maxKeys after an admit pushed it
// over. Phase one removes entries matching the sweep's stale predicate, up
// to the excess; phase two falls back to removing the entry with the
// globally oldest last-seen time, one linear scan per removal, so the
// bound holds even under adversarial key churn.
func (s *Store) evictLocked(now time.Time) {
	excess := len(s.counters) - s.maxKeys
	if excess <= 0 {
		return
	}

	for key, c := range s.counters {
		if excess == 0 {
			break
		}
		if c.stale(now) {
			delete(s.counters, key)
			excess--
		}
	}

	for excess > 0 && len(s.counters) > 0 {
		var oldestKey string
		var oldest time.Time
		first := true
		for key, c := range s.counters {
			if first || c.lastSeen.Before(oldest) {
				oldestKey = key
				oldest = c.lastSeen
				first = false
			}
		}
		delete(s.counters, oldestKey)
		excess--
	}
}
