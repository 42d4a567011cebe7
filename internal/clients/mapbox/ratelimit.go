package mapbox

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	maxBackoffMultiplier = 8

	// Assumed reset window when a 429 carries no reset header
	defaultRateLimitWindow = time.Minute
)

// RateLimitState is a snapshot of the limiter for diagnostics
type RateLimitState struct {
	RateLimited bool          `json:"rate_limited"`
	Multiplier  int           `json:"backoff_multiplier"`
	ResetAt     time.Time     `json:"reset_at,omitempty"`
	Interval    time.Duration `json:"interval"`
}

// rateLimiter spaces requests at least minInterval*multiplier apart. Each
// caller reserves the next slot under the lock and sleeps outside it.
type rateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	multiplier  int
	rateLimited bool
	resetAt     time.Time
	nextSlot    time.Time

	now func() time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	var interval time.Duration
	if requestsPerMinute > 0 {
		interval = time.Minute / time.Duration(requestsPerMinute)
	}
	return &rateLimiter{
		minInterval: interval,
		multiplier:  1,
		now:         time.Now,
	}
}

// Wait blocks until the caller may dispatch a request
func (r *rateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	now := r.now()
	r.expireLocked(now)

	slot := r.nextSlot
	if slot.Before(now) {
		slot = now
	}
	r.nextSlot = slot.Add(r.minInterval * time.Duration(r.multiplier))
	r.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnRateLimited records a 429 and doubles the backoff multiplier
func (r *rateLimiter) OnRateLimited(header http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.rateLimited = true
	r.resetAt = parseReset(header, now)
	r.multiplier *= 2
	if r.multiplier > maxBackoffMultiplier {
		r.multiplier = maxBackoffMultiplier
	}
}

// OnSuccess clears any backoff
func (r *rateLimiter) OnSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rateLimited = false
	r.multiplier = 1
	r.resetAt = time.Time{}
}

// State returns a snapshot of the limiter
func (r *rateLimiter) State() RateLimitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked(r.now())
	return RateLimitState{
		RateLimited: r.rateLimited,
		Multiplier:  r.multiplier,
		ResetAt:     r.resetAt,
		Interval:    r.minInterval * time.Duration(r.multiplier),
	}
}

func (r *rateLimiter) expireLocked(now time.Time) {
	if r.rateLimited && !now.Before(r.resetAt) {
		r.rateLimited = false
		r.multiplier = 1
		r.resetAt = time.Time{}
	}
}

// parseReset reads X-Rate-Limit-Reset (unix seconds) or Retry-After (seconds)
func parseReset(header http.Header, now time.Time) time.Time {
	if v := header.Get("X-Rate-Limit-Reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0)
		}
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if at, err := http.ParseTime(v); err == nil {
			return at
		}
	}
	return now.Add(defaultRateLimitWindow)
}
