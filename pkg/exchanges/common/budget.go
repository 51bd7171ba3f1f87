package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Budget enforces the venue's request-weight quota. It paces outgoing calls
// with a token bucket and tracks the authoritative used-weight value the
// exchange returns in response headers. Calls that would exceed the window
// budget are refused with a rate_limited error; callers must back off.
type Budget struct {
	limiter       *rate.Limiter
	limit         int
	usedWeight    int
	lastReset     time.Time
	resetInterval time.Duration
	pausedUntil   time.Time
	log           zerolog.Logger
	mu            sync.Mutex
}

// NewBudget creates a request budget of limit weight per window
// (e.g. 1200/min for Binance spot, 2400/min for futures).
func NewBudget(limit int, window time.Duration, log zerolog.Logger) *Budget {
	perSec := float64(limit) / window.Seconds()
	return &Budget{
		limiter:       rate.NewLimiter(rate.Limit(perSec), limit/10+1),
		limit:         limit,
		resetInterval: window,
		lastReset:     time.Now(),
		log:           log.With().Str("component", "rate-budget").Logger(),
	}
}

// Acquire reserves weight for an outgoing call. It returns a rate_limited
// error when the venue told us to pause or the remaining budget is gone.
func (b *Budget) Acquire(ctx context.Context, weight int) error {
	b.mu.Lock()
	if until := b.pausedUntil; time.Now().Before(until) {
		b.mu.Unlock()
		return RateLimitedErr(time.Until(until))
	}
	if time.Since(b.lastReset) >= b.resetInterval {
		b.usedWeight = 0
		b.lastReset = time.Now()
	}
	if b.usedWeight+weight > b.limit {
		remaining := b.resetInterval - time.Since(b.lastReset)
		b.mu.Unlock()
		return RateLimitedErr(remaining)
	}
	b.usedWeight += weight
	b.mu.Unlock()

	if err := b.limiter.WaitN(ctx, weight); err != nil {
		return ConnectionErr(err)
	}
	return nil
}

// UpdateFromHeader replaces the local weight estimate with the
// authoritative value from an exchange response header.
func (b *Budget) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Since(b.lastReset) >= b.resetInterval {
		b.usedWeight = 0
		b.lastReset = time.Now()
	}
	b.usedWeight = weight

	pct := float64(weight) / float64(b.limit) * 100
	if pct >= 90 {
		b.log.Warn().Int("used", weight).Int("limit", b.limit).Msg("rate budget critical")
	}
}

// Pause suspends all calls for the given window, as instructed by a 429.
func (b *Budget) Pause(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	b.log.Warn().Dur("pause", d).Msg("rate budget paused by venue")
}

// Paused reports whether the budget is currently suspended and for how long.
func (b *Budget) Paused() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().Before(b.pausedUntil) {
		return true, time.Until(b.pausedUntil)
	}
	return false, 0
}

// Usage returns the current window's used weight and limit.
func (b *Budget) Usage() (used, limit int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.lastReset) >= b.resetInterval {
		return 0, b.limit
	}
	return b.usedWeight, b.limit
}
