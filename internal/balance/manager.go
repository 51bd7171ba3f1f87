// Package balance tracks account equity per user for risk accounting.
package balance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xor-core/pkg/exchanges/common"
)

// stableAssets are counted at face value; other assets are ignored until a
// mark-to-market pass prices them.
var stableAssets = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"FDUSD": true,
	"DAI":   true,
}

// Snapshot is one user's cached equity.
type Snapshot struct {
	Equity    float64
	Balances  []common.Balance
	FetchedAt time.Time
}

// Tracker caches per-user equity, refreshing from the adapters on an
// interval so risk checks never block on the exchange.
type Tracker struct {
	mu       sync.RWMutex
	adapters map[string]common.Adapter // user_id -> adapter
	cache    map[string]Snapshot
	interval time.Duration
	log      zerolog.Logger
}

// NewTracker creates a tracker; interval defaults to 30s.
func NewTracker(interval time.Duration, log zerolog.Logger) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Tracker{
		adapters: make(map[string]common.Adapter),
		cache:    make(map[string]Snapshot),
		interval: interval,
		log:      log.With().Str("component", "balance-tracker").Logger(),
	}
}

// Track registers a user's adapter for periodic refresh.
func (t *Tracker) Track(userID string, adapter common.Adapter) {
	t.mu.Lock()
	t.adapters[userID] = adapter
	t.mu.Unlock()
}

// Untrack drops a user.
func (t *Tracker) Untrack(userID string) {
	t.mu.Lock()
	delete(t.adapters, userID)
	delete(t.cache, userID)
	t.mu.Unlock()
}

// Run refreshes all tracked users until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshAll(ctx)
		}
	}
}

func (t *Tracker) refreshAll(ctx context.Context) {
	t.mu.RLock()
	adapters := make(map[string]common.Adapter, len(t.adapters))
	for id, a := range t.adapters {
		adapters[id] = a
	}
	t.mu.RUnlock()

	for userID, adapter := range adapters {
		if err := t.Refresh(ctx, userID, adapter); err != nil {
			t.log.Warn().Err(err).Str("user_id", userID).Msg("balance refresh failed")
		}
	}
}

// Refresh fetches one user's balances now and updates the cache.
func (t *Tracker) Refresh(ctx context.Context, userID string, adapter common.Adapter) error {
	balances, err := adapter.GetBalances(ctx)
	if err != nil {
		return err
	}

	var equity float64
	for _, b := range balances {
		if stableAssets[b.Asset] {
			equity += b.Total
		}
	}

	t.mu.Lock()
	t.cache[userID] = Snapshot{Equity: equity, Balances: balances, FetchedAt: time.Now()}
	t.mu.Unlock()
	return nil
}

// Equity returns the user's cached equity.
func (t *Tracker) Equity(userID string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.cache[userID]
	return s.Equity, ok
}

// Equities returns all cached equities, for portfolio-wide risk sweeps.
func (t *Tracker) Equities() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.cache))
	for id, s := range t.cache {
		out[id] = s.Equity
	}
	return out
}

// Get returns the user's full cached snapshot.
func (t *Tracker) Get(userID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.cache[userID]
	return s, ok
}
