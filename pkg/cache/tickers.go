// Package cache keeps the most recent market snapshots the feed has
// seen, for cheap reads outside the event stream.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"xor-core/pkg/exchanges/common"
)

const tickerShards = 16

// TickerCache holds the latest ticker per symbol. Entries are sharded
// by symbol hash so feed callbacks and snapshot readers do not contend
// on a single lock.
type TickerCache struct {
	shards [tickerShards]tickerShard
}

type tickerShard struct {
	mu     sync.RWMutex
	latest map[string]quote
}

type quote struct {
	tick common.Ticker
	seen time.Time
}

func NewTickerCache() *TickerCache {
	c := &TickerCache{}
	for i := range c.shards {
		c.shards[i].latest = make(map[string]quote)
	}
	return c
}

func (c *TickerCache) shard(symbol string) *tickerShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return &c.shards[h.Sum32()%tickerShards]
}

// Put records the latest ticker for its symbol.
func (c *TickerCache) Put(t common.Ticker) {
	s := c.shard(t.Symbol)
	s.mu.Lock()
	s.latest[t.Symbol] = quote{tick: t, seen: time.Now()}
	s.mu.Unlock()
}

// Last returns the most recent ticker seen for a symbol.
func (c *TickerCache) Last(symbol string) (common.Ticker, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	q, ok := s.latest[symbol]
	s.mu.RUnlock()
	return q.tick, ok
}

// LastPrice returns the most recent trade price for a symbol.
func (c *TickerCache) LastPrice(symbol string) (float64, bool) {
	t, ok := c.Last(symbol)
	return t.Price, ok
}

// Age reports how long ago the symbol's ticker was recorded.
func (c *TickerCache) Age(symbol string) (time.Duration, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	q, ok := s.latest[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(q.seen), true
}

// Drop forgets a symbol. The feed calls this on a stream gap so a stale
// price cannot be served while the stream recovers.
func (c *TickerCache) Drop(symbol string) {
	s := c.shard(symbol)
	s.mu.Lock()
	delete(s.latest, symbol)
	s.mu.Unlock()
}

// Len returns the number of symbols held across all shards.
func (c *TickerCache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.latest)
		s.mu.RUnlock()
	}
	return n
}

// PurgeStale drops entries older than maxAge and reports how many were
// removed.
func (c *TickerCache) PurgeStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for sym, q := range s.latest {
			if q.seen.Before(cutoff) {
				delete(s.latest, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
