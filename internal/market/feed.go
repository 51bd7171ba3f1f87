// Package market streams exchange data onto the event bus.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
	"xor-core/pkg/cache"
	"xor-core/pkg/exchanges/common"
)

// Feed subscribes to one adapter's streams for a set of symbols and
// republishes them as market.* events. Last prices are kept in a sharded
// cache for cheap snapshot reads.
type Feed struct {
	Exchange string
	Adapter  common.Adapter
	Bus      events.Bus
	Symbols  []string
	Interval string // kline interval; empty disables kline polling
	Log      zerolog.Logger

	Prices *cache.TickerCache

	mu     sync.Mutex
	unsubs []common.Unsubscribe
}

// Start opens the stream subscriptions. Partial failures are logged and
// the remaining subscriptions stay up.
func (f *Feed) Start(ctx context.Context) error {
	if f.Prices == nil {
		f.Prices = cache.NewTickerCache()
	}
	log := f.Log.With().Str("component", "market-feed").Str("exchange", f.Exchange).Logger()

	for _, symbol := range f.Symbols {
		symbol := symbol

		unsub, err := f.Adapter.SubscribeTicker(ctx, symbol, func(t common.Ticker) {
			f.Prices.Put(t)
			f.Bus.Emit(events.TopicMarketTick, t, "")
		})
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("ticker subscription failed")
		} else {
			f.keep(unsub)
		}

		unsub, err = f.Adapter.SubscribeOrderbook(ctx, symbol, func(ob common.Orderbook) {
			f.Bus.Emit(events.TopicMarketOrderbook, ob, "")
		})
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("orderbook subscription failed")
		} else {
			f.keep(unsub)
		}

		unsub, err = f.Adapter.SubscribeTrades(ctx, symbol, func(tr common.PublicTrade) {
			f.Bus.Emit(events.TopicMarketTrade, tr, "")
		})
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("trade subscription failed")
		} else {
			f.keep(unsub)
		}

		if f.Interval != "" {
			go f.pollKlines(ctx, symbol, log)
		}
	}
	return nil
}

// pollKlines fetches the latest closed candle once per interval. Candle
// streams differ too much across venues to be worth a per-venue socket.
func (f *Feed) pollKlines(ctx context.Context, symbol string, log zerolog.Logger) {
	d := intervalDuration(f.Interval)
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			klines, err := f.Adapter.GetKlines(ctx, symbol, f.Interval, 2)
			if err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("kline fetch failed")
				continue
			}
			if len(klines) > 0 {
				// last element may still be forming; publish the closed one
				f.Bus.Emit(events.TopicMarketKline, klines[0], "")
			}
		}
	}
}

// NotifyGap publishes market.reset so strategies on the symbols rebuild
// their state after a stream reconnect lost data. Cached tickers are
// dropped too; they may predate the gap.
func (f *Feed) NotifyGap(stream string) {
	for _, symbol := range f.Symbols {
		if f.Prices != nil {
			f.Prices.Drop(symbol)
		}
		f.Bus.Emit(events.TopicMarketReset, events.MarketReset{
			Exchange: f.Exchange,
			Symbol:   symbol,
			Stream:   stream,
		}, "")
	}
}

// LastPrice returns the cached last trade price for a symbol.
func (f *Feed) LastPrice(symbol string) (float64, bool) {
	if f.Prices == nil {
		return 0, false
	}
	return f.Prices.LastPrice(symbol)
}

// Stop tears down all subscriptions.
func (f *Feed) Stop() {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs = nil
	f.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (f *Feed) keep(u common.Unsubscribe) {
	f.mu.Lock()
	f.unsubs = append(f.unsubs, u)
	f.mu.Unlock()
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
