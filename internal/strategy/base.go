package strategy

import (
	"context"

	"xor-core/pkg/exchanges/common"
)

const maxCandles = 500

// base carries the state every strategy variant shares: a bounded candle
// history, the latest orderbook snapshot, and the live position view.
type base struct {
	symbol string
	params Params

	candles   []common.Kline
	orderbook common.Orderbook

	positionSize  float64
	entryPrice    float64
	unrealizedPnL float64
}

func newBase(symbol string, params Params) base {
	if params == nil {
		params = Params{}
	}
	return base{symbol: symbol, params: params}
}

func (b *base) Symbol() string { return b.symbol }

func (b *base) Initialize(ctx context.Context, env Env) error { return nil }

func (b *base) Cleanup() {}

// pushCandle appends to the bounded ring, dropping the oldest entry.
func (b *base) pushCandle(k common.Kline) {
	b.candles = append(b.candles, k)
	if len(b.candles) > maxCandles {
		b.candles = b.candles[len(b.candles)-maxCandles:]
	}
}

func (b *base) OnCandle(k common.Kline) []Signal {
	b.pushCandle(k)
	return nil
}

func (b *base) OnOrderbook(ob common.Orderbook) []Signal {
	b.orderbook = ob
	return nil
}

func (b *base) OnOrderFilled(f Fill) {}

func (b *base) OnPositionUpdate(p PositionUpdate) {
	b.positionSize = p.Size
	b.entryPrice = p.EntryPrice
	b.unrealizedPnL = p.UnrealizedPnL
}
