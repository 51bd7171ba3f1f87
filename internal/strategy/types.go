// Package strategy hosts the live strategy instances and the runtime that
// feeds them market events and collects their signals.
package strategy

import (
	"context"
	"fmt"
	"time"

	"xor-core/pkg/exchanges/common"
)

// SignalType is a strategy's intent.
type SignalType string

const (
	SignalBuy        SignalType = "buy"
	SignalSell       SignalType = "sell"
	SignalCloseLong  SignalType = "close_long"
	SignalCloseShort SignalType = "close_short"
	SignalHold       SignalType = "hold"
)

// Signal is an immutable decision emitted by a strategy instance.
type Signal struct {
	Type       SignalType         `json:"type"`
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	Quantity   float64            `json:"quantity,omitempty"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	StopLoss   float64            `json:"stop_loss,omitempty"`
	TakeProfit float64            `json:"take_profit,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Fill notifies a strategy that one of its orders (partially) executed.
type Fill struct {
	Symbol string
	Side   common.Side
	Qty    float64
	Price  float64
	Fee    float64
}

// PositionUpdate syncs the live position view into the strategy.
type PositionUpdate struct {
	Size          float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// Env provides the venue lookups a strategy may need at initialization.
// Strategies never perform I/O inside the hot callbacks.
type Env struct {
	TickSize func(ctx context.Context, symbol string) (float64, error)
}

// Strategy is the capability surface every strategy variant implements.
// The hot callbacks are synchronous and must not block; they return nil
// or the signals produced by the event.
type Strategy interface {
	Name() string
	Symbol() string

	ValidateParams() error
	Initialize(ctx context.Context, env Env) error
	Cleanup()

	OnTick(t common.Ticker) []Signal
	OnCandle(k common.Kline) []Signal
	OnOrderbook(ob common.Orderbook) []Signal

	OnOrderFilled(f Fill)
	OnPositionUpdate(p PositionUpdate)
}

// Params is the free-form per-bot strategy configuration.
type Params map[string]any

// Float reads a numeric parameter, accepting int or float encodings.
func (p Params) Float(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return def
}

// Int reads an integer parameter.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return def
}

// Bool reads a boolean parameter.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// String reads a string parameter.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// New constructs a strategy variant by type name.
func New(typ, symbol string, params Params) (Strategy, error) {
	switch typ {
	case "grid":
		return NewGrid(symbol, params), nil
	case "dca":
		return NewDCA(symbol, params), nil
	case "scalping":
		return NewScalping(symbol, params), nil
	}
	return nil, fmt.Errorf("unknown strategy type %q", typ)
}
