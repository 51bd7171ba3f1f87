package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"xor-core/pkg/exchanges/common"
)

// gridLevel is one rung of the ladder. A level holds at most one outstanding
// position: a buy fill turns it into a sell level and a sell fill turns it
// back, cycling indefinitely.
type gridLevel struct {
	price float64
	isBuy bool
}

// Grid places alternating buy/sell intents at fixed rungs inside
// [lower_price, upper_price] and profits from oscillation within the range.
type Grid struct {
	base

	gridType     string // arithmetic or geometric
	upperPrice   float64
	lowerPrice   float64
	gridCount    int
	orderSize    float64
	triggerPrice float64

	levels []gridLevel
	active bool
	// last processed in-range price; ticks outside the range do not move it,
	// so a dip below the floor and back fires the rungs it re-crosses
	lastPrice float64
	hasLast   bool
}

func NewGrid(symbol string, params Params) *Grid {
	return &Grid{
		base:         newBase(symbol, params),
		gridType:     params.String("grid_type", "arithmetic"),
		upperPrice:   params.Float("upper_price", 0),
		lowerPrice:   params.Float("lower_price", 0),
		gridCount:    params.Int("grid_count", 0),
		orderSize:    params.Float("order_size", 0),
		triggerPrice: params.Float("trigger_price", 0),
	}
}

func (g *Grid) Name() string { return "grid" }

func (g *Grid) ValidateParams() error {
	if g.upperPrice <= g.lowerPrice {
		return fmt.Errorf("upper_price %.8g must exceed lower_price %.8g", g.upperPrice, g.lowerPrice)
	}
	if g.gridCount < 2 {
		return fmt.Errorf("grid_count must be at least 2, got %d", g.gridCount)
	}
	if g.orderSize <= 0 {
		return fmt.Errorf("order_size must be positive, got %.8g", g.orderSize)
	}
	if g.gridType != "arithmetic" && g.gridType != "geometric" {
		return fmt.Errorf("grid_type must be arithmetic or geometric, got %q", g.gridType)
	}
	return nil
}

func (g *Grid) Initialize(ctx context.Context, env Env) error {
	g.buildLevels()
	g.active = g.triggerPrice == 0
	g.hasLast = false
	return nil
}

func (g *Grid) buildLevels() {
	g.levels = make([]gridLevel, 0, g.gridCount+1)
	if g.gridType == "geometric" {
		ratio := math.Pow(g.upperPrice/g.lowerPrice, 1/float64(g.gridCount))
		for i := 0; i <= g.gridCount; i++ {
			g.levels = append(g.levels, gridLevel{
				price: g.lowerPrice * math.Pow(ratio, float64(i)),
				isBuy: true,
			})
		}
		return
	}
	step := (g.upperPrice - g.lowerPrice) / float64(g.gridCount)
	for i := 0; i <= g.gridCount; i++ {
		g.levels = append(g.levels, gridLevel{
			price: g.lowerPrice + float64(i)*step,
			isBuy: true,
		})
	}
}

// OnTick fires every rung the price crossed since the last in-range tick,
// in traversal order. A buy rung fires when the price reaches it from above
// or lands on it exactly; a sell rung symmetrically from below.
func (g *Grid) OnTick(t common.Ticker) []Signal {
	price := t.Price
	if price <= 0 {
		return nil
	}

	// dormant until the trigger price is first reached
	if !g.active {
		if price < g.triggerPrice {
			return nil
		}
		g.active = true
	}

	if price < g.lowerPrice || price > g.upperPrice {
		return nil
	}

	if !g.hasLast {
		g.hasLast = true
		g.lastPrice = price
		// first observation fires only a rung sitting exactly at the price
		for i := range g.levels {
			if g.levels[i].price == price {
				return []Signal{g.fire(i, t.Time)}
			}
		}
		return nil
	}

	prev := g.lastPrice
	g.lastPrice = price

	var out []Signal
	if price > prev {
		for i := range g.levels {
			lv := &g.levels[i]
			if lv.price <= prev || lv.price > price {
				continue
			}
			if lv.isBuy && price <= lv.price {
				out = append(out, g.fire(i, t.Time))
			} else if !lv.isBuy && price >= lv.price {
				out = append(out, g.fire(i, t.Time))
			}
		}
	} else if price < prev {
		for i := len(g.levels) - 1; i >= 0; i-- {
			lv := &g.levels[i]
			if lv.price >= prev || lv.price < price {
				continue
			}
			if lv.isBuy && price <= lv.price {
				out = append(out, g.fire(i, t.Time))
			} else if !lv.isBuy && price >= lv.price {
				out = append(out, g.fire(i, t.Time))
			}
		}
	}
	return out
}

// fire emits the rung's current intent and flips it.
func (g *Grid) fire(i int, ts time.Time) Signal {
	lv := &g.levels[i]
	sig := Signal{
		Symbol:     g.symbol,
		Price:      lv.price,
		Quantity:   g.orderSize,
		Confidence: 1,
		Indicators: map[string]float64{"grid_level": lv.price},
		Timestamp:  ts,
	}
	if lv.isBuy {
		sig.Type = SignalBuy
		sig.Reason = fmt.Sprintf("Grid buy at %.8g", lv.price)
	} else {
		sig.Type = SignalSell
		sig.Reason = fmt.Sprintf("Grid sell at %.8g", lv.price)
	}
	lv.isBuy = !lv.isBuy
	return sig
}

// Levels returns a copy of the ladder, buy rungs and sell rungs together
// always covering the full initial grid.
func (g *Grid) Levels() (buys, sells []float64) {
	for _, lv := range g.levels {
		if lv.isBuy {
			buys = append(buys, lv.price)
		} else {
			sells = append(sells, lv.price)
		}
	}
	return buys, sells
}
