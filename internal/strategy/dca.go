package strategy

import (
	"context"
	"fmt"

	"xor-core/pkg/exchanges/common"
)

// safetyOrder is one rung of the averaging-down ladder.
type safetyOrder struct {
	num          int
	deviationPct float64
	size         float64
	triggerPrice float64
	filled       bool
}

// DCA buys a base order, averages down with progressively deeper and larger
// safety orders, and exits the whole stack at a profit target above the
// average entry.
type DCA struct {
	base

	baseOrderSize   float64
	safetyOrderSize float64
	maxSafetyOrders int
	priceDeviation  float64 // percent
	stepScale       float64
	volumeScale     float64
	takeProfitPct   float64
	stopLossPct     float64 // 0 disables

	safetyOrders    []safetyOrder
	baseOrderPlaced bool
	averageEntry    float64
	totalQuantity   float64
	totalInvested   float64
}

func NewDCA(symbol string, params Params) *DCA {
	return &DCA{
		base:            newBase(symbol, params),
		baseOrderSize:   params.Float("base_order_size", 0),
		safetyOrderSize: params.Float("safety_order_size", 0),
		maxSafetyOrders: params.Int("max_safety_orders", 5),
		priceDeviation:  params.Float("price_deviation_percent", 1.0),
		stepScale:       params.Float("safety_order_step_scale", 1.0),
		volumeScale:     params.Float("safety_order_volume_scale", 1.0),
		takeProfitPct:   params.Float("take_profit_percent", 1.5),
		stopLossPct:     params.Float("stop_loss_percent", 0),
	}
}

func (d *DCA) Name() string { return "dca" }

func (d *DCA) ValidateParams() error {
	if d.baseOrderSize <= 0 {
		return fmt.Errorf("base_order_size must be positive, got %.8g", d.baseOrderSize)
	}
	if d.safetyOrderSize <= 0 {
		return fmt.Errorf("safety_order_size must be positive, got %.8g", d.safetyOrderSize)
	}
	if d.takeProfitPct <= 0 {
		return fmt.Errorf("take_profit_percent must be positive, got %.8g", d.takeProfitPct)
	}
	if d.maxSafetyOrders < 0 {
		return fmt.Errorf("max_safety_orders must not be negative, got %d", d.maxSafetyOrders)
	}
	return nil
}

func (d *DCA) Initialize(ctx context.Context, env Env) error {
	d.reset()
	return nil
}

// reset rebuilds the ladder for a fresh cycle. Rung i deepens by
// price_deviation × step_scale each step and grows by volume_scale each step.
func (d *DCA) reset() {
	d.safetyOrders = d.safetyOrders[:0]
	deviation := d.priceDeviation
	size := d.safetyOrderSize
	for i := 1; i <= d.maxSafetyOrders; i++ {
		d.safetyOrders = append(d.safetyOrders, safetyOrder{
			num:          i,
			deviationPct: deviation,
			size:         size,
		})
		deviation += d.priceDeviation * d.stepScale
		size *= d.volumeScale
	}
	d.baseOrderPlaced = false
	d.averageEntry = 0
	d.totalQuantity = 0
	d.totalInvested = 0
	d.entryPrice = 0
}

func (d *DCA) OnTick(t common.Ticker) []Signal {
	price := t.Price
	if price <= 0 {
		return nil
	}

	if !d.baseOrderPlaced {
		d.baseOrderPlaced = true
		d.entryPrice = price
		for i := range d.safetyOrders {
			so := &d.safetyOrders[i]
			so.triggerPrice = price * (1 - so.deviationPct/100)
		}
		return []Signal{{
			Type:       SignalBuy,
			Symbol:     d.symbol,
			Price:      price,
			Quantity:   d.baseOrderSize,
			Confidence: 1,
			Reason:     "DCA base order",
			Indicators: map[string]float64{"order_num": 0},
			Timestamp:  t.Time,
		}}
	}

	if d.totalQuantity > 0 {
		pnlPct := (price - d.averageEntry) / d.averageEntry * 100

		if pnlPct >= d.takeProfitPct {
			sig := Signal{
				Type:       SignalSell,
				Symbol:     d.symbol,
				Price:      price,
				Quantity:   d.totalQuantity,
				Confidence: 1,
				Reason:     fmt.Sprintf("Take profit at %.2f%%", pnlPct),
				Indicators: map[string]float64{"pnl_percent": pnlPct},
				Timestamp:  t.Time,
			}
			d.reset()
			return []Signal{sig}
		}

		if d.stopLossPct > 0 && pnlPct <= -d.stopLossPct {
			sig := Signal{
				Type:       SignalSell,
				Symbol:     d.symbol,
				Price:      price,
				Quantity:   d.totalQuantity,
				Confidence: 1,
				Reason:     fmt.Sprintf("Stop loss at %.2f%%", pnlPct),
				Indicators: map[string]float64{"pnl_percent": pnlPct},
				Timestamp:  t.Time,
			}
			d.reset()
			return []Signal{sig}
		}
	}

	for i := range d.safetyOrders {
		so := &d.safetyOrders[i]
		if so.filled || price > so.triggerPrice {
			continue
		}
		so.filled = true
		return []Signal{{
			Type:       SignalBuy,
			Symbol:     d.symbol,
			Price:      price,
			Quantity:   so.size,
			Confidence: 1,
			Reason:     fmt.Sprintf("Safety order #%d", so.num),
			Indicators: map[string]float64{"order_num": float64(so.num)},
			Timestamp:  t.Time,
		}}
	}

	return nil
}

// OnOrderFilled folds a buy fill into the running average. The runtime's
// per-bot serialization guarantees this runs before the next tick that could
// evaluate the profit target.
func (d *DCA) OnOrderFilled(f Fill) {
	if f.Side != common.SideBuy || f.Qty <= 0 {
		return
	}
	d.totalQuantity += f.Qty
	d.totalInvested += f.Qty * f.Price
	d.averageEntry = d.totalInvested / d.totalQuantity
}

// AverageEntry exposes the running average for inspection.
func (d *DCA) AverageEntry() float64 { return d.averageEntry }

// TotalQuantity exposes the accumulated quantity for inspection.
func (d *DCA) TotalQuantity() float64 { return d.totalQuantity }
