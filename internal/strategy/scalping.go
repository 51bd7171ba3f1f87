package strategy

import (
	"context"
	"fmt"
	"time"

	"xor-core/pkg/exchanges/common"
)

const priceWindow = 100

// Scalping enters on top-of-book imbalance inside a tight spread and exits
// on a tick-denominated profit target, stop, or holding-time limit.
type Scalping struct {
	base

	spreadThreshold    float64 // percent
	takeProfitTicks    float64
	stopLossTicks      float64
	imbalanceThreshold float64
	positionTimeLimit  float64 // seconds
	useMarketOrders    bool
	rsiPeriod          int // 0 disables the momentum filter
	smaPeriod          int // 0 disables the trend filter

	tickSize  float64
	prices    []float64
	imbalance float64
	hasBook   bool

	entrySide        string // long or short, empty when flat
	positionOpenTime time.Time
	now              func() time.Time
}

func NewScalping(symbol string, params Params) *Scalping {
	return &Scalping{
		base:               newBase(symbol, params),
		spreadThreshold:    params.Float("spread_threshold", 0),
		takeProfitTicks:    params.Float("take_profit_ticks", 0),
		stopLossTicks:      params.Float("stop_loss_ticks", 0),
		imbalanceThreshold: params.Float("order_book_imbalance_threshold", 2.0),
		positionTimeLimit:  params.Float("position_time_limit", 60),
		useMarketOrders:    params.Bool("use_market_orders", true),
		rsiPeriod:          params.Int("rsi_period", 0),
		smaPeriod:          params.Int("sma_period", 0),
		tickSize:           0.01,
		now:                time.Now,
	}
}

func (s *Scalping) Name() string { return "scalping" }

func (s *Scalping) ValidateParams() error {
	if s.takeProfitTicks <= 0 {
		return fmt.Errorf("take_profit_ticks must be positive, got %.8g", s.takeProfitTicks)
	}
	if s.stopLossTicks <= 0 {
		return fmt.Errorf("stop_loss_ticks must be positive, got %.8g", s.stopLossTicks)
	}
	if s.imbalanceThreshold <= 1 {
		return fmt.Errorf("order_book_imbalance_threshold must exceed 1, got %.8g", s.imbalanceThreshold)
	}
	return nil
}

// Initialize resolves the symbol's tick size once from the venue.
func (s *Scalping) Initialize(ctx context.Context, env Env) error {
	if env.TickSize != nil {
		ts, err := env.TickSize(ctx, s.symbol)
		if err != nil {
			return fmt.Errorf("resolve tick size: %w", err)
		}
		if ts > 0 {
			s.tickSize = ts
		}
	}
	return nil
}

func (s *Scalping) OnTick(t common.Ticker) []Signal {
	if t.Price <= 0 || t.Bid <= 0 || t.Ask <= 0 {
		return nil
	}

	s.prices = append(s.prices, t.Price)
	if len(s.prices) > priceWindow {
		s.prices = s.prices[len(s.prices)-priceWindow:]
	}

	if s.entrySide != "" {
		held := s.now().Sub(s.positionOpenTime).Seconds()
		if held >= s.positionTimeLimit {
			return []Signal{s.closeSignal(t, "Position time limit reached")}
		}
		return s.checkExit(t)
	}

	spread := (t.Ask - t.Bid) / t.Bid * 100
	if spread > s.spreadThreshold {
		return nil
	}
	return s.checkEntry(t)
}

// OnOrderbook refreshes the top-10 volume imbalance used for entries.
func (s *Scalping) OnOrderbook(ob common.Orderbook) []Signal {
	s.orderbook = ob
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return nil
	}

	var bidVol, askVol float64
	for i, lv := range ob.Bids {
		if i >= 10 {
			break
		}
		bidVol += lv.Qty
	}
	for i, lv := range ob.Asks {
		if i >= 10 {
			break
		}
		askVol += lv.Qty
	}
	if askVol == 0 {
		return nil
	}
	s.imbalance = bidVol / askVol
	s.hasBook = true
	return nil
}

// entryAllowed applies the optional RSI and SMA confirmation filters:
// no longs into overbought or below trend, no shorts into oversold or
// above trend.
func (s *Scalping) entryAllowed(long bool, price float64, ind map[string]float64) bool {
	if s.rsiPeriod > 0 {
		rsi := relativeStrength(s.prices, s.rsiPeriod)
		ind["rsi"] = rsi
		if rsi > 0 {
			if long && rsi >= 70 {
				return false
			}
			if !long && rsi <= 30 {
				return false
			}
		}
	}
	if s.smaPeriod > 0 {
		sma := movingAverage(s.prices, s.smaPeriod)
		ind["sma"] = sma
		if sma > 0 {
			if long && price < sma {
				return false
			}
			if !long && price > sma {
				return false
			}
		}
	}
	return true
}

func (s *Scalping) checkEntry(t common.Ticker) []Signal {
	if !s.hasBook {
		return nil
	}

	if s.imbalance >= s.imbalanceThreshold {
		ind := map[string]float64{"imbalance": s.imbalance}
		if !s.entryAllowed(true, t.Price, ind) {
			return nil
		}
		s.entrySide = "long"
		s.positionOpenTime = s.now()
		s.entryPrice = t.Ask
		price := t.Bid
		if s.useMarketOrders {
			price = t.Ask
		}
		return []Signal{{
			Type:       SignalBuy,
			Symbol:     s.symbol,
			Price:      price,
			Confidence: 1,
			Reason:     fmt.Sprintf("Orderbook imbalance: %.2f", s.imbalance),
			StopLoss:   t.Bid - s.stopLossTicks*s.tickSize,
			TakeProfit: t.Ask + s.takeProfitTicks*s.tickSize,
			Indicators: ind,
			Timestamp:  t.Time,
		}}
	}

	if s.imbalance <= 1/s.imbalanceThreshold {
		ind := map[string]float64{"imbalance": s.imbalance}
		if !s.entryAllowed(false, t.Price, ind) {
			return nil
		}
		s.entrySide = "short"
		s.positionOpenTime = s.now()
		s.entryPrice = t.Bid
		price := t.Ask
		if s.useMarketOrders {
			price = t.Bid
		}
		return []Signal{{
			Type:       SignalSell,
			Symbol:     s.symbol,
			Price:      price,
			Confidence: 1,
			Reason:     fmt.Sprintf("Orderbook imbalance: %.2f", s.imbalance),
			StopLoss:   t.Ask + s.stopLossTicks*s.tickSize,
			TakeProfit: t.Bid - s.takeProfitTicks*s.tickSize,
			Indicators: ind,
			Timestamp:  t.Time,
		}}
	}

	return nil
}

func (s *Scalping) checkExit(t common.Ticker) []Signal {
	var pnlTicks float64
	if s.entrySide == "long" {
		pnlTicks = (t.Price - s.entryPrice) / s.tickSize
	} else {
		pnlTicks = (s.entryPrice - t.Price) / s.tickSize
	}

	if pnlTicks >= s.takeProfitTicks {
		return []Signal{s.closeSignal(t, fmt.Sprintf("Take profit: %.0f ticks", pnlTicks))}
	}
	if pnlTicks <= -s.stopLossTicks {
		return []Signal{s.closeSignal(t, fmt.Sprintf("Stop loss: %.0f ticks", pnlTicks))}
	}
	return nil
}

func (s *Scalping) closeSignal(t common.Ticker, reason string) Signal {
	typ := SignalCloseLong
	if s.entrySide == "short" {
		typ = SignalCloseShort
	}
	s.entrySide = ""
	s.positionOpenTime = time.Time{}
	return Signal{
		Type:       typ,
		Symbol:     s.symbol,
		Price:      t.Price,
		Confidence: 1,
		Reason:     reason,
		Timestamp:  t.Time,
	}
}
