package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
)

// Engine is the per-user risk accountant. All state lives behind one mutex;
// callers never perform I/O while holding it.
type Engine struct {
	userID string
	bus    events.Bus
	log    zerolog.Logger

	mu                   sync.Mutex
	limits               Limits
	peakEquity           float64
	startingEquityToday  float64
	realizedPnLToday     float64
	positions            map[string]PositionRisk
	lastResetDay         time.Time // UTC midnight of the last daily reset
	killSwitch           *KillSwitch
}

// NewEngine creates a risk engine for one user. bus may be nil in tests.
func NewEngine(userID string, limits Limits, bus events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		userID:     userID,
		bus:        bus,
		log:        log.With().Str("component", "risk-engine").Str("user_id", userID).Logger(),
		limits:     limits,
		positions:  make(map[string]PositionRisk),
		killSwitch: NewKillSwitch(),
	}
}

// UpdateLimits replaces the user's limits.
func (e *Engine) UpdateLimits(limits Limits) {
	e.mu.Lock()
	e.limits = limits
	e.mu.Unlock()
	e.log.Info().Msg("risk limits updated")
}

// Limits returns a copy of the active limits.
func (e *Engine) Limits() Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// KillSwitch exposes the user's kill switch.
func (e *Engine) KillSwitch() *KillSwitch { return e.killSwitch }

// ValidateOrder evaluates the pre-trade checks in fixed order and returns
// the first failure. It never performs I/O.
func (e *Engine) ValidateOrder(symbol, side string, qty, price float64, leverage int, portfolioValue float64) Verdict {
	if e.killSwitch.Active() {
		_, reason, _ := e.killSwitch.Status()
		return rejected(fmt.Sprintf("Kill switch active: %s", reason))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if leverage > e.limits.MaxLeverage {
		return rejected(fmt.Sprintf("Leverage %dx exceeds max %dx", leverage, e.limits.MaxLeverage))
	}

	if portfolioValue > 0 {
		sizePct := qty * price / portfolioValue * 100
		if sizePct > e.limits.MaxPositionSizePercent {
			return rejected(fmt.Sprintf("Position size %.1f%% exceeds max %g%%",
				sizePct, e.limits.MaxPositionSizePercent))
		}
	}

	if len(e.positions) >= e.limits.MaxOpenPositions {
		if _, held := e.positions[symbol]; !held {
			return rejected(fmt.Sprintf("Max open positions (%d) reached", e.limits.MaxOpenPositions))
		}
	}

	if e.dailyLossExceededLocked() {
		return rejected(fmt.Sprintf("Daily loss limit (%g%%) exceeded", e.limits.DailyLossLimitPercent))
	}

	if e.drawdownExceededLocked(portfolioValue) {
		return rejected(fmt.Sprintf("Max drawdown (%g%%) exceeded", e.limits.MaxDrawdownPercent))
	}

	return valid()
}

func (e *Engine) dailyLossExceededLocked() bool {
	if e.startingEquityToday == 0 {
		return false
	}
	lossPct := -e.realizedPnLToday / e.startingEquityToday * 100
	return lossPct >= e.limits.DailyLossLimitPercent
}

func (e *Engine) drawdownExceededLocked(currentEquity float64) bool {
	if e.peakEquity == 0 {
		return false
	}
	dd := (e.peakEquity - currentEquity) / e.peakEquity * 100
	return dd >= e.limits.MaxDrawdownPercent
}

// UpdatePosition tracks one position's risk; size zero drops it.
func (e *Engine) UpdatePosition(symbol, side string, size, entryPrice, currentPrice float64, leverage float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if size == 0 {
		delete(e.positions, symbol)
		return
	}

	var pnl float64
	if side == "long" {
		pnl = (currentPrice - entryPrice) * size
	} else {
		pnl = (entryPrice - currentPrice) * size
	}
	e.positions[symbol] = PositionRisk{
		Symbol:               symbol,
		Side:                 side,
		Size:                 size,
		EntryPrice:           entryPrice,
		CurrentPrice:         currentPrice,
		Leverage:             leverage,
		UnrealizedPnL:        pnl,
		UnrealizedPnLPercent: pnl / (entryPrice * size) * 100,
	}
}

// RecordRealizedPnL folds a closed trade's result into the daily tracking.
func (e *Engine) RecordRealizedPnL(pnl float64) {
	e.mu.Lock()
	e.realizedPnLToday += pnl
	e.mu.Unlock()
}

// CalculatePortfolioRisk refreshes peak equity and returns a snapshot.
// Peak equity only ever rises within an engine's lifetime.
func (e *Engine) CalculatePortfolioRisk(totalEquity float64) PortfolioRisk {
	e.mu.Lock()
	defer e.mu.Unlock()

	if totalEquity > e.peakEquity {
		e.peakEquity = totalEquity
	}

	var dd float64
	if e.peakEquity > 0 {
		dd = (e.peakEquity - totalEquity) / e.peakEquity * 100
	}

	var unrealized, exposure float64
	for _, p := range e.positions {
		unrealized += p.UnrealizedPnL
		exposure += p.Size * p.CurrentPrice * p.Leverage
	}

	var dailyPnL float64
	if e.startingEquityToday > 0 {
		dailyPnL = (totalEquity - e.startingEquityToday) / e.startingEquityToday * 100
	}

	return PortfolioRisk{
		TotalEquity:            totalEquity,
		TotalExposure:          exposure,
		TotalUnrealizedPnL:     unrealized,
		RealizedPnLToday:       e.realizedPnLToday,
		CurrentDrawdownPercent: dd,
		MaxDrawdownPercent:     e.limits.MaxDrawdownPercent,
		OpenPositions:          len(e.positions),
		DailyPnLPercent:        dailyPnL,
		Timestamp:              time.Now().UTC(),
	}
}

// CheckKillConditions evaluates the kill switch against the current
// portfolio snapshot and publishes risk.kill_switch on activation.
func (e *Engine) CheckKillConditions(snapshot PortfolioRisk, exchangeHealthy bool) *Event {
	e.mu.Lock()
	maxDD := e.limits.MaxDrawdownPercent
	maxDaily := e.limits.DailyLossLimitPercent
	var dailyLoss float64
	if e.startingEquityToday > 0 {
		dailyLoss = -e.realizedPnLToday / e.startingEquityToday * 100
	}
	e.mu.Unlock()

	ev := e.killSwitch.CheckConditions(snapshot.CurrentDrawdownPercent, maxDD, dailyLoss, maxDaily, exchangeHealthy)
	if ev != nil {
		e.log.Error().Str("trigger", string(ev.Trigger)).Str("reason", ev.Reason).Msg("kill switch activated")
		if e.bus != nil {
			e.bus.Emit(events.TopicRiskKillSwitch, *ev, "")
		}
	}
	return ev
}

// TriggerKillSwitch latches the switch explicitly (manual stop, liquidation,
// system errors) and publishes the event.
func (e *Engine) TriggerKillSwitch(trigger Trigger, reason string, botIDs []string) Event {
	ev := e.killSwitch.Activate(trigger, reason, botIDs)
	e.log.Error().Str("trigger", string(trigger)).Str("reason", reason).Msg("kill switch activated")
	if e.bus != nil {
		e.bus.Emit(events.TopicRiskKillSwitch, ev, "")
	}
	return ev
}

// ObserveTick advances daily tracking. The first observation after UTC
// midnight resets the daily baseline exactly once.
func (e *Engine) ObserveTick(now time.Time, currentEquity float64) {
	day := now.UTC().Truncate(24 * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()
	if day.After(e.lastResetDay) {
		e.lastResetDay = day
		e.startingEquityToday = currentEquity
		e.realizedPnLToday = 0
	}
}

// PeakEquity returns the high-water mark.
func (e *Engine) PeakEquity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peakEquity
}
