package engine

import (
	"context"
	"fmt"
	"time"

	"xor-core/internal/bot"
	"xor-core/internal/risk"
	"xor-core/internal/strategy"
	"xor-core/pkg/exchanges/common"
)

// CreateBot validates and registers a new bot. The owner's risk engine is
// created on first use with the platform defaults from configuration.
func (e *Engine) CreateBot(ctx context.Context, b *bot.Bot) error {
	strat, err := strategy.New(b.StrategyID, b.Symbol, b.Params)
	if err != nil {
		return fmt.Errorf("strategy config: %w", err)
	}
	if err := strat.ValidateParams(); err != nil {
		return fmt.Errorf("strategy config: %w", err)
	}
	e.seedRiskLimits(b.UserID)
	if err := e.Bots.Create(b); err != nil {
		return err
	}
	if err := e.store.SaveBot(ctx, *b); err != nil {
		e.log.Error().Err(err).Str("bot_id", b.ID).Msg("persist bot failed")
	}
	return nil
}

func (e *Engine) seedRiskLimits(userID string) {
	created := e.Risk.Get(userID) == nil
	eng := e.Risk.GetOrCreate(userID)
	if !created {
		return
	}
	r := e.cfg.Risk
	if r.MaxDrawdownPercent <= 0 {
		return
	}
	eng.UpdateLimits(risk.Limits{
		MaxDrawdownPercent:     r.MaxDrawdownPercent,
		MaxPositionSizePercent: r.MaxPositionSizePercent,
		DailyLossLimitPercent:  r.DailyLossLimitPercent,
		MaxLeverage:            r.MaxLeverage,
		MaxOpenPositions:       r.MaxOpenPositions,
		MaxExposurePerAssetPct: risk.DefaultLimits().MaxExposurePerAssetPct,
	})
}

// StartBot moves a bot to running: resolves its adapter, applies leverage,
// registers the strategy instance, and wires the user data stream.
func (e *Engine) StartBot(ctx context.Context, botID string) error {
	b, ok := e.Bots.Get(botID)
	if !ok {
		return fmt.Errorf("bot %s not found", botID)
	}
	if eng := e.Risk.Get(b.UserID); eng != nil && eng.KillSwitch().Active() {
		return fmt.Errorf("kill switch active for user %s", b.UserID)
	}
	if err := e.Bots.SetStatus(botID, bot.StatusStarting); err != nil {
		return err
	}

	fail := func(err error) error {
		if serr := e.Bots.SetStatus(botID, bot.StatusError); serr != nil {
			e.log.Error().Err(serr).Str("bot_id", botID).Msg("status transition failed")
		}
		return err
	}

	strat, err := strategy.New(b.StrategyID, b.Symbol, b.Params)
	if err != nil {
		return fail(fmt.Errorf("build strategy: %w", err))
	}

	adapter, err := e.Gateways.AdapterFor(b)
	if err != nil {
		return fail(fmt.Errorf("resolve adapter: %w", err))
	}

	if err := e.ensureFeed(ctx, b.Exchange, b.Symbol); err != nil {
		return fail(err)
	}

	if b.MarketType == common.MarketFutures && b.Leverage > 1 {
		if err := adapter.SetLeverage(ctx, b.Symbol, b.Leverage); err != nil {
			return fail(fmt.Errorf("set leverage: %w", err))
		}
	}

	e.warmUp(ctx, b, strat, adapter)

	if err := e.ensureUserStream(ctx, b, adapter); err != nil {
		return fail(err)
	}
	e.Balances.Track(b.UserID, adapter)
	if err := e.Balances.Refresh(ctx, b.UserID, adapter); err != nil {
		e.log.Warn().Err(err).Str("user_id", b.UserID).Msg("initial balance fetch failed")
	}

	if err := e.runtime.Register(ctx, botID, strat); err != nil {
		return fail(fmt.Errorf("register strategy: %w", err))
	}

	if err := e.Bots.SetStatus(botID, bot.StatusRunning); err != nil {
		e.runtime.Unregister(botID)
		return fail(err)
	}
	e.persistBot(ctx, botID)
	return nil
}

// warmUp seeds a fresh strategy instance with recent closed candles so
// indicator windows are populated before live events arrive. Signals
// produced from history are discarded.
func (e *Engine) warmUp(ctx context.Context, b bot.Bot, strat strategy.Strategy, adapter common.Adapter) {
	klines, err := adapter.GetKlines(ctx, b.Symbol, klineInterval, warmupCandles)
	if err != nil {
		e.log.Warn().Err(err).Str("bot_id", b.ID).Msg("candle warm-up failed")
		return
	}
	if n := len(klines); n > 0 && klines[n-1].CloseTime.After(time.Now()) {
		klines = klines[:n-1] // last candle is still forming
	}
	for _, k := range klines {
		strat.OnCandle(k)
	}
}

// ensureUserStream subscribes order updates once per adapter and routes
// them into the pipeline; every bot sharing the credential reuses it.
func (e *Engine) ensureUserStream(ctx context.Context, b bot.Bot, adapter common.Adapter) error {
	e.mu.Lock()
	_, ok := e.userStreams[adapter]
	e.mu.Unlock()
	if ok {
		return nil
	}

	unsub, err := adapter.SubscribeUserData(ctx, func(ev common.UserDataEvent) {
		e.Pipeline.HandleUserData(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe user data: %w", err)
	}

	e.mu.Lock()
	if _, dup := e.userStreams[adapter]; dup {
		e.mu.Unlock()
		unsub()
		return nil
	}
	e.userStreams[adapter] = unsub
	e.reconSet[adapter] = b.Exchange
	e.mu.Unlock()
	return nil
}

// StopBot drains a bot: no new signals, a grace period for in-flight
// orders, then stopped.
func (e *Engine) StopBot(ctx context.Context, botID string) error {
	if err := e.Bots.SetStatus(botID, bot.StatusStopping); err != nil {
		return err
	}
	e.runtime.Unregister(botID)

	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.DrainGrace):
	}

	if err := e.Bots.SetStatus(botID, bot.StatusStopped); err != nil {
		return err
	}
	e.persistBot(ctx, botID)
	return nil
}

// PauseBot suspends signal generation without tearing anything down.
func (e *Engine) PauseBot(botID string) error {
	if err := e.Bots.SetStatus(botID, bot.StatusPaused); err != nil {
		return err
	}
	e.runtime.Unregister(botID)
	return nil
}

// ResumeBot re-registers the strategy and returns the bot to running.
func (e *Engine) ResumeBot(ctx context.Context, botID string) error {
	b, ok := e.Bots.Get(botID)
	if !ok {
		return fmt.Errorf("bot %s not found", botID)
	}
	strat, err := strategy.New(b.StrategyID, b.Symbol, b.Params)
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}
	if adapter, aerr := e.Gateways.AdapterFor(b); aerr == nil {
		e.warmUp(ctx, b, strat, adapter)
	}
	if err := e.runtime.Register(ctx, botID, strat); err != nil {
		return err
	}
	if err := e.Bots.SetStatus(botID, bot.StatusRunning); err != nil {
		e.runtime.Unregister(botID)
		return err
	}
	return nil
}

// UpdateBot applies a config change to an inactive bot and persists it.
func (e *Engine) UpdateBot(ctx context.Context, botID string, apply func(*bot.Bot)) error {
	if err := e.Bots.UpdateConfig(botID, apply); err != nil {
		return err
	}
	e.persistBot(ctx, botID)
	return nil
}

// DeleteBot soft-deletes a stopped bot.
func (e *Engine) DeleteBot(ctx context.Context, botID string) error {
	if err := e.Bots.Delete(botID); err != nil {
		return err
	}
	e.persistBot(ctx, botID)
	return nil
}

// CancelOrder cancels a live order through the pipeline.
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID string) error {
	return e.Pipeline.CancelOrder(ctx, clientOrderID)
}

// TriggerKillSwitch manually latches a user's kill switch and kills their
// bots.
func (e *Engine) TriggerKillSwitch(userID, reason string) {
	botIDs := e.runningBots(userID)
	eng := e.Risk.GetOrCreate(userID)
	eng.TriggerKillSwitch(risk.TriggerManual, reason, botIDs)
	e.killUserBots(userID, reason)
}

// ReleaseKillSwitch unlatches with the confirmation code. Bots stay down
// and must be restarted individually.
func (e *Engine) ReleaseKillSwitch(userID, confirmationCode string) error {
	eng := e.Risk.Get(userID)
	if eng == nil {
		return fmt.Errorf("no risk state for user %s", userID)
	}
	return eng.KillSwitch().Deactivate(confirmationCode)
}

func (e *Engine) runningBots(userID string) []string {
	var out []string
	for _, b := range e.Bots.ListByUser(userID) {
		if b.Status == bot.StatusRunning || b.Status == bot.StatusPaused {
			out = append(out, b.ID)
		}
	}
	return out
}

func (e *Engine) killUserBots(userID, reason string) {
	e.killBots(e.runningBots(userID), reason)
}

func (e *Engine) killBots(botIDs []string, reason string) {
	for _, id := range botIDs {
		e.runtime.Unregister(id)
		if err := e.Bots.SetStatus(id, bot.StatusKilled); err != nil {
			e.log.Error().Err(err).Str("bot_id", id).Msg("kill transition failed")
			continue
		}
		e.log.Warn().Str("bot_id", id).Str("reason", reason).Msg("bot killed")
		e.persistBot(context.Background(), id)
	}
}

func (e *Engine) persistBot(ctx context.Context, botID string) {
	b, ok := e.Bots.Get(botID)
	if !ok {
		return
	}
	if err := e.store.SaveBot(ctx, b); err != nil {
		e.log.Error().Err(err).Str("bot_id", botID).Msg("persist bot failed")
	}
}
