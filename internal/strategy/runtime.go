package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"xor-core/internal/events"
	"xor-core/internal/workers"
	"xor-core/pkg/exchanges/common"
)

// SignalEvent is the bot.signal payload.
type SignalEvent struct {
	BotID  string `json:"bot_id"`
	Signal Signal `json:"signal"`
}

// BotError is the bot.error payload published when a strategy panics.
type BotError struct {
	BotID  string `json:"bot_id"`
	Reason string `json:"reason"`
}

// Runtime owns the live strategy instances. Market events are routed by
// symbol and dispatched on the worker owning the bot, so each instance's
// state is only ever touched serially.
type Runtime struct {
	bus  events.Bus
	pool *workers.Pool
	env  Env
	log  zerolog.Logger

	mu        sync.RWMutex
	instances map[string]Strategy          // bot_id -> instance
	bySymbol  map[string]map[string]bool   // symbol -> set of bot_ids
	unsubs    []func()
}

func NewRuntime(bus events.Bus, pool *workers.Pool, env Env, log zerolog.Logger) *Runtime {
	return &Runtime{
		bus:       bus,
		pool:      pool,
		env:       env,
		log:       log.With().Str("component", "strategy-runtime").Logger(),
		instances: make(map[string]Strategy),
		bySymbol:  make(map[string]map[string]bool),
	}
}

// Start subscribes the runtime to the market feed.
func (r *Runtime) Start() {
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(events.TopicMarketTick, r.handleTick),
		r.bus.Subscribe(events.TopicMarketOrderbook, r.handleOrderbook),
		r.bus.Subscribe(events.TopicMarketKline, r.handleKline),
		r.bus.Subscribe(events.TopicMarketReset, r.handleReset),
	)
}

// Stop detaches from the bus. Registered instances stay until unregistered.
func (r *Runtime) Stop() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

// Register validates, initializes and indexes a strategy instance for a bot.
func (r *Runtime) Register(ctx context.Context, botID string, s Strategy) error {
	if err := s.ValidateParams(); err != nil {
		return fmt.Errorf("invalid params for bot %s: %w", botID, err)
	}
	if err := s.Initialize(ctx, r.env); err != nil {
		return fmt.Errorf("initialize strategy for bot %s: %w", botID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[botID]; exists {
		return fmt.Errorf("bot %s already registered", botID)
	}
	r.instances[botID] = s
	sym := s.Symbol()
	if r.bySymbol[sym] == nil {
		r.bySymbol[sym] = make(map[string]bool)
	}
	r.bySymbol[sym][botID] = true

	r.log.Info().Str("bot_id", botID).Str("strategy", s.Name()).Str("symbol", sym).Msg("strategy registered")
	return nil
}

// Unregister runs cleanup and drops the instance.
func (r *Runtime) Unregister(botID string) {
	r.mu.Lock()
	s, ok := r.instances[botID]
	if ok {
		delete(r.instances, botID)
		if set := r.bySymbol[s.Symbol()]; set != nil {
			delete(set, botID)
			if len(set) == 0 {
				delete(r.bySymbol, s.Symbol())
			}
		}
	}
	r.mu.Unlock()

	if ok {
		s.Cleanup()
		r.log.Info().Str("bot_id", botID).Msg("strategy unregistered")
	}
}

// Registered reports whether a bot has a live instance.
func (r *Runtime) Registered(botID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[botID]
	return ok
}

// NotifyOrderFilled syncs a fill into the bot's instance, on its worker.
func (r *Runtime) NotifyOrderFilled(botID string, f Fill) {
	r.dispatchTo(botID, "", func(s Strategy) []Signal {
		s.OnOrderFilled(f)
		return nil
	})
}

// NotifyPositionUpdate syncs the live position view into the bot's instance.
func (r *Runtime) NotifyPositionUpdate(botID string, p PositionUpdate) {
	r.dispatchTo(botID, "", func(s Strategy) []Signal {
		s.OnPositionUpdate(p)
		return nil
	})
}

func (r *Runtime) handleTick(env events.Envelope) {
	tick, ok := events.DecodeData[common.Ticker](env)
	if !ok {
		return
	}
	r.dispatchSymbol(tick.Symbol, env.CorrelationID, func(s Strategy) []Signal {
		return s.OnTick(tick)
	})
}

func (r *Runtime) handleOrderbook(env events.Envelope) {
	ob, ok := events.DecodeData[common.Orderbook](env)
	if !ok {
		return
	}
	r.dispatchSymbol(ob.Symbol, env.CorrelationID, func(s Strategy) []Signal {
		return s.OnOrderbook(ob)
	})
}

func (r *Runtime) handleKline(env events.Envelope) {
	k, ok := events.DecodeData[common.Kline](env)
	if !ok {
		return
	}
	r.dispatchSymbol(k.Symbol, env.CorrelationID, func(s Strategy) []Signal {
		return s.OnCandle(k)
	})
}

// handleReset reinitializes every instance on the symbol after a stream gap.
func (r *Runtime) handleReset(env events.Envelope) {
	reset, ok := events.DecodeData[events.MarketReset](env)
	if !ok {
		return
	}
	r.dispatchSymbol(reset.Symbol, env.CorrelationID, func(s Strategy) []Signal {
		if err := s.Initialize(context.Background(), r.env); err != nil {
			r.log.Warn().Err(err).Str("symbol", reset.Symbol).Msg("reinitialize after stream gap failed")
		}
		return nil
	})
}

func (r *Runtime) dispatchSymbol(symbol, correlationID string, fn func(Strategy) []Signal) {
	r.mu.RLock()
	botIDs := make([]string, 0, len(r.bySymbol[symbol]))
	for id := range r.bySymbol[symbol] {
		botIDs = append(botIDs, id)
	}
	r.mu.RUnlock()

	for _, id := range botIDs {
		r.dispatchTo(id, correlationID, fn)
	}
}

// dispatchTo runs fn against the bot's instance on the bot's worker. A panic
// inside strategy code stops only the offending bot: it is logged, bot.error
// is published, and the instance is dropped.
func (r *Runtime) dispatchTo(botID, correlationID string, fn func(Strategy) []Signal) {
	r.pool.Submit(botID, func() {
		r.mu.RLock()
		s, ok := r.instances[botID]
		r.mu.RUnlock()
		if !ok {
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Str("bot_id", botID).Any("panic", rec).Msg("strategy panicked, stopping bot")
				r.bus.Emit(events.TopicBotError, BotError{
					BotID:  botID,
					Reason: fmt.Sprintf("strategy panic: %v", rec),
				}, correlationID)
				r.Unregister(botID)
			}
		}()

		for _, sig := range fn(s) {
			if sig.Type == SignalHold {
				continue
			}
			r.bus.Emit(events.TopicBotSignal, SignalEvent{BotID: botID, Signal: sig}, correlationID)
		}
	})
}
