package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"xor-core/internal/bot"
	"xor-core/internal/events"
	"xor-core/internal/risk"
	"xor-core/internal/strategy"
	"xor-core/internal/workers"
	"xor-core/pkg/exchanges/common"
)

// BotProvider resolves bot configurations and records their results.
type BotProvider interface {
	Get(id string) (bot.Bot, bool)
	RecordTrade(id string, pnl float64)
}

// AdapterProvider resolves the exchange adapter serving a bot.
type AdapterProvider interface {
	AdapterFor(b bot.Bot) (common.Adapter, error)
}

// StrategyNotifier feeds fills and position updates back to the strategy
// runtime. May be nil when no runtime is attached.
type StrategyNotifier interface {
	NotifyOrderFilled(botID string, f strategy.Fill)
	NotifyPositionUpdate(botID string, p strategy.PositionUpdate)
}

// Pipeline consumes bot.signal events and drives orders through their
// lifecycle. Work is serialized per bot on a shared worker pool so a bot's
// signals are processed atomically and in order.
type Pipeline struct {
	bus       events.Bus
	pool      *workers.Pool
	bots      BotProvider
	risk      *risk.MultiUserEngine
	adapters  AdapterProvider
	notifier  StrategyNotifier
	store     Store
	positions *PositionBook
	log       zerolog.Logger

	mu           sync.Mutex
	orders       map[string]*Order // by client_order_id
	byExchangeID map[string]string // exchange_order_id -> client_order_id
	counters     map[string]uint64 // bot_id -> last order counter

	unsub func()
}

// NewPipeline wires the pipeline. store and notifier may be nil.
func NewPipeline(bus events.Bus, pool *workers.Pool, bots BotProvider, riskEngines *risk.MultiUserEngine,
	adapters AdapterProvider, positions *PositionBook, store Store, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		bus:          bus,
		pool:         pool,
		bots:         bots,
		risk:         riskEngines,
		adapters:     adapters,
		store:        store,
		positions:    positions,
		log:          log.With().Str("component", "order-pipeline").Logger(),
		orders:       make(map[string]*Order),
		byExchangeID: make(map[string]string),
		counters:     make(map[string]uint64),
	}
}

// SetNotifier attaches the strategy runtime. Called once during wiring,
// before Start; avoids a construction cycle between runtime and pipeline.
func (p *Pipeline) SetNotifier(n StrategyNotifier) { p.notifier = n }

// Start subscribes to bot signals.
func (p *Pipeline) Start(ctx context.Context) {
	p.unsub = p.bus.Subscribe(events.TopicBotSignal, func(env events.Envelope) {
		ev, ok := events.DecodeData[strategy.SignalEvent](env)
		if !ok {
			return
		}
		if !p.pool.Submit(ev.BotID, func() { p.process(ctx, ev, env.CorrelationID) }) {
			p.log.Warn().Str("bot_id", ev.BotID).Msg("signal dropped, worker queue full")
		}
	})
}

// Stop unsubscribes from the bus.
func (p *Pipeline) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
}

// nextClientOrderID returns the bot's next deterministic client order id.
func (p *Pipeline) nextClientOrderID(botID string) string {
	p.mu.Lock()
	p.counters[botID]++
	n := p.counters[botID]
	p.mu.Unlock()
	return fmt.Sprintf("%s:%d", botID, n)
}

// parseClientOrderID splits a client order id back into bot id and counter.
func parseClientOrderID(id string) (botID string, counter uint64, ok bool) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], n, true
}

func (p *Pipeline) process(ctx context.Context, ev strategy.SignalEvent, correlationID string) {
	sig := ev.Signal
	b, ok := p.bots.Get(ev.BotID)
	if !ok || b.Deleted {
		p.log.Warn().Str("bot_id", ev.BotID).Msg("signal for unknown bot")
		return
	}
	// Signals still queued when the bot leaves the active states are
	// dropped; orders already placed drain through the user data stream.
	if b.Status != bot.StatusRunning && b.Status != bot.StatusStarting {
		p.log.Debug().Str("bot_id", b.ID).Str("status", string(b.Status)).Msg("signal dropped, bot not active")
		return
	}

	adapter, err := p.adapters.AdapterFor(b)
	if err != nil {
		p.log.Error().Err(err).Str("bot_id", b.ID).Msg("no adapter for bot")
		return
	}

	portfolio, err := p.portfolioValue(ctx, adapter)
	if err != nil {
		p.log.Error().Err(err).Str("bot_id", b.ID).Msg("balance fetch failed")
		return
	}

	qty := sig.Quantity
	if qty <= 0 {
		qty = p.sizeOrder(b, sig.Price, portfolio)
	}
	if qty <= 0 {
		p.log.Warn().Str("bot_id", b.ID).Msg("signal resolves to zero quantity")
		return
	}

	side, reduceOnly := signalSide(sig.Type)

	verdict := p.risk.GetOrCreate(b.UserID).ValidateOrder(sig.Symbol, string(side), qty, sig.Price, b.Leverage, portfolio)
	if !verdict.Valid {
		p.log.Warn().Str("bot_id", b.ID).Str("reason", verdict.Reason).Msg("order rejected by risk engine")
		p.bus.Emit(events.TopicOrderRejected, Order{
			BotID:    b.ID,
			UserID:   b.UserID,
			Symbol:   sig.Symbol,
			Side:     side,
			Quantity: qty,
			Status:   StatusRejected,
			Reason:   verdict.Reason,
		}, correlationID)
		p.audit(ctx, b.UserID, "risk_rejection", verdict.Reason)
		return
	}

	o := &Order{
		ID:            uuid.NewString(),
		UserID:        b.UserID,
		BotID:         b.ID,
		Exchange:      b.Exchange,
		ClientOrderID: p.nextClientOrderID(b.ID),
		Symbol:        sig.Symbol,
		Type:          orderType(b, sig),
		Side:          side,
		Status:        StatusPending,
		Quantity:      qty,
		Price:         sig.Price,
		StopPrice:     sig.StopLoss,
		TimeInForce:   common.TIFGTC,
		ReduceOnly:    reduceOnly,
		Reason:        sig.Reason,
		CreatedAt:     time.Now().UTC(),
	}
	if o.Type == common.OrderTypeMarket {
		o.Price = 0
	}

	p.mu.Lock()
	p.orders[o.ClientOrderID] = o
	p.mu.Unlock()

	p.saveOrder(ctx, *o)
	p.bus.Emit(events.TopicOrderCreated, *o, correlationID)

	req := common.OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Quantity,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		TimeInForce:   o.TimeInForce,
		ReduceOnly:    o.ReduceOnly,
		ClientOrderID: o.ClientOrderID,
	}

	start := time.Now()
	res, err := adapter.PlaceOrder(ctx, req)
	latency := time.Since(start).Milliseconds()

	p.mu.Lock()
	o.LatencyMS = latency
	if err != nil {
		o.Status = StatusRejected
		o.Reason = err.Error()
		snapshot := *o
		p.mu.Unlock()

		p.log.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("order placement failed")
		p.updateOrder(ctx, snapshot)
		p.bus.Emit(events.TopicOrderRejected, snapshot, correlationID)
		p.audit(ctx, b.UserID, "order_rejected", err.Error())
		return
	}

	now := time.Now().UTC()
	o.Status = StatusSubmitted
	o.ExchangeOrderID = res.ExchangeOrderID
	o.SubmittedAt = &now
	p.byExchangeID[res.ExchangeOrderID] = o.ClientOrderID
	snapshot := *o
	p.mu.Unlock()

	p.log.Info().Str("client_order_id", o.ClientOrderID).Str("exchange_order_id", res.ExchangeOrderID).
		Int64("latency_ms", latency).Msg("order submitted")
	p.updateOrder(ctx, snapshot)
	p.bus.Emit(events.TopicOrderSubmitted, snapshot, correlationID)
	p.audit(ctx, b.UserID, "order_submitted", o.ClientOrderID)

	// Venues fill market orders synchronously in the placement response;
	// fold that in rather than waiting for the stream echo.
	if res.Status == common.StatusFilled && res.FilledQuantity > 0 {
		p.HandleUserData(ctx, common.UserDataEvent{
			ExchangeOrderID: res.ExchangeOrderID,
			ClientOrderID:   o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Status:          common.StatusFilled,
			Quantity:        res.Quantity,
			FilledQuantity:  res.FilledQuantity,
			LastFillQty:     res.FilledQuantity,
			LastFillPrice:   res.AveragePrice,
			Fee:             res.Fee,
			FeeAsset:        res.FeeAsset,
			Time:            res.Time,
		})
	}
}

// sizeOrder derives quantity from the bot's sizing configuration.
func (p *Pipeline) sizeOrder(b bot.Bot, price, portfolio float64) float64 {
	if price <= 0 {
		return 0
	}
	switch b.PositionSizeType {
	case bot.SizePercent:
		return portfolio * b.PositionSize / 100 / price
	default:
		return b.PositionSize / price
	}
}

// portfolioValue sums the stable-asset balances the account trades against.
func (p *Pipeline) portfolioValue(ctx context.Context, adapter common.Adapter) (float64, error) {
	balances, err := adapter.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, bal := range balances {
		switch bal.Asset {
		case "USDT", "USDC", "FDUSD", "DAI":
			total += bal.Total
		}
	}
	return total, nil
}

func signalSide(t strategy.SignalType) (common.Side, bool) {
	switch t {
	case strategy.SignalSell, strategy.SignalCloseLong:
		return common.SideSell, t == strategy.SignalCloseLong
	case strategy.SignalCloseShort:
		return common.SideBuy, true
	default:
		return common.SideBuy, false
	}
}

// orderType picks market vs limit: closes always cross the spread, entries
// follow the bot's use_market_orders preference when the signal has a price.
func orderType(b bot.Bot, sig strategy.Signal) common.OrderType {
	switch sig.Type {
	case strategy.SignalCloseLong, strategy.SignalCloseShort:
		return common.OrderTypeMarket
	}
	if sig.Price <= 0 || b.Params.Bool("use_market_orders", false) {
		return common.OrderTypeMarket
	}
	return common.OrderTypeLimit
}

// HandleUserData applies one user-data stream event to the order book.
// Safe to call from any goroutine.
func (p *Pipeline) HandleUserData(ctx context.Context, ev common.UserDataEvent) {
	p.mu.Lock()
	clientID := ev.ClientOrderID
	if clientID == "" {
		clientID = p.byExchangeID[ev.ExchangeOrderID]
	}
	o, ok := p.orders[clientID]
	if !ok {
		p.mu.Unlock()
		p.log.Debug().Str("client_order_id", ev.ClientOrderID).
			Str("exchange_order_id", ev.ExchangeOrderID).Msg("stream event for untracked order")
		return
	}

	now := time.Now().UTC()
	var topic string
	var trade *Trade

	switch ev.Status {
	case common.StatusNew:
		if CanTransition(o.Status, StatusOpen) {
			o.Status = StatusOpen
		}

	case common.StatusPartial, common.StatusFilled:
		if ev.LastFillQty > 0 {
			trade = &Trade{
				ID:         tradeID(ev),
				OrderID:    o.ID,
				BotID:      o.BotID,
				Symbol:     o.Symbol,
				Side:       o.Side,
				Quantity:   ev.LastFillQty,
				Price:      ev.LastFillPrice,
				Fee:        ev.Fee,
				FeeAsset:   ev.FeeAsset,
				IsMaker:    ev.IsMaker,
				ExecutedAt: ev.Time,
			}
		}
		o.FilledQuantity = ev.FilledQuantity
		if o.FilledQuantity > o.Quantity {
			o.FilledQuantity = o.Quantity
		}
		o.AveragePrice = weightedAverage(o.AveragePrice, o.FilledQuantity-ev.LastFillQty, ev.LastFillPrice, ev.LastFillQty)
		o.Fee += ev.Fee
		o.FeeAsset = ev.FeeAsset
		if ev.Status == common.StatusFilled {
			if CanTransition(o.Status, StatusFilled) {
				o.Status = StatusFilled
				o.FilledAt = &now
			}
			topic = events.TopicOrderFilled
		} else {
			if CanTransition(o.Status, StatusPartial) {
				o.Status = StatusPartial
			}
			topic = events.TopicOrderPartial
		}

	case common.StatusCanceled:
		if CanTransition(o.Status, StatusCancelled) {
			o.Status = StatusCancelled
			o.CancelledAt = &now
			topic = events.TopicOrderCancelled
		}

	case common.StatusRejected:
		if CanTransition(o.Status, StatusRejected) {
			o.Status = StatusRejected
			o.Reason = "rejected by exchange"
			topic = events.TopicOrderRejected
		}

	case common.StatusExpired:
		if CanTransition(o.Status, StatusExpired) {
			o.Status = StatusExpired
			topic = events.TopicOrderCancelled
		}
	}

	snapshot := *o
	p.mu.Unlock()

	p.updateOrder(ctx, snapshot)

	if trade != nil {
		p.applyFill(ctx, snapshot, trade)
	}
	if topic != "" {
		p.bus.Emit(topic, snapshot, "")
	}
}

// applyFill folds one trade into positions, risk tracking, and the strategy.
func (p *Pipeline) applyFill(ctx context.Context, o Order, t *Trade) {
	b, ok := p.bots.Get(o.BotID)
	leverage := 1
	if ok {
		leverage = b.Leverage
	}

	pos, realized := p.positions.ApplyFill(o.BotID, o.Symbol, t.Side, t.Quantity, t.Price, t.Fee, leverage)
	t.PositionID = pos.ID
	t.RealizedPnL = realized

	p.saveTrade(ctx, *t)
	p.upsertPosition(ctx, pos)

	engine := p.risk.GetOrCreate(o.UserID)
	size := pos.Quantity
	if pos.Status != PositionOpen {
		size = 0
	}
	engine.UpdatePosition(o.Symbol, pos.Side, size, pos.AverageEntryPrice, t.Price, float64(leverage))
	if realized != 0 {
		engine.RecordRealizedPnL(realized)
		p.bots.RecordTrade(o.BotID, realized)
	}

	if p.notifier != nil {
		p.notifier.NotifyOrderFilled(o.BotID, strategy.Fill{
			Symbol: t.Symbol,
			Side:   t.Side,
			Qty:    t.Quantity,
			Price:  t.Price,
			Fee:    t.Fee,
		})
		p.notifier.NotifyPositionUpdate(o.BotID, strategy.PositionUpdate{
			Size:          size,
			EntryPrice:    pos.AverageEntryPrice,
			UnrealizedPnL: pos.UnrealizedPnL,
		})
	}
}

// CancelOrder cancels an open or partially filled order. Cancelling a
// terminal order fails with ErrInvalidOrder.
func (p *Pipeline) CancelOrder(ctx context.Context, clientOrderID string) error {
	p.mu.Lock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: unknown order %s", ErrInvalidOrder, clientOrderID)
	}
	if o.Status.Terminal() || o.Status == StatusPending {
		status := o.Status
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s order", ErrInvalidOrder, status)
	}
	snapshot := *o
	p.mu.Unlock()

	b, ok := p.bots.Get(snapshot.BotID)
	if !ok {
		return fmt.Errorf("bot %s not found", snapshot.BotID)
	}
	adapter, err := p.adapters.AdapterFor(b)
	if err != nil {
		return err
	}
	if err := adapter.CancelOrder(ctx, snapshot.Symbol, snapshot.ExchangeOrderID); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.mu.Lock()
	if CanTransition(o.Status, StatusCancelled) {
		o.Status = StatusCancelled
		o.CancelledAt = &now
	}
	snapshot = *o
	p.mu.Unlock()

	p.updateOrder(ctx, snapshot)
	p.bus.Emit(events.TopicOrderCancelled, snapshot, "")
	return nil
}

// GetOrder returns a copy of a tracked order.
func (p *Pipeline) GetOrder(clientOrderID string) (Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[clientOrderID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Orders returns copies of all tracked orders.
func (p *Pipeline) Orders() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	return out
}

// Positions exposes the position book.
func (p *Pipeline) Positions() *PositionBook { return p.positions }

func weightedAverage(avg, prevQty, price, qty float64) float64 {
	total := prevQty + qty
	if total <= 0 {
		return avg
	}
	if qty <= 0 {
		return avg
	}
	return (avg*prevQty + price*qty) / total
}

func tradeID(ev common.UserDataEvent) string {
	if ev.TradeID != "" {
		return ev.TradeID
	}
	return uuid.NewString()
}

func (p *Pipeline) saveOrder(ctx context.Context, o Order) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveOrder(ctx, o); err != nil {
		p.log.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("order persist failed")
	}
}

func (p *Pipeline) updateOrder(ctx context.Context, o Order) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateOrder(ctx, o); err != nil {
		p.log.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("order update failed")
	}
}

func (p *Pipeline) saveTrade(ctx context.Context, t Trade) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveTrade(ctx, t); err != nil {
		p.log.Error().Err(err).Str("trade_id", t.ID).Msg("trade persist failed")
	}
}

func (p *Pipeline) upsertPosition(ctx context.Context, pos Position) {
	if p.store == nil {
		return
	}
	if err := p.store.UpsertPosition(ctx, pos); err != nil {
		p.log.Error().Err(err).Str("position_id", pos.ID).Msg("position persist failed")
	}
}

func (p *Pipeline) audit(ctx context.Context, userID, action, detail string) {
	if p.store == nil {
		return
	}
	if err := p.store.Audit(ctx, userID, action, detail); err != nil {
		p.log.Error().Err(err).Str("action", action).Msg("audit write failed")
	}
}
