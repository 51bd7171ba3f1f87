// Package engine wires the trading core together: event bus, exchange
// gateways, market feeds, strategy runtime, risk engines, and the order
// pipeline, plus the bot lifecycle operations the API exposes.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xor-core/internal/balance"
	"xor-core/internal/bot"
	"xor-core/internal/events"
	"xor-core/internal/gateway"
	"xor-core/internal/market"
	"xor-core/internal/order"
	"xor-core/internal/persistence"
	"xor-core/internal/risk"
	"xor-core/internal/strategy"
	"xor-core/internal/workers"
	"xor-core/pkg/config"
	"xor-core/pkg/crypto"
	"xor-core/pkg/db"
	"xor-core/pkg/exchanges/common"
)

const (
	balanceInterval = 30 * time.Second
	riskSweepEvery  = 30 * time.Second
	klineInterval   = "1m"
	warmupCandles   = 100
)

// Engine owns every long-lived component and their startup order.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	Bus      events.Bus
	Bots     *bot.Registry
	Risk     *risk.MultiUserEngine
	Pipeline *order.Pipeline
	Gateways *gateway.Manager
	Balances *balance.Tracker

	pool       *workers.Pool
	database   *db.Database
	store      *persistence.SQLStore
	positions  *order.PositionBook
	runtime    *strategy.Runtime
	reconciler *order.Reconciler
	factory    gateway.Factory

	mu          sync.Mutex
	feeds       map[string]*market.Feed     // exchange -> public feed
	marketData  map[string]common.Adapter   // exchange -> public adapter
	userStreams map[common.Adapter]common.Unsubscribe
	reconSet    map[common.Adapter]string // authenticated adapter -> exchange

	unsubs []func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option overrides a default during construction. Used by tests to swap
// the bus or the adapter factory.
type Option func(*Engine)

// WithBus replaces the event bus built from config.
func WithBus(bus events.Bus) Option {
	return func(e *Engine) { e.Bus = bus }
}

// WithGatewayFactory replaces the real venue clients.
func WithGatewayFactory(f gateway.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// New builds the engine but starts nothing. Call Start to bring it up.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		log:         log.With().Str("component", "engine").Logger(),
		feeds:       make(map[string]*market.Feed),
		marketData:  make(map[string]common.Adapter),
		userStreams: make(map[common.Adapter]common.Unsubscribe),
		reconSet:    make(map[common.Adapter]string),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.Bus == nil {
		if cfg.NATSUrl != "" {
			bus, err := events.NewNATSBus(cfg.NATSUrl, "engine", log)
			if err != nil {
				return nil, fmt.Errorf("connect NATS: %w", err)
			}
			e.Bus = bus
		} else {
			e.Bus = events.NewBus("engine", log)
		}
	}

	e.pool = workers.New(cfg.WorkerCount, log)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	e.database = database
	e.store = persistence.NewSQLStore(database, log)

	var decryptor gateway.Decryptor
	if cfg.EncryptionKey != "" {
		km, err := crypto.NewKeyManagerFromKey(cfg.EncryptionKey)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("init key manager: %w", err)
		}
		decryptor = km
	}
	if e.factory == nil {
		e.factory = gateway.DefaultFactory
	}
	e.Gateways = gateway.NewManager(gateway.DefaultConfig(), cfg, database.Queries(), decryptor, e.factory, log)

	e.Risk = risk.NewMultiUserEngine(e.Bus, log)
	e.Bots = bot.NewRegistry(e.Bus, log)
	e.Balances = balance.NewTracker(balanceInterval, log)
	e.positions = order.NewPositionBook(e.Bus, log)
	e.Pipeline = order.NewPipeline(e.Bus, e.pool, e.Bots, e.Risk, e.Gateways, e.positions, e.store, log)

	env := strategy.Env{TickSize: e.tickSize}
	e.runtime = strategy.NewRuntime(e.Bus, e.pool, env, log)
	e.Pipeline.SetNotifier(e.runtime)

	e.reconciler = order.NewReconciler(e.Pipeline, cfg.ReconcileInterval)
	return e, nil
}

// Start brings up the runtime, pipeline, and background loops. Components
// come up in dependency order so no event is published before its consumer
// subscribes.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.runtime.Start()
	e.Pipeline.Start(ctx)

	e.unsubs = append(e.unsubs, e.Bus.Subscribe(events.TopicRiskKillSwitch, func(env events.Envelope) {
		ev, ok := events.DecodeData[risk.Event](env)
		if !ok {
			return
		}
		e.killBots(ev.AffectedBots, string(ev.Trigger))
	}))

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.Balances.Run(ctx) }()
	go func() { defer e.wg.Done(); e.Gateways.Run(ctx) }()
	go func() { defer e.wg.Done(); e.riskSweep(ctx) }()

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.reconcileLoop(ctx) }()

	e.log.Info().Str("profile", e.cfg.Profile).Msg("engine started")
	return nil
}

// Close tears everything down in reverse order of startup.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.Pipeline.Stop()
	e.runtime.Stop()

	e.mu.Lock()
	feeds := e.feeds
	e.feeds = make(map[string]*market.Feed)
	streams := e.userStreams
	e.userStreams = make(map[common.Adapter]common.Unsubscribe)
	e.mu.Unlock()
	for _, f := range feeds {
		f.Stop()
	}
	for _, unsub := range streams {
		unsub()
	}

	e.wg.Wait()
	e.Gateways.Close()
	e.pool.Close()
	if e.store != nil {
		e.store.Close()
	}
	if e.database != nil {
		e.database.Close()
	}
	e.Bus.Close()
	e.log.Info().Msg("engine stopped")
}

// tickSize asks any connected public adapter; the increment is a property
// of the symbol, not the credential.
func (e *Engine) tickSize(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	adapters := make([]common.Adapter, 0, len(e.marketData))
	for _, a := range e.marketData {
		adapters = append(adapters, a)
	}
	e.mu.Unlock()

	var lastErr error
	for _, a := range adapters {
		ts, err := a.TickSize(ctx, symbol)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no market data adapter available")
	}
	return 0, lastErr
}

// ensureFeed lazily brings up the public market stream for an exchange the
// first time a bot on it starts.
func (e *Engine) ensureFeed(ctx context.Context, exchange, symbol string) error {
	e.mu.Lock()
	if _, ok := e.feeds[exchange]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	spec := gateway.AdapterSpec{Exchange: exchange, Market: common.MarketSpot}
	switch exchange {
	case "binance":
		spec.Testnet = e.cfg.Binance.Testnet
	case "bybit":
		spec.Testnet = e.cfg.Bybit.Testnet
	}
	adapter, err := e.factory(spec, e.log)
	if err != nil {
		return fmt.Errorf("build market data adapter for %s: %w", exchange, err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect market data for %s: %w", exchange, err)
	}

	symbols := append([]string(nil), e.cfg.Symbols...)
	if !contains(symbols, symbol) {
		symbols = append(symbols, symbol)
	}
	feed := &market.Feed{
		Exchange: exchange,
		Adapter:  adapter,
		Bus:      e.Bus,
		Symbols:  symbols,
		Interval: klineInterval,
		Log:      e.log,
	}
	if g, ok := adapter.(interface{ SetGapHandler(func(string)) }); ok {
		g.SetGapHandler(func(stream string) {
			feed.NotifyGap(stream)
		})
	}
	if err := feed.Start(ctx); err != nil {
		adapter.Disconnect()
		return fmt.Errorf("start market feed for %s: %w", exchange, err)
	}

	e.mu.Lock()
	e.feeds[exchange] = feed
	e.marketData[exchange] = adapter
	e.mu.Unlock()
	e.log.Info().Str("exchange", exchange).Strs("symbols", symbols).Msg("market feed started")
	return nil
}

// riskSweep periodically recomputes each user's portfolio risk from cached
// equity and latches the kill switch when a hard limit is breached.
func (e *Engine) riskSweep(ctx context.Context) {
	ticker := time.NewTicker(riskSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for userID, equity := range e.Balances.Equities() {
				eng := e.Risk.Get(userID)
				if eng == nil {
					continue
				}
				eng.ObserveTick(now, equity)
				snapshot := eng.CalculatePortfolioRisk(equity)
				if ev := eng.CheckKillConditions(snapshot, true); ev != nil {
					e.killUserBots(userID, string(ev.Trigger))
				}
			}
		}
	}
}

// reconcileLoop sweeps every authenticated adapter on the configured
// interval, adopting unknown exchange orders and cancelling phantoms.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileAll(ctx)
		}
	}
}

func (e *Engine) reconcileAll(ctx context.Context) {
	e.mu.Lock()
	targets := make(map[common.Adapter]string, len(e.reconSet))
	for a, ex := range e.reconSet {
		targets[a] = ex
	}
	e.mu.Unlock()

	for adapter, exchange := range targets {
		if err := e.reconciler.Reconcile(ctx, exchange, adapter); err != nil {
			e.log.Warn().Err(err).Str("exchange", exchange).Msg("reconciliation pass failed")
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
