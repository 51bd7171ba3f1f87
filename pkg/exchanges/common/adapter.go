package common

import "context"

// Unsubscribe stops a stream subscription.
type Unsubscribe func()

// Adapter abstracts a trading venue. One instance exists per
// (exchange, credential, market type); all adapters present identical types.
type Adapter interface {
	Name() string
	Market() MarketType

	// Connect and Disconnect are idempotent.
	Connect(ctx context.Context) error
	Disconnect() error

	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetOrderbook(ctx context.Context, symbol string, depth int) (Orderbook, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderResult, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)

	// SetLeverage applies to futures venues; spot adapters return
	// an invalid_parameter error.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// TickSize returns the minimum price increment for a symbol.
	TickSize(ctx context.Context, symbol string) (float64, error)

	SubscribeTicker(ctx context.Context, symbol string, cb func(Ticker)) (Unsubscribe, error)
	SubscribeOrderbook(ctx context.Context, symbol string, cb func(Orderbook)) (Unsubscribe, error)
	SubscribeTrades(ctx context.Context, symbol string, cb func(PublicTrade)) (Unsubscribe, error)
	SubscribeUserData(ctx context.Context, cb func(UserDataEvent)) (Unsubscribe, error)
}
