package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType denotes the order types every adapter must support.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeTrailing   OrderType = "trailing"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "new"
	StatusPartial  OrderStatus = "partial"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "cancelled"
	StatusRejected OrderStatus = "rejected"
	StatusExpired  OrderStatus = "expired"
	StatusUnknown  OrderStatus = "unknown"
)

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// Ticker is a point-in-time market snapshot.
type Ticker struct {
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Volume24h float64
	Change24h float64
	Time      time.Time
}

// PriceLevel is one orderbook level.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// Orderbook holds bids and asks, both sorted away from mid.
type Orderbook struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
	Time   time.Time
}

// Balance represents an asset balance; Total = Free + Locked.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

// Position is an open directional exposure reported by the venue.
// Spot adapters return none.
type Position struct {
	Symbol           string
	Side             string // long/short
	Qty              float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedPnL    float64
	Leverage         int
	MarginType       string
}

// Kline is one OHLCV candle.
type Kline struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// PublicTrade is a public trade-stream print.
type PublicTrade struct {
	Symbol       string
	Price        float64
	Qty          float64
	IsBuyerMaker bool
	Time         time.Time
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // required for limit
	StopPrice     float64 // required for stop orders
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the normalized exchange view of an order.
type OrderResult struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           float64
	Quantity        float64
	FilledQuantity  float64
	AveragePrice    float64
	Fee             float64
	FeeAsset        string
	Time            time.Time
}

// UserDataEvent is an order/fill update from the user-data stream.
type UserDataEvent struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Status          OrderStatus
	Price           float64
	Quantity        float64
	FilledQuantity  float64
	LastFillQty     float64
	LastFillPrice   float64
	Fee             float64
	FeeAsset        string
	TradeID         string
	IsMaker         bool
	Time            time.Time
}
