package db

import (
	"database/sql"
	"time"
)

// User is an account row.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Credential stores one exchange API key pair, encrypted at rest.
type Credential struct {
	ID                 string
	UserID             string
	Exchange           string
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BotRecord is the persisted form of a bot configuration and its counters.
// Strategy parameters are stored as a JSON blob.
type BotRecord struct {
	ID               string
	UserID           string
	Exchange         string
	CredentialID     string
	Symbol           string
	MarketType       string
	StrategyID       string
	StrategyParams   string
	PositionSize     float64
	PositionSizeType string
	MaxPositions     int
	Leverage         int
	MarginType       string
	Status           string
	Trades           int
	Wins             int
	TotalPnL         float64
	PeakBalance      float64
	Drawdown         float64
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderRecord is the persisted form of an order.
type OrderRecord struct {
	ID              string
	UserID          string
	BotID           string
	Exchange        string
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Type            string
	Side            string
	Status          string
	Quantity        float64
	FilledQuantity  float64
	Price           float64
	StopPrice       float64
	AveragePrice    float64
	Fee             float64
	FeeAsset        string
	TimeInForce     string
	ReduceOnly      bool
	Reason          string
	LatencyMS       int64
	CreatedAt       time.Time
	SubmittedAt     sql.NullTime
	FilledAt        sql.NullTime
	CancelledAt     sql.NullTime
}

// TradeRecord is the persisted form of a fill.
type TradeRecord struct {
	ID          string
	OrderID     string
	BotID       string
	PositionID  string
	Symbol      string
	Side        string
	Quantity    float64
	Price       float64
	Fee         float64
	FeeAsset    string
	RealizedPnL float64
	IsMaker     bool
	ExecutedAt  time.Time
}

// PositionRecord is the persisted form of a position.
type PositionRecord struct {
	ID                 string
	BotID              string
	Symbol             string
	Side               string
	Status             string
	Quantity           float64
	AverageEntryPrice  float64
	EntryValue         float64
	CurrentPrice       float64
	UnrealizedPnL      float64
	RealizedPnL        float64
	Leverage           int
	SafetyOrdersFilled int
	OpenedAt           time.Time
	ClosedAt           sql.NullTime
	CloseReason        string
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID        int64
	UserID    string
	Action    string
	Detail    string
	CreatedAt time.Time
}
