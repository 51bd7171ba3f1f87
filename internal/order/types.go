// Package order turns bot signals into exchange orders and tracks their
// lifecycle, the resulting trades, and the position book.
package order

import (
	"context"
	"errors"
	"time"

	"xor-core/pkg/exchanges/common"
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusOpen      Status = "open"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var statusTransitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusRejected},
	StatusSubmitted: {StatusOpen, StatusPartial, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusOpen:      {StatusPartial, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartial:   {StatusPartial, StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition reports whether a status move is allowed.
func CanTransition(from, to Status) bool {
	for _, t := range statusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrInvalidOrder is returned for operations on orders whose status does not
// permit them, such as cancelling a filled order.
var ErrInvalidOrder = errors.New("invalid order state")

// Order is the local record of one order intent and its exchange lifecycle.
type Order struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	BotID           string             `json:"bot_id"`
	Exchange        string             `json:"exchange"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	ClientOrderID   string             `json:"client_order_id"`
	Symbol          string             `json:"symbol"`
	Type            common.OrderType   `json:"type"`
	Side            common.Side        `json:"side"`
	Status          Status             `json:"status"`
	Quantity        float64            `json:"quantity"`
	FilledQuantity  float64            `json:"filled_quantity"`
	Price           float64            `json:"price,omitempty"`
	StopPrice       float64            `json:"stop_price,omitempty"`
	AveragePrice    float64            `json:"average_price,omitempty"`
	Fee             float64            `json:"fee"`
	FeeAsset        string             `json:"fee_asset,omitempty"`
	TimeInForce     common.TimeInForce `json:"time_in_force"`
	ReduceOnly      bool               `json:"reduce_only"`
	Reason          string             `json:"reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	SubmittedAt     *time.Time         `json:"submitted_at,omitempty"`
	FilledAt        *time.Time         `json:"filled_at,omitempty"`
	CancelledAt     *time.Time         `json:"cancelled_at,omitempty"`
	LatencyMS       int64              `json:"latency_ms,omitempty"`
}

// RemainingQuantity returns the unfilled part of the order.
func (o *Order) RemainingQuantity() float64 { return o.Quantity - o.FilledQuantity }

// Trade is one fill of an order. Append-only.
type Trade struct {
	ID          string      `json:"id"`
	OrderID     string      `json:"order_id"`
	BotID       string      `json:"bot_id"`
	PositionID  string      `json:"position_id,omitempty"`
	Symbol      string      `json:"symbol"`
	Side        common.Side `json:"side"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price"`
	Fee         float64     `json:"fee"`
	FeeAsset    string      `json:"fee_asset,omitempty"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
	IsMaker     bool        `json:"is_maker"`
	ExecutedAt  time.Time   `json:"executed_at"`
}

// PositionStatus is a position's lifecycle state.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// Position is a directional exposure built from fills. Created on the first
// fill of a direction, closed when quantity reaches zero.
type Position struct {
	ID                 string         `json:"id"`
	BotID              string         `json:"bot_id"`
	Symbol             string         `json:"symbol"`
	Side               string         `json:"side"` // long/short
	Status             PositionStatus `json:"status"`
	Quantity           float64        `json:"quantity"`
	AverageEntryPrice  float64        `json:"average_entry_price"`
	EntryValue         float64        `json:"entry_value"`
	CurrentPrice       float64        `json:"current_price,omitempty"`
	UnrealizedPnL      float64        `json:"unrealized_pnl"`
	RealizedPnL        float64        `json:"realized_pnl"`
	Leverage           int            `json:"leverage"`
	StopLossPrice      float64        `json:"stop_loss_price,omitempty"`
	TakeProfitPrice    float64        `json:"take_profit_price,omitempty"`
	SafetyOrdersFilled int            `json:"safety_orders_filled"`
	OpenedAt           time.Time      `json:"opened_at"`
	ClosedAt           *time.Time     `json:"closed_at,omitempty"`
	CloseReason        string         `json:"close_reason,omitempty"`
}

// Store persists orders, trades, and positions. Implementations must be safe
// for concurrent use. A nil Store disables persistence.
type Store interface {
	SaveOrder(ctx context.Context, o Order) error
	UpdateOrder(ctx context.Context, o Order) error
	SaveTrade(ctx context.Context, t Trade) error
	UpsertPosition(ctx context.Context, p Position) error
	Audit(ctx context.Context, userID, action, detail string) error
}
