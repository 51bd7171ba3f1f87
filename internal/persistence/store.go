package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"xor-core/internal/bot"
	"xor-core/internal/order"
	"xor-core/pkg/db"
)

// SQLStore implements the pipeline's Store over SQLite. Orders and
// positions write through directly; trades and audit rows are batched.
type SQLStore struct {
	queries *db.UserQueries
	writer  *BatchWriter
	log     zerolog.Logger
}

// NewSQLStore creates a store over an initialized database.
func NewSQLStore(database *db.Database, log zerolog.Logger) *SQLStore {
	return &SQLStore{
		queries: database.Queries(),
		writer:  NewBatchWriter(database.DB, 50, 500*time.Millisecond, log),
		log:     log.With().Str("component", "sql-store").Logger(),
	}
}

// SaveOrder inserts a new order row.
func (s *SQLStore) SaveOrder(ctx context.Context, o order.Order) error {
	return s.queries.CreateOrder(ctx, toOrderRecord(o))
}

// UpdateOrder rewrites an order's lifecycle fields.
func (s *SQLStore) UpdateOrder(ctx context.Context, o order.Order) error {
	return s.queries.UpdateOrder(ctx, toOrderRecord(o))
}

// SaveTrade buffers a fill row for the next batch flush.
func (s *SQLStore) SaveTrade(ctx context.Context, t order.Trade) error {
	s.writer.Write(`
		INSERT INTO trades (
			id, order_id, bot_id, position_id, symbol, side,
			quantity, price, fee, fee_asset, realized_pnl, is_maker, executed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.BotID, t.PositionID, t.Symbol, string(t.Side),
		t.Quantity, t.Price, t.Fee, t.FeeAsset, t.RealizedPnL, t.IsMaker, t.ExecutedAt)
	return nil
}

// UpsertPosition writes the position's current state.
func (s *SQLStore) UpsertPosition(ctx context.Context, p order.Position) error {
	return s.queries.UpsertPosition(ctx, db.PositionRecord{
		ID:                 p.ID,
		BotID:              p.BotID,
		Symbol:             p.Symbol,
		Side:               p.Side,
		Status:             string(p.Status),
		Quantity:           p.Quantity,
		AverageEntryPrice:  p.AverageEntryPrice,
		EntryValue:         p.EntryValue,
		CurrentPrice:       p.CurrentPrice,
		UnrealizedPnL:      p.UnrealizedPnL,
		RealizedPnL:        p.RealizedPnL,
		Leverage:           p.Leverage,
		SafetyOrdersFilled: p.SafetyOrdersFilled,
		OpenedAt:           p.OpenedAt,
		ClosedAt:           toNullTime(p.ClosedAt),
		CloseReason:        p.CloseReason,
	})
}

// Audit buffers one audit entry.
func (s *SQLStore) Audit(ctx context.Context, userID, action, detail string) error {
	s.writer.Write(`INSERT INTO audit_log (user_id, action, detail) VALUES (?, ?, ?)`,
		userID, action, detail)
	return nil
}

// SaveBot persists a bot's configuration and counters.
func (s *SQLStore) SaveBot(ctx context.Context, b bot.Bot) error {
	params, err := json.Marshal(b.Params)
	if err != nil {
		return err
	}
	return s.queries.UpsertBot(ctx, db.BotRecord{
		ID:               b.ID,
		UserID:           b.UserID,
		Exchange:         b.Exchange,
		CredentialID:     b.CredentialID,
		Symbol:           b.Symbol,
		MarketType:       string(b.MarketType),
		StrategyID:       b.StrategyID,
		StrategyParams:   string(params),
		PositionSize:     b.PositionSize,
		PositionSizeType: string(b.PositionSizeType),
		MaxPositions:     b.MaxPositions,
		Leverage:         b.Leverage,
		MarginType:       b.MarginType,
		Status:           string(b.Status),
		Trades:           b.Stats.Trades,
		Wins:             b.Stats.Wins,
		TotalPnL:         b.Stats.TotalPnL,
		PeakBalance:      b.Stats.PeakBalance,
		Drawdown:         b.Stats.Drawdown,
		Deleted:          b.Deleted,
		CreatedAt:        b.CreatedAt,
	})
}

// Flush forces pending batched writes to disk.
func (s *SQLStore) Flush() error { return s.writer.Flush() }

// Close flushes and stops the batch writer.
func (s *SQLStore) Close() error { return s.writer.Close() }

func toOrderRecord(o order.Order) db.OrderRecord {
	return db.OrderRecord{
		ID:              o.ID,
		UserID:          o.UserID,
		BotID:           o.BotID,
		Exchange:        o.Exchange,
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Type:            string(o.Type),
		Side:            string(o.Side),
		Status:          string(o.Status),
		Quantity:        o.Quantity,
		FilledQuantity:  o.FilledQuantity,
		Price:           o.Price,
		StopPrice:       o.StopPrice,
		AveragePrice:    o.AveragePrice,
		Fee:             o.Fee,
		FeeAsset:        o.FeeAsset,
		TimeInForce:     string(o.TimeInForce),
		ReduceOnly:      o.ReduceOnly,
		Reason:          o.Reason,
		LatencyMS:       o.LatencyMS,
		CreatedAt:       o.CreatedAt,
		SubmittedAt:     toNullTime(o.SubmittedAt),
		FilledAt:        toNullTime(o.FilledAt),
		CancelledAt:     toNullTime(o.CancelledAt),
	}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
