package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Bot Queries
// ----------------------------------------

// UpsertBot creates or replaces a bot row.
func (q *UserQueries) UpsertBot(ctx context.Context, b BotRecord) error {
	if b.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO bots (
			id, user_id, exchange, credential_id, symbol, market_type,
			strategy_id, strategy_params, position_size, position_size_type,
			max_positions, leverage, margin_type, status,
			trades, wins, total_pnl, peak_balance, drawdown, deleted,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			strategy_params = excluded.strategy_params,
			position_size = excluded.position_size,
			position_size_type = excluded.position_size_type,
			max_positions = excluded.max_positions,
			leverage = excluded.leverage,
			margin_type = excluded.margin_type,
			status = excluded.status,
			trades = excluded.trades,
			wins = excluded.wins,
			total_pnl = excluded.total_pnl,
			peak_balance = excluded.peak_balance,
			drawdown = excluded.drawdown,
			deleted = excluded.deleted,
			updated_at = CURRENT_TIMESTAMP
	`, b.ID, b.UserID, b.Exchange, b.CredentialID, b.Symbol, b.MarketType,
		b.StrategyID, b.StrategyParams, b.PositionSize, b.PositionSizeType,
		b.MaxPositions, b.Leverage, b.MarginType, b.Status,
		b.Trades, b.Wins, b.TotalPnL, b.PeakBalance, b.Drawdown, b.Deleted,
		b.CreatedAt)

	return err
}

// GetBotsByUser returns the user's live bots.
func (q *UserQueries) GetBotsByUser(ctx context.Context, userID string) ([]BotRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, exchange, COALESCE(credential_id, ''), symbol, market_type,
		       strategy_id, COALESCE(strategy_params, ''), position_size, position_size_type,
		       max_positions, leverage, COALESCE(margin_type, ''), status,
		       trades, wins, total_pnl, peak_balance, drawdown, deleted,
		       created_at, updated_at
		FROM bots
		WHERE user_id = ? AND deleted = 0
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query bots: %w", err)
	}
	defer rows.Close()

	var bots []BotRecord
	for rows.Next() {
		var b BotRecord
		if err := rows.Scan(&b.ID, &b.UserID, &b.Exchange, &b.CredentialID, &b.Symbol, &b.MarketType,
			&b.StrategyID, &b.StrategyParams, &b.PositionSize, &b.PositionSizeType,
			&b.MaxPositions, &b.Leverage, &b.MarginType, &b.Status,
			&b.Trades, &b.Wins, &b.TotalPnL, &b.PeakBalance, &b.Drawdown, &b.Deleted,
			&b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

const orderColumns = `id, user_id, bot_id, exchange, COALESCE(exchange_order_id, ''),
	client_order_id, symbol, type, side, status,
	quantity, COALESCE(filled_quantity, 0), COALESCE(price, 0), COALESCE(stop_price, 0),
	COALESCE(average_price, 0), COALESCE(fee, 0), COALESCE(fee_asset, ''),
	COALESCE(time_in_force, 'GTC'), reduce_only, COALESCE(reason, ''),
	COALESCE(latency_ms, 0), created_at, submitted_at, filled_at, cancelled_at`

func scanOrder(rows interface{ Scan(...any) error }) (OrderRecord, error) {
	var o OrderRecord
	err := rows.Scan(&o.ID, &o.UserID, &o.BotID, &o.Exchange, &o.ExchangeOrderID,
		&o.ClientOrderID, &o.Symbol, &o.Type, &o.Side, &o.Status,
		&o.Quantity, &o.FilledQuantity, &o.Price, &o.StopPrice,
		&o.AveragePrice, &o.Fee, &o.FeeAsset,
		&o.TimeInForce, &o.ReduceOnly, &o.Reason,
		&o.LatencyMS, &o.CreatedAt, &o.SubmittedAt, &o.FilledAt, &o.CancelledAt)
	return o, err
}

// CreateOrder inserts a new order row.
func (q *UserQueries) CreateOrder(ctx context.Context, o OrderRecord) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, bot_id, exchange, exchange_order_id, client_order_id,
			symbol, type, side, status, quantity, filled_quantity,
			price, stop_price, average_price, fee, fee_asset,
			time_in_force, reduce_only, reason, latency_ms,
			created_at, submitted_at, filled_at, cancelled_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.BotID, o.Exchange, o.ExchangeOrderID, o.ClientOrderID,
		o.Symbol, o.Type, o.Side, o.Status, o.Quantity, o.FilledQuantity,
		o.Price, o.StopPrice, o.AveragePrice, o.Fee, o.FeeAsset,
		o.TimeInForce, o.ReduceOnly, o.Reason, o.LatencyMS,
		o.CreatedAt, o.SubmittedAt, o.FilledAt, o.CancelledAt)

	return err
}

// UpdateOrder rewrites an order's mutable lifecycle fields, keyed by
// client_order_id.
func (q *UserQueries) UpdateOrder(ctx context.Context, o OrderRecord) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE orders SET
			exchange_order_id = ?,
			status = ?,
			filled_quantity = ?,
			average_price = ?,
			fee = ?,
			fee_asset = ?,
			reason = ?,
			latency_ms = ?,
			submitted_at = ?,
			filled_at = ?,
			cancelled_at = ?
		WHERE client_order_id = ? AND user_id = ?
	`, o.ExchangeOrderID, o.Status, o.FilledQuantity, o.AveragePrice,
		o.Fee, o.FeeAsset, o.Reason, o.LatencyMS,
		o.SubmittedAt, o.FilledAt, o.CancelledAt,
		o.ClientOrderID, o.UserID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrderByClientID returns one order, verifying user ownership.
func (q *UserQueries) GetOrderByClientID(ctx context.Context, userID, clientOrderID string) (*OrderRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	row := q.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ? AND user_id = ?`,
		clientOrderID, userID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// GetOrdersByUser returns the user's most recent orders.
func (q *UserQueries) GetOrdersByUser(ctx context.Context, userID string, limit int) ([]OrderRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOpenOrdersByUser returns the user's non-terminal orders.
func (q *UserQueries) GetOpenOrdersByUser(ctx context.Context, userID string) ([]OrderRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = ? AND status IN ('pending', 'submitted', 'open', 'partial')
		 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// CreateTrade inserts a fill row. Trades are append-only.
func (q *UserQueries) CreateTrade(ctx context.Context, t TradeRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, order_id, bot_id, position_id, symbol, side,
			quantity, price, fee, fee_asset, realized_pnl, is_maker, executed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OrderID, t.BotID, t.PositionID, t.Symbol, t.Side,
		t.Quantity, t.Price, t.Fee, t.FeeAsset, t.RealizedPnL, t.IsMaker, t.ExecutedAt)

	return err
}

// GetTradesByBot returns a bot's most recent fills.
func (q *UserQueries) GetTradesByBot(ctx context.Context, botID string, limit int) ([]TradeRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, bot_id, COALESCE(position_id, ''), symbol, side,
		       quantity, price, COALESCE(fee, 0), COALESCE(fee_asset, ''),
		       COALESCE(realized_pnl, 0), is_maker, executed_at
		FROM trades
		WHERE bot_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.OrderID, &t.BotID, &t.PositionID, &t.Symbol, &t.Side,
			&t.Quantity, &t.Price, &t.Fee, &t.FeeAsset,
			&t.RealizedPnL, &t.IsMaker, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

// UpsertPosition creates or updates a position row.
func (q *UserQueries) UpsertPosition(ctx context.Context, p PositionRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, bot_id, symbol, side, status, quantity,
			average_entry_price, entry_value, current_price,
			unrealized_pnl, realized_pnl, leverage, safety_orders_filled,
			opened_at, closed_at, close_reason
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			quantity = excluded.quantity,
			average_entry_price = excluded.average_entry_price,
			entry_value = excluded.entry_value,
			current_price = excluded.current_price,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl,
			safety_orders_filled = excluded.safety_orders_filled,
			closed_at = excluded.closed_at,
			close_reason = excluded.close_reason
	`, p.ID, p.BotID, p.Symbol, p.Side, p.Status, p.Quantity,
		p.AverageEntryPrice, p.EntryValue, p.CurrentPrice,
		p.UnrealizedPnL, p.RealizedPnL, p.Leverage, p.SafetyOrdersFilled,
		p.OpenedAt, p.ClosedAt, p.CloseReason)

	return err
}

// GetOpenPositionsByBot returns a bot's open positions.
func (q *UserQueries) GetOpenPositionsByBot(ctx context.Context, botID string) ([]PositionRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, bot_id, symbol, side, status, quantity,
		       average_entry_price, COALESCE(entry_value, 0), COALESCE(current_price, 0),
		       COALESCE(unrealized_pnl, 0), COALESCE(realized_pnl, 0), leverage,
		       COALESCE(safety_orders_filled, 0), opened_at, closed_at, COALESCE(close_reason, '')
		FROM positions
		WHERE bot_id = ? AND status = 'open'
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []PositionRecord
	for rows.Next() {
		var p PositionRecord
		if err := rows.Scan(&p.ID, &p.BotID, &p.Symbol, &p.Side, &p.Status, &p.Quantity,
			&p.AverageEntryPrice, &p.EntryValue, &p.CurrentPrice,
			&p.UnrealizedPnL, &p.RealizedPnL, &p.Leverage,
			&p.SafetyOrdersFilled, &p.OpenedAt, &p.ClosedAt, &p.CloseReason); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ----------------------------------------
// Credential Queries (encrypted at rest)
// ----------------------------------------

// CreateCredential stores an encrypted API key pair.
func (q *UserQueries) CreateCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO credentials (
			id, user_id, exchange, name,
			api_key_encrypted, api_secret_encrypted, key_version,
			is_active, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, c.ID, c.UserID, c.Exchange, c.Name,
		c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion)

	return err
}

// GetCredentialByID returns a credential, verifying user ownership.
func (q *UserQueries) GetCredentialByID(ctx context.Context, userID, credentialID string) (*Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var c Credential
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, name,
		       api_key_encrypted, api_secret_encrypted, COALESCE(key_version, 1),
		       is_active, created_at, updated_at
		FROM credentials
		WHERE id = ? AND user_id = ?
	`, credentialID, userID).Scan(&c.ID, &c.UserID, &c.Exchange, &c.Name,
		&c.APIKeyEncrypted, &c.APISecretEncrypted, &c.KeyVersion,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// ----------------------------------------
// Audit Trail
// ----------------------------------------

// InsertAudit appends one audit entry.
func (q *UserQueries) InsertAudit(ctx context.Context, userID, action, detail string) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, action, detail) VALUES (?, ?, ?)
	`, userID, action, detail)
	return err
}

// GetAuditByUser returns the user's most recent audit entries.
func (q *UserQueries) GetAuditByUser(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, action, COALESCE(detail, ''), created_at
		FROM audit_log
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
