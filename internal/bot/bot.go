// Package bot holds the user-owned bot configurations and their lifecycle
// state machine.
package bot

import (
	"fmt"
	"time"

	"xor-core/internal/strategy"
	"xor-core/pkg/exchanges/common"
)

// Status is a bot's lifecycle state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusKilled   Status = "killed"
)

// transitions lists the permitted status moves.
var transitions = map[Status][]Status{
	StatusCreated:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusError, StatusStopped},
	StatusRunning:  {StatusPaused, StatusStopping, StatusError, StatusKilled},
	StatusPaused:   {StatusRunning, StatusStopping, StatusError, StatusKilled},
	StatusStopping: {StatusStopped, StatusError},
	StatusStopped:  {StatusStarting},
	StatusError:    {StatusStarting},
	StatusKilled:   {StatusStarting},
}

// CanTransition reports whether a status move is allowed.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// PositionSizeType selects how order quantity is derived from config.
type PositionSizeType string

const (
	SizeFixed   PositionSizeType = "fixed"   // quote-currency amount
	SizePercent PositionSizeType = "percent" // percent of portfolio value
)

// Stats carries a bot's performance counters.
type Stats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	TotalPnL    float64 `json:"total_pnl"`
	PeakBalance float64 `json:"peak_balance"`
	Drawdown    float64 `json:"drawdown"`
}

// Bot is a user-owned strategy configuration. Mutated only while not
// running; soft-deleted, never removed.
type Bot struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Exchange     string            `json:"exchange"`
	CredentialID string            `json:"credential_id"`
	Symbol       string            `json:"symbol"`
	MarketType   common.MarketType `json:"market_type"`
	StrategyID   string            `json:"strategy_id"`
	Params       strategy.Params   `json:"strategy_params"`

	PositionSize     float64          `json:"position_size"`
	PositionSizeType PositionSizeType `json:"position_size_type"`
	MaxPositions     int              `json:"max_positions"`
	Leverage         int              `json:"leverage"`
	MarginType       string           `json:"margin_type"`

	Status    Status    `json:"status"`
	Stats     Stats     `json:"stats"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate rejects configurations that can never run.
func (b *Bot) Validate() error {
	if b.ID == "" || b.UserID == "" {
		return fmt.Errorf("bot id and user id are required")
	}
	if b.Symbol == "" {
		return fmt.Errorf("bot %s: symbol is required", b.ID)
	}
	if b.StrategyID == "" {
		return fmt.Errorf("bot %s: strategy id is required", b.ID)
	}
	if b.PositionSize <= 0 {
		return fmt.Errorf("bot %s: position_size must be positive", b.ID)
	}
	switch b.PositionSizeType {
	case SizeFixed, SizePercent:
	default:
		return fmt.Errorf("bot %s: position_size_type must be fixed or percent", b.ID)
	}
	if b.MarketType == common.MarketSpot && b.Leverage > 1 {
		return fmt.Errorf("bot %s: leverage on spot market", b.ID)
	}
	return nil
}
