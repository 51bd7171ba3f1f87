// Package risk enforces per-user trading limits: pre-trade order validation,
// portfolio accounting, and a latching kill switch.
package risk

import "time"

// Limits is the per-user risk configuration.
type Limits struct {
	MaxDrawdownPercent     float64 `json:"max_drawdown_percent"`
	MaxPositionSizePercent float64 `json:"max_position_size_percent"`
	DailyLossLimitPercent  float64 `json:"daily_loss_limit_percent"`
	MaxLeverage            int     `json:"max_leverage"`
	MaxOpenPositions       int     `json:"max_open_positions"`
	MaxExposurePerAssetPct float64 `json:"max_exposure_per_asset_percent"`
}

// DefaultLimits returns the platform defaults applied when a user has no
// explicit configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxDrawdownPercent:     10.0,
		MaxPositionSizePercent: 5.0,
		DailyLossLimitPercent:  3.0,
		MaxLeverage:            10,
		MaxOpenPositions:       10,
		MaxExposurePerAssetPct: 20.0,
	}
}

// PositionRisk is the engine's view of one open position.
type PositionRisk struct {
	Symbol               string  `json:"symbol"`
	Side                 string  `json:"side"`
	Size                 float64 `json:"size"`
	EntryPrice           float64 `json:"entry_price"`
	CurrentPrice         float64 `json:"current_price"`
	Leverage             float64 `json:"leverage"`
	UnrealizedPnL        float64 `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64 `json:"unrealized_pnl_percent"`
}

// PortfolioRisk is a point-in-time snapshot of portfolio-level metrics.
type PortfolioRisk struct {
	TotalEquity            float64   `json:"total_equity"`
	TotalExposure          float64   `json:"total_exposure"`
	TotalUnrealizedPnL     float64   `json:"total_unrealized_pnl"`
	RealizedPnLToday       float64   `json:"realized_pnl_today"`
	CurrentDrawdownPercent float64   `json:"current_drawdown_percent"`
	MaxDrawdownPercent     float64   `json:"max_drawdown_percent"`
	OpenPositions          int       `json:"open_positions"`
	DailyPnLPercent        float64   `json:"daily_pnl_percent"`
	Timestamp              time.Time `json:"timestamp"`
}

// Verdict is the outcome of a pre-trade validation.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func valid() Verdict { return Verdict{Valid: true} }

func rejected(reason string) Verdict { return Verdict{Valid: false, Reason: reason} }
