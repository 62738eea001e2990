package types

import (
	"math"
	"time"

	"gorm.io/gorm"
)

// Position is the net holding of one user in one symbol. Quantity is signed:
// positive is long, negative is short.
type Position struct {
	gorm.Model   `json:"-"`
	UserID       string    `gorm:"uniqueIndex:idx_position_user_symbol" json:"user_id"`
	Symbol       string    `gorm:"uniqueIndex:idx_position_user_symbol" json:"symbol"`
	StrategyID   *string   `gorm:"index" json:"strategy_id,omitempty"`
	Quantity     float64   `json:"quantity"`
	AveragePrice float64   `json:"average_price"`
	CurrentPrice float64   `json:"current_price"`
	RealizedPnL  float64   `json:"realized_pnl"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (p *Position) IsLong() bool {
	return p.Quantity > 0
}

func (p *Position) IsOpen() bool {
	return math.Abs(p.Quantity) > 1e-9
}

// MarketPrice falls back to the average price when no mark is known.
func (p *Position) MarketPrice() float64 {
	if p.CurrentPrice > 0 {
		return p.CurrentPrice
	}
	return p.AveragePrice
}

// MarketValue is the absolute notional of the position at the mark.
func (p *Position) MarketValue() float64 {
	return math.Abs(p.Quantity) * p.MarketPrice()
}

// SignedValue is positive for longs and negative for shorts.
func (p *Position) SignedValue() float64 {
	return p.Quantity * p.MarketPrice()
}

func (p *Position) UnrealizedPnL() float64 {
	return (p.MarketPrice() - p.AveragePrice) * p.Quantity
}

// Account holds the cash balance and the reference values used for drawdown
// and daily loss.
type Account struct {
	gorm.Model    `json:"-"`
	UserID        string    `gorm:"uniqueIndex" json:"user_id"`
	Cash          float64   `json:"cash"`
	PeakValue     float64   `json:"peak_value"`
	DayStartValue float64   `json:"day_start_value"`
	DayStart      time.Time `json:"day_start"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PortfolioValuation is a point-in-time valuation of one account.
type PortfolioValuation struct {
	UserID          string    `json:"user_id"`
	Cash            float64   `json:"cash"`
	PositionsValue  float64   `json:"positions_value"` // signed, shorts negative
	GrossExposure   float64   `json:"gross_exposure"`
	PortfolioValue  float64   `json:"portfolio_value"`
	PeakValue       float64   `json:"peak_value"`
	DrawdownPercent float64   `json:"drawdown_percent"`
	DayStartValue   float64   `json:"day_start_value"`
	DailyPnL        float64   `json:"daily_pnl"`
	ValuedAt        time.Time `json:"valued_at"`
}

// DailyLossPercent is today's loss as a positive percentage of the
// day-start value, or zero when the account is up on the day.
func (v *PortfolioValuation) DailyLossPercent() float64 {
	if v.DailyPnL >= 0 || v.DayStartValue <= 0 {
		return 0
	}
	return -v.DailyPnL / v.DayStartValue * 100
}
