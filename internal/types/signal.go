package types

import (
	"fmt"
	"time"
)

type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// TradingSignal is produced by strategy logic or an AI engine and consumed at
// most once by the order executor.
type TradingSignal struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Symbol          string     `json:"symbol"`
	SignalType      SignalType `json:"signal_type"`
	ConfidenceScore float64    `json:"confidence_score"`
	EntryPrice      float64    `json:"entry_price"`
	TargetPrice     *float64   `json:"target_price,omitempty"`
	StopLoss        *float64   `json:"stop_loss,omitempty"`
	PositionSizePct float64    `json:"position_size_pct"`
	StrategyID      *string    `json:"strategy_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Validate returns every reason the signal cannot be turned into an order.
func (s *TradingSignal) Validate() []string {
	var problems []string
	if s.ID == "" {
		problems = append(problems, "signal id is required")
	}
	if s.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if s.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	switch s.SignalType {
	case SignalBuy, SignalSell:
	case SignalHold:
		problems = append(problems, "HOLD signals do not produce orders")
	default:
		problems = append(problems, fmt.Sprintf("invalid signal type %q", s.SignalType))
	}
	if s.ConfidenceScore < 0 || s.ConfidenceScore > 1 {
		problems = append(problems, fmt.Sprintf("confidence score %.4f outside [0,1]", s.ConfidenceScore))
	}
	if s.EntryPrice < 0 {
		problems = append(problems, "entry price cannot be negative")
	}
	if s.PositionSizePct < 0 {
		problems = append(problems, "position size percent cannot be negative")
	}
	return problems
}

// IsExpired reports whether the signal is past its expiry at now.
func (s *TradingSignal) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Side maps the signal direction onto an order side.
func (s *TradingSignal) Side() OrderSide {
	if s.SignalType == SignalSell {
		return SideSell
	}
	return SideBuy
}
