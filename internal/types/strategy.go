package types

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type StrategyStatus string

const (
	StrategyActive  StrategyStatus = "ACTIVE"
	StrategyPaused  StrategyStatus = "PAUSED"
	StrategyStopped StrategyStatus = "STOPPED"
)

type Strategy struct {
	gorm.Model   `json:"-"`
	StrategyID   string         `gorm:"uniqueIndex" json:"strategy_id"`
	UserID       string         `gorm:"index" json:"user_id"`
	Name         string         `json:"name"`
	Symbols      string         `json:"symbols"` // comma separated
	Status       StrategyStatus `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SymbolList splits Symbols into its entries.
func (s *Strategy) SymbolList() []string {
	if s.Symbols == "" {
		return nil
	}
	parts := strings.Split(s.Symbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Trades reports whether the strategy is configured for symbol.
func (s *Strategy) Trades(symbol string) bool {
	for _, sym := range s.SymbolList() {
		if strings.EqualFold(sym, symbol) {
			return true
		}
	}
	return false
}

// IdempotencyRecord maps a client supplied key onto the resource it created.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
