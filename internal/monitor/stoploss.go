package monitor

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/positions"
	"github.com/ksred/klear-guard/internal/types"
)

// StopLossOrder is a registered exit for one position. Quantity 0 closes
// the whole position.
type StopLossOrder struct {
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	TriggerPrice float64         `json:"trigger_price"`
	OrderType    types.OrderType `json:"order_type"`
	LimitPrice   *float64        `json:"limit_price,omitempty"`
	Quantity     float64         `json:"quantity"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Triggered reports whether price crosses the trigger for a position of the
// given direction.
func (s *StopLossOrder) Triggered(long bool, price float64) bool {
	if long {
		return price <= s.TriggerPrice
	}
	return price >= s.TriggerPrice
}

// AddStopLoss registers or replaces the stop-loss for the user's symbol
func (m *Monitor) AddStopLoss(ctx context.Context, sl StopLossOrder) (*StopLossOrder, error) {
	sl.Symbol = strings.ToUpper(strings.TrimSpace(sl.Symbol))
	sl.OrderType = types.OrderType(strings.ToUpper(string(sl.OrderType)))
	if sl.OrderType == "" {
		sl.OrderType = types.OrderTypeMarket
	}

	switch {
	case sl.UserID == "":
		return nil, tradeerrors.Validation("monitor", "add_stop_loss", "user id is required")
	case sl.Symbol == "":
		return nil, tradeerrors.Validation("monitor", "add_stop_loss", "symbol is required")
	case sl.TriggerPrice <= 0:
		return nil, tradeerrors.Validation("monitor", "add_stop_loss", "trigger price must be positive")
	case sl.Quantity < 0:
		return nil, tradeerrors.Validation("monitor", "add_stop_loss", "quantity cannot be negative")
	case sl.OrderType != types.OrderTypeMarket && sl.OrderType != types.OrderTypeLimit:
		return nil, tradeerrors.Validation("monitor", "add_stop_loss", "order type must be MARKET or LIMIT")
	case sl.OrderType == types.OrderTypeLimit && (sl.LimitPrice == nil || *sl.LimitPrice <= 0):
		return nil, tradeerrors.Validation("monitor", "add_stop_loss", "limit stop-loss requires a positive limit price")
	}
	sl.CreatedAt = m.now()

	m.mu.Lock()
	if m.stopLosses[sl.UserID] == nil {
		m.stopLosses[sl.UserID] = make(map[string]*StopLossOrder)
	}
	m.stopLosses[sl.UserID][sl.Symbol] = &sl
	m.mu.Unlock()

	log.Info().
		Str("component", "risk_monitor").
		Str("user_id", sl.UserID).
		Str("symbol", sl.Symbol).
		Float64("trigger_price", sl.TriggerPrice).
		Float64("quantity", sl.Quantity).
		Msg("stop-loss registered")

	out := sl
	return &out, nil
}

// RemoveStopLoss drops the registration and reports whether one existed
func (m *Monitor) RemoveStopLoss(userID, symbol string) bool {
	symbol = strings.ToUpper(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stopLosses[userID][symbol]
	delete(m.stopLosses[userID], symbol)
	if len(m.stopLosses[userID]) == 0 {
		delete(m.stopLosses, userID)
	}
	return ok
}

// GetStopLosses lists the user's registrations sorted by symbol
func (m *Monitor) GetStopLosses(userID string) []StopLossOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StopLossOrder, 0, len(m.stopLosses[userID]))
	for _, sl := range m.stopLosses[userID] {
		out = append(out, *sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OnPriceTick checks every stop-loss on symbol against price and returns how
// many fired. Users in the emergency set are skipped.
func (m *Monitor) OnPriceTick(ctx context.Context, symbol string, price float64) int {
	symbol = strings.ToUpper(symbol)
	logger := log.With().Str("component", "risk_monitor").Str("symbol", symbol).Logger()

	m.mu.Lock()
	var pending []*StopLossOrder
	for userID, bySymbol := range m.stopLosses {
		if _, halted := m.emergency[userID]; halted {
			continue
		}
		if sl, ok := bySymbol[symbol]; ok {
			pending = append(pending, sl)
		}
	}
	m.mu.Unlock()

	fired := 0
	for _, sl := range pending {
		ok, err := m.evaluateStopLoss(ctx, sl, price)
		if err != nil {
			logger.Error().Err(err).Str("user_id", sl.UserID).Msg("stop-loss execution failed")
			continue
		}
		if ok {
			fired++
		}
	}
	return fired
}

func (m *Monitor) checkUserStopLosses(ctx context.Context, userID string, logger zerolog.Logger) {
	m.mu.Lock()
	pending := make([]*StopLossOrder, 0, len(m.stopLosses[userID]))
	for _, sl := range m.stopLosses[userID] {
		pending = append(pending, sl)
	}
	m.mu.Unlock()

	for _, sl := range pending {
		if m.deps.Prices == nil {
			return
		}
		price, ok := m.deps.Prices.GetPrice(sl.Symbol)
		if !ok {
			logger.Debug().Str("symbol", sl.Symbol).Msg("no price for stop-loss symbol")
			continue
		}
		if _, err := m.evaluateStopLoss(ctx, sl, price); err != nil {
			logger.Error().Err(err).Str("symbol", sl.Symbol).Msg("stop-loss execution failed")
		}
	}
}

// evaluateStopLoss submits the exit when sl fires. The registration is
// claimed before submission so concurrent checks fire it once, and restored
// if the submission fails.
func (m *Monitor) evaluateStopLoss(ctx context.Context, sl *StopLossOrder, price float64) (bool, error) {
	position, err := m.deps.Positions.GetPosition(ctx, sl.UserID, sl.Symbol)
	if errors.Is(err, positions.ErrPositionNotFound) {
		if m.claim(sl) {
			log.Info().
				Str("component", "risk_monitor").
				Str("user_id", sl.UserID).
				Str("symbol", sl.Symbol).
				Msg("position closed, stop-loss removed")
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sl.Triggered(position.IsLong(), price) {
		return false, nil
	}
	if !m.claim(sl) {
		return false, nil
	}
	if m.deps.Exits == nil {
		m.restore(sl)
		return false, errors.New("no exit order submitter configured")
	}

	quantity := math.Abs(position.Quantity)
	if sl.Quantity > 0 && sl.Quantity < quantity {
		quantity = sl.Quantity
	}
	side := types.SideSell
	if !position.IsLong() {
		side = types.SideBuy
	}
	order := &types.Order{
		UserID:         sl.UserID,
		Symbol:         sl.Symbol,
		Side:           side,
		Type:           sl.OrderType,
		Quantity:       quantity,
		ReferencePrice: price,
		StrategyID:     position.StrategyID,
	}
	if sl.OrderType == types.OrderTypeLimit {
		order.Price = sl.LimitPrice
	}

	placed, err := m.deps.Exits.SubmitExitOrder(ctx, order)
	if err != nil {
		m.restore(sl)
		return false, err
	}

	metrics.RecordStopLoss(sl.Symbol)
	m.publish(ctx, events.New(sl.UserID, events.PriorityHigh, events.StopLossExecuted{
		Symbol:       sl.Symbol,
		TriggerPrice: sl.TriggerPrice,
		MarketPrice:  price,
		Quantity:     quantity,
		Order:        *placed,
	}))

	log.Warn().
		Str("component", "risk_monitor").
		Str("user_id", sl.UserID).
		Str("symbol", sl.Symbol).
		Float64("trigger_price", sl.TriggerPrice).
		Float64("market_price", price).
		Float64("quantity", quantity).
		Str("order_id", placed.OrderID).
		Msg("stop-loss executed")
	return true, nil
}

// claim removes sl if it is still the registered stop-loss for its symbol.
func (m *Monitor) claim(sl *StopLossOrder) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopLosses[sl.UserID][sl.Symbol] != sl {
		return false
	}
	delete(m.stopLosses[sl.UserID], sl.Symbol)
	if len(m.stopLosses[sl.UserID]) == 0 {
		delete(m.stopLosses, sl.UserID)
	}
	return true
}

// restore puts sl back unless a newer registration replaced it.
func (m *Monitor) restore(sl *StopLossOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopLosses[sl.UserID] == nil {
		m.stopLosses[sl.UserID] = make(map[string]*StopLossOrder)
	}
	if _, ok := m.stopLosses[sl.UserID][sl.Symbol]; !ok {
		m.stopLosses[sl.UserID][sl.Symbol] = sl
	}
}
