package positions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/auth"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/types"
	"github.com/ksred/klear-guard/pkg/response"
)

const flatEpsilon = 1e-9

var (
	ErrPositionNotFound = errors.New("no open position")
	ErrNoExitSubmitter  = errors.New("no exit order submitter configured")
)

// PriceSource supplies marks for open positions.
type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

// ExitOrderSubmitter sends reduce-only orders that close or shrink a
// position. The order executor implements it.
type ExitOrderSubmitter interface {
	SubmitExitOrder(ctx context.Context, order *types.Order) (*types.Order, error)
}

// Fill is one execution to net into a position.
type Fill struct {
	UserID     string
	Symbol     string
	Side       types.OrderSide
	Quantity   float64
	Price      float64
	Commission float64
	StrategyID *string
}

// Manager nets fills into positions, values accounts and closes positions
// through the executor.
type Manager struct {
	db     *Database
	prices PriceSource
	exits  ExitOrderSubmitter
	now    func() time.Time
}

func NewManager(gormDB *gorm.DB, prices PriceSource) *Manager {
	return &Manager{
		db:     NewDatabase(gormDB),
		prices: prices,
		now:    time.Now,
	}
}

// SetExitSubmitter wires the executor after both sides are constructed.
func (m *Manager) SetExitSubmitter(s ExitOrderSubmitter) {
	m.exits = s
}

// SetClock replaces the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// EnsureAccount creates the account with initialCash if it does not exist
func (m *Manager) EnsureAccount(ctx context.Context, userID string, initialCash float64) (*types.Account, error) {
	account, err := m.db.GetAccount(userID)
	if err != nil {
		return nil, tradeerrors.Persistence("positions", "ensure_account", err)
	}
	if account != nil {
		return account, nil
	}

	now := m.now()
	account = &types.Account{
		UserID:        userID,
		Cash:          initialCash,
		PeakValue:     initialCash,
		DayStartValue: initialCash,
		DayStart:      startOfDay(now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.db.CreateAccount(account); err != nil {
		return nil, tradeerrors.Persistence("positions", "ensure_account", err)
	}

	log.Info().
		Str("component", "positions").
		Str("user_id", userID).
		Float64("initial_cash", initialCash).
		Msg("created account")
	return account, nil
}

// ApplyFill nets a fill into the user's position for the symbol and moves
// cash. Fills that reduce a position realize P&L against the average price;
// a fill larger than the position flips it and opens the remainder at the
// fill price.
func (m *Manager) ApplyFill(ctx context.Context, fill Fill) (*types.Position, error) {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return nil, tradeerrors.Validation("positions", "apply_fill",
			fmt.Sprintf("invalid fill %f @ %f", fill.Quantity, fill.Price))
	}
	symbol := strings.ToUpper(fill.Symbol)

	logger := log.With().
		Str("component", "positions").
		Str("user_id", fill.UserID).
		Str("symbol", symbol).
		Str("side", string(fill.Side)).
		Float64("quantity", fill.Quantity).
		Float64("price", fill.Price).
		Logger()

	signed := fill.Quantity
	if fill.Side == types.SideSell {
		signed = -fill.Quantity
	}

	var realized float64
	position, err := m.db.ApplyFill(fill.UserID, symbol, func(pos *types.Position, acct *types.Account) error {
		old := pos.Quantity
		next := old + signed

		switch {
		case math.Abs(old) <= flatEpsilon || sameSign(old, signed):
			// Opening or adding
			pos.AveragePrice = (math.Abs(old)*pos.AveragePrice + fill.Quantity*fill.Price) / math.Abs(next)
		case math.Abs(signed) <= math.Abs(old)+flatEpsilon:
			// Reducing
			realized = (fill.Price - pos.AveragePrice) * fill.Quantity * sign(old)
		default:
			// Flipping through flat
			realized = (fill.Price - pos.AveragePrice) * math.Abs(old) * sign(old)
			pos.AveragePrice = fill.Price
		}

		if math.Abs(next) <= flatEpsilon {
			next = 0
		}
		pos.Quantity = next
		pos.RealizedPnL += realized
		pos.CurrentPrice = fill.Price
		if fill.StrategyID != nil {
			pos.StrategyID = fill.StrategyID
		}
		pos.UpdatedAt = m.now()

		acct.Cash -= signed*fill.Price + fill.Commission
		acct.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to apply fill")
		return nil, tradeerrors.Persistence("positions", "apply_fill", err)
	}

	logger.Info().
		Float64("net_quantity", position.Quantity).
		Float64("average_price", position.AveragePrice).
		Float64("realized_pnl", realized).
		Msg("applied fill to position")

	return position, nil
}

// GetUserPositions returns the user's open positions marked to the latest
// known prices.
func (m *Manager) GetUserPositions(ctx context.Context, userID string) ([]types.Position, error) {
	positions, err := m.db.GetOpenPositions(userID)
	if err != nil {
		return nil, tradeerrors.Persistence("positions", "get_user_positions", err)
	}
	for i := range positions {
		m.mark(&positions[i])
	}
	return positions, nil
}

// GetPosition returns the open position in symbol, or ErrPositionNotFound
func (m *Manager) GetPosition(ctx context.Context, userID, symbol string) (*types.Position, error) {
	position, err := m.db.GetPosition(userID, strings.ToUpper(symbol))
	if err != nil {
		return nil, tradeerrors.Persistence("positions", "get_position", err)
	}
	if position == nil || !position.IsOpen() {
		return nil, ErrPositionNotFound
	}
	m.mark(position)
	return position, nil
}

// ClosePosition submits an opposing reduce-only order for the full open
// quantity: LIMIT at limitPrice when given, MARKET otherwise.
func (m *Manager) ClosePosition(ctx context.Context, userID, symbol string, limitPrice *float64) (*types.Order, error) {
	if m.exits == nil {
		return nil, ErrNoExitSubmitter
	}
	position, err := m.GetPosition(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}

	side := types.SideSell
	if !position.IsLong() {
		side = types.SideBuy
	}
	order := &types.Order{
		UserID:         userID,
		Symbol:         position.Symbol,
		Type:           types.OrderTypeMarket,
		Side:           side,
		Quantity:       math.Abs(position.Quantity),
		ReferencePrice: position.MarketPrice(),
		StrategyID:     position.StrategyID,
	}
	if limitPrice != nil {
		order.Type = types.OrderTypeLimit
		order.Price = limitPrice
	}

	log.Info().
		Str("component", "positions").
		Str("user_id", userID).
		Str("symbol", position.Symbol).
		Str("side", string(side)).
		Float64("quantity", order.Quantity).
		Msg("closing position")

	return m.exits.SubmitExitOrder(ctx, order)
}

// Valuate marks the account to market. It advances the high-water mark and
// rolls the day-start value at the first valuation of a new day.
func (m *Manager) Valuate(ctx context.Context, userID string) (*types.PortfolioValuation, error) {
	account, err := m.db.GetAccount(userID)
	if err != nil {
		return nil, tradeerrors.Persistence("positions", "valuate", err)
	}
	if account == nil {
		account = &types.Account{UserID: userID}
	}
	positions, err := m.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	valuation := &types.PortfolioValuation{
		UserID:   userID,
		Cash:     account.Cash,
		ValuedAt: now,
	}
	for i := range positions {
		valuation.PositionsValue += positions[i].SignedValue()
		valuation.GrossExposure += positions[i].MarketValue()
	}
	valuation.PortfolioValue = valuation.Cash + valuation.PositionsValue

	dirty := false
	if valuation.PortfolioValue > account.PeakValue {
		account.PeakValue = valuation.PortfolioValue
		dirty = true
	}
	if today := startOfDay(now); account.DayStart.Before(today) {
		account.DayStart = today
		account.DayStartValue = valuation.PortfolioValue
		dirty = true
	}
	if dirty && account.ID != 0 {
		account.UpdatedAt = now
		if err := m.db.UpdateAccount(account); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to persist account marks")
		}
	}

	valuation.PeakValue = account.PeakValue
	valuation.DayStartValue = account.DayStartValue
	valuation.DailyPnL = valuation.PortfolioValue - account.DayStartValue
	if account.PeakValue > 0 && valuation.PortfolioValue < account.PeakValue {
		valuation.DrawdownPercent = (account.PeakValue - valuation.PortfolioValue) / account.PeakValue * 100
	}
	return valuation, nil
}

// ListActiveUsers returns users with open positions or active orders
func (m *Manager) ListActiveUsers(ctx context.Context) ([]string, error) {
	users, err := m.db.GetActiveUsers()
	if err != nil {
		return nil, tradeerrors.Persistence("positions", "list_active_users", err)
	}
	return users, nil
}

func (m *Manager) mark(p *types.Position) {
	if m.prices == nil {
		return
	}
	if price, ok := m.prices.GetPrice(p.Symbol); ok {
		p.CurrentPrice = price
	}
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	manager *Manager
}

func NewGinHandlers(manager *Manager) *GinHandlers {
	return &GinHandlers{manager: manager}
}

// GetPositionsHandler lists the caller's open positions
func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.manager.GetUserPositions(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, positions, err)
	}
}

// GetValuationHandler returns the caller's account valuation
func (h *GinHandlers) GetValuationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		valuation, err := h.manager.Valuate(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, valuation, err)
	}
}

// ClosePositionHandler closes the caller's position in :symbol
// Optional body: {"limit_price": 123.45}
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			LimitPrice *float64 `json:"limit_price"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		order, err := h.manager.ClosePosition(c.Request.Context(), auth.GetUserID(c), c.Param("symbol"), req.LimitPrice)
		if errors.Is(err, ErrPositionNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}
