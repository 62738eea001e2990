package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/auth"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/types"
	"github.com/ksred/klear-guard/pkg/response"
)

var ErrStrategyNotFound = errors.New("strategy not found")

// PositionCloser closes the positions a stopped strategy opened.
type PositionCloser interface {
	GetUserPositions(ctx context.Context, userID string) ([]types.Position, error)
	ClosePosition(ctx context.Context, userID, symbol string, limitPrice *float64) (*types.Order, error)
}

// Manager keeps the strategy registry and its lifecycle state.
type Manager struct {
	db        *Database
	positions PositionCloser
}

func NewManager(gormDB *gorm.DB, positions PositionCloser) *Manager {
	return &Manager{
		db:        NewDatabase(gormDB),
		positions: positions,
	}
}

// RegisterStrategy stores a new ACTIVE strategy for its owner
func (m *Manager) RegisterStrategy(ctx context.Context, s *types.Strategy) (*types.Strategy, error) {
	if err := validateStrategy(s); err != nil {
		return nil, err
	}

	symbols := s.SymbolList()
	for i := range symbols {
		symbols[i] = strings.ToUpper(symbols[i])
	}
	s.Symbols = strings.Join(symbols, ",")
	s.StrategyID = fmt.Sprintf("STR_%s", uuid.New().String())
	s.Status = types.StrategyActive
	s.StatusReason = ""

	if err := m.db.CreateStrategy(s); err != nil {
		return nil, tradeerrors.Persistence("strategy", "register", err)
	}

	log.Info().
		Str("component", "strategy").
		Str("strategy_id", s.StrategyID).
		Str("user_id", s.UserID).
		Str("symbols", s.Symbols).
		Msg("strategy registered")
	return s, nil
}

func validateStrategy(s *types.Strategy) error {
	if s == nil {
		return tradeerrors.Configuration("strategy", "register", errors.New("strategy is required"))
	}
	if s.UserID == "" {
		return tradeerrors.Configuration("strategy", "register", errors.New("user_id is required"))
	}
	if strings.TrimSpace(s.Name) == "" {
		return tradeerrors.Configuration("strategy", "register", errors.New("name is required"))
	}
	if len(s.SymbolList()) == 0 {
		return tradeerrors.Configuration("strategy", "register", errors.New("at least one symbol is required"))
	}
	return nil
}

// PauseStrategy stops a strategy from trading until it is resumed
func (m *Manager) PauseStrategy(ctx context.Context, strategyID, reason string) error {
	return m.transition(strategyID, "pause", types.StrategyPaused, reason)
}

// ResumeStrategy lets a paused strategy trade again
func (m *Manager) ResumeStrategy(ctx context.Context, strategyID string) error {
	return m.transition(strategyID, "resume", types.StrategyActive, "")
}

// StopStrategy retires a strategy; with closePositions every position it
// opened is closed through the position manager.
func (m *Manager) StopStrategy(ctx context.Context, strategyID string, closePositions bool) (int, error) {
	s, err := m.load(strategyID, "stop")
	if err != nil {
		return 0, err
	}
	if s.Status != types.StrategyStopped {
		if err := m.transition(strategyID, "stop", types.StrategyStopped, "stopped"); err != nil {
			return 0, err
		}
	}
	if !closePositions {
		return 0, nil
	}
	if m.positions == nil {
		return 0, tradeerrors.Configuration("strategy", "stop", errors.New("no position manager configured"))
	}

	open, err := m.positions.GetUserPositions(ctx, s.UserID)
	if err != nil {
		return 0, err
	}
	closed := 0
	var errs []string
	for _, p := range open {
		if p.StrategyID == nil || *p.StrategyID != strategyID {
			continue
		}
		if _, err := m.positions.ClosePosition(ctx, s.UserID, p.Symbol, nil); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p.Symbol, err))
			continue
		}
		closed++
	}
	if len(errs) > 0 {
		return closed, tradeerrors.Wrap(errors.New(strings.Join(errs, "; ")), tradeerrors.CategoryPartialFailure, "strategy", "stop")
	}
	return closed, nil
}

func (m *Manager) transition(strategyID, op string, to types.StrategyStatus, reason string) error {
	s, err := m.load(strategyID, op)
	if err != nil {
		return err
	}
	if s.Status == to {
		return nil
	}
	if s.Status == types.StrategyStopped {
		return tradeerrors.Validation("strategy", op, fmt.Sprintf("strategy %s is stopped", strategyID))
	}

	from := s.Status
	s.Status = to
	s.StatusReason = reason
	if err := m.db.UpdateStrategy(s); err != nil {
		return tradeerrors.Persistence("strategy", op, err)
	}

	log.Info().
		Str("component", "strategy").
		Str("strategy_id", strategyID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("strategy status changed")
	return nil
}

func (m *Manager) load(strategyID, op string) (*types.Strategy, error) {
	s, err := m.db.GetStrategy(strategyID)
	if err != nil {
		return nil, tradeerrors.Persistence("strategy", op, err)
	}
	if s == nil {
		return nil, ErrStrategyNotFound
	}
	return s, nil
}

func (m *Manager) GetUserStrategies(ctx context.Context, userID string) ([]types.Strategy, error) {
	strategies, err := m.db.GetUserStrategies(userID)
	if err != nil {
		return nil, tradeerrors.Persistence("strategy", "list", err)
	}
	return strategies, nil
}

func (m *Manager) GetStrategyStatus(ctx context.Context, strategyID string) (*types.Strategy, error) {
	return m.load(strategyID, "status")
}

// IsTrading reports whether signals from the strategy may be executed.
// Unknown strategies never trade.
func (m *Manager) IsTrading(ctx context.Context, strategyID string) (bool, error) {
	s, err := m.db.GetStrategy(strategyID)
	if err != nil {
		return false, tradeerrors.Persistence("strategy", "is_trading", err)
	}
	return s != nil && s.Status == types.StrategyActive, nil
}

// GinHandlers contains HTTP handlers for strategy endpoints
type GinHandlers struct {
	manager *Manager
}

func NewGinHandlers(manager *Manager) *GinHandlers {
	return &GinHandlers{manager: manager}
}

// RegisterStrategyHandler handles POST requests creating a strategy
func (h *GinHandlers) RegisterStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name    string   `json:"name"`
			Symbols []string `json:"symbols"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		s, err := h.manager.RegisterStrategy(c.Request.Context(), &types.Strategy{
			UserID:  auth.GetUserID(c),
			Name:    req.Name,
			Symbols: strings.Join(req.Symbols, ","),
		})
		response.Handle(c, s, err)
	}
}

// GetStrategiesHandler lists the caller's strategies
func (h *GinHandlers) GetStrategiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategies, err := h.manager.GetUserStrategies(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, strategies, err)
	}
}

// GetStrategyHandler returns one of the caller's strategies
func (h *GinHandlers) GetStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		response.Success(c, s)
	}
}

// PauseStrategyHandler pauses :strategy_id. Optional body: {"reason": "..."}
func (h *GinHandlers) PauseStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "paused by user"
		}
		err := h.manager.PauseStrategy(c.Request.Context(), s.StrategyID, req.Reason)
		h.respond(c, s.StrategyID, err)
	}
}

// ResumeStrategyHandler resumes :strategy_id
func (h *GinHandlers) ResumeStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		err := h.manager.ResumeStrategy(c.Request.Context(), s.StrategyID)
		h.respond(c, s.StrategyID, err)
	}
}

// StopStrategyHandler stops :strategy_id
// Query parameter: close_positions=true
func (h *GinHandlers) StopStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := h.owned(c)
		if !ok {
			return
		}
		closed, err := h.manager.StopStrategy(c.Request.Context(), s.StrategyID, c.Query("close_positions") == "true")
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"strategy_id": s.StrategyID, "positions_closed": closed})
	}
}

func (h *GinHandlers) respond(c *gin.Context, strategyID string, err error) {
	if err != nil {
		response.Handle(c, nil, err)
		return
	}
	s, err := h.manager.GetStrategyStatus(c.Request.Context(), strategyID)
	response.Handle(c, s, err)
}

func (h *GinHandlers) owned(c *gin.Context) (*types.Strategy, bool) {
	s, err := h.manager.GetStrategyStatus(c.Request.Context(), c.Param("strategy_id"))
	if errors.Is(err, ErrStrategyNotFound) || (err == nil && s.UserID != auth.GetUserID(c)) {
		response.NotFound(c, "Strategy not found")
		return nil, false
	}
	if err != nil {
		response.Handle(c, nil, err)
		return nil, false
	}
	return s, true
}
