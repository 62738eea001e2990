package emergency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-guard/internal/config"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/types"
)

const (
	DefaultHistorySize = 100
	DefaultConcurrency = 16
)

type Scope string

const (
	ScopeUser     Scope = "USER"
	ScopeStrategy Scope = "STRATEGY"
	ScopeSymbol   Scope = "SYMBOL"
	ScopeSystem   Scope = "SYSTEM"
)

// OrderService cancels working orders.
type OrderService interface {
	GetActiveOrders(ctx context.Context, userID string) ([]types.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (*types.Order, error)
}

// StrategyManager pauses strategies.
type StrategyManager interface {
	GetUserStrategies(ctx context.Context, userID string) ([]types.Strategy, error)
	PauseStrategy(ctx context.Context, strategyID, reason string) error
}

// PositionManager closes open positions.
type PositionManager interface {
	GetUserPositions(ctx context.Context, userID string) ([]types.Position, error)
	ClosePosition(ctx context.Context, userID, symbol string, limitPrice *float64) (*types.Order, error)
}

type Request struct {
	RequestID       string    `json:"request_id"`
	UserID          string    `json:"user_id"`
	Scope           Scope     `json:"scope"`
	TargetID        string    `json:"target_id,omitempty"`
	Reason          string    `json:"reason"`
	CancelOrders    bool      `json:"cancel_orders"`
	PauseStrategies bool      `json:"pause_strategies"`
	ClosePositions  bool      `json:"close_positions"`
	RequestedAt     time.Time `json:"requested_at"`
}

// Result reports every sub-action of one stop. Success is true exactly when
// Errors is empty.
type Result struct {
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user_id"`
	Scope            Scope     `json:"scope"`
	TargetID         string    `json:"target_id,omitempty"`
	Reason           string    `json:"reason"`
	Success          bool      `json:"success"`
	OrdersCancelled  int       `json:"orders_cancelled"`
	StrategiesPaused int       `json:"strategies_paused"`
	PositionsClosed  int       `json:"positions_closed"`
	Errors           []string  `json:"errors"`
	ExecutionTimeMs  int64     `json:"execution_time_ms"`
	CompletedAt      time.Time `json:"completed_at"`
}

// System runs scoped emergency stops against the order, strategy and
// position collaborators.
type System struct {
	orders     OrderService
	strategies StrategyManager
	positions  PositionManager
	events     events.Publisher
	cfg        config.EmergencyConfig

	mu      sync.Mutex
	history []Result
	next    int
	full    bool
	active  map[string]Request

	now func() time.Time
}

func NewSystem(orders OrderService, strategies StrategyManager, positions PositionManager, publisher events.Publisher, cfg config.EmergencyConfig) *System {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &System{
		orders:     orders,
		strategies: strategies,
		positions:  positions,
		events:     publisher,
		cfg:        cfg,
		history:    make([]Result, cfg.HistorySize),
		active:     make(map[string]Request),
		now:        time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (s *System) SetClock(now func() time.Time) {
	s.now = now
}

// ExecuteEmergencyStop runs the actions the request enables for its scope.
// Sub-action failures are collected; the call never aborts part way.
func (s *System) ExecuteEmergencyStop(ctx context.Context, req Request) *Result {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = fmt.Sprintf("EST_%s", uuid.New().String())
	}
	req.Scope = Scope(strings.ToUpper(string(req.Scope)))
	req.RequestedAt = s.now()

	logger := log.With().
		Str("component", "emergency").
		Str("request_id", req.RequestID).
		Str("user_id", req.UserID).
		Str("scope", string(req.Scope)).
		Str("target_id", req.TargetID).
		Logger()
	logger.Warn().Str("reason", req.Reason).Msg("emergency stop requested")

	s.mu.Lock()
	s.active[req.RequestID] = req
	s.mu.Unlock()

	result := &Result{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Scope:     req.Scope,
		TargetID:  req.TargetID,
		Reason:    req.Reason,
		Errors:    []string{},
	}
	run := &execution{system: s, req: req, result: result, logger: logger}

	if err := validate(req); err != nil {
		run.fail(err.Error())
	} else {
		if req.Scope == ScopeSystem {
			// only the requesting user's books are stopped
			logger.Warn().Msg("system scope stops the requesting user only")
		}
		run.execute(ctx)
	}

	result.Success = len(result.Errors) == 0
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	result.CompletedAt = s.now()

	s.mu.Lock()
	delete(s.active, req.RequestID)
	s.record(*result)
	s.mu.Unlock()

	metrics.RecordEmergencyStop(string(req.Scope), result.Success, time.Since(start).Seconds())
	if s.events != nil {
		s.events.Publish(ctx, events.New(req.UserID, events.PriorityCritical, events.EmergencyStopCompleted{
			RequestID:        result.RequestID,
			Scope:            string(result.Scope),
			TargetID:         result.TargetID,
			Reason:           result.Reason,
			Success:          result.Success,
			OrdersCancelled:  result.OrdersCancelled,
			StrategiesPaused: result.StrategiesPaused,
			PositionsClosed:  result.PositionsClosed,
			Errors:           result.Errors,
			ExecutionTimeMs:  result.ExecutionTimeMs,
		}))
	}

	event := logger.Info()
	if !result.Success {
		event = logger.Error().Strs("errors", result.Errors)
	}
	event.
		Int("orders_cancelled", result.OrdersCancelled).
		Int("strategies_paused", result.StrategiesPaused).
		Int("positions_closed", result.PositionsClosed).
		Int64("execution_time_ms", result.ExecutionTimeMs).
		Msg("emergency stop completed")

	return result
}

// PanicStop cancels, pauses and closes everything the user has.
func (s *System) PanicStop(ctx context.Context, userID, reason string) *Result {
	return s.ExecuteEmergencyStop(ctx, Request{
		UserID:          userID,
		Scope:           ScopeUser,
		Reason:          reason,
		CancelOrders:    true,
		PauseStrategies: true,
		ClosePositions:  true,
	})
}

// StopStrategy cancels the strategy's orders and pauses it, optionally
// closing the positions it opened.
func (s *System) StopStrategy(ctx context.Context, userID, strategyID, reason string, closePositions bool) *Result {
	return s.ExecuteEmergencyStop(ctx, Request{
		UserID:          userID,
		Scope:           ScopeStrategy,
		TargetID:        strategyID,
		Reason:          reason,
		CancelOrders:    true,
		PauseStrategies: true,
		ClosePositions:  closePositions,
	})
}

// History returns up to limit completed stops, newest first.
func (s *System) History(limit int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = len(s.history)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Result, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + len(s.history)) % len(s.history)
		out = append(out, s.history[idx])
	}
	return out
}

// ActiveStops returns the stops still in flight.
func (s *System) ActiveStops() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0, len(s.active))
	for _, req := range s.active {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// record must be called with s.mu held.
func (s *System) record(r Result) {
	s.history[s.next] = r
	s.next = (s.next + 1) % len(s.history)
	if s.next == 0 {
		s.full = true
	}
}

func validate(req Request) error {
	if req.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	switch req.Scope {
	case ScopeUser, ScopeSystem:
	case ScopeStrategy, ScopeSymbol:
		if req.TargetID == "" {
			return fmt.Errorf("%s scope requires a target id", strings.ToLower(string(req.Scope)))
		}
	default:
		return fmt.Errorf("unknown scope %q", req.Scope)
	}
	return nil
}

// execution is the state of one stop while its sub-actions fan out.
type execution struct {
	system *System
	req    Request
	logger zerolog.Logger

	mu     sync.Mutex
	result *Result
}

func (e *execution) fail(msg string) {
	e.mu.Lock()
	e.result.Errors = append(e.result.Errors, msg)
	e.mu.Unlock()
}

func (e *execution) execute(ctx context.Context) {
	s := e.system
	if e.req.CancelOrders {
		e.cancelOrders(ctx)
	}
	if e.req.PauseStrategies {
		if s.strategies == nil {
			e.fail("pause strategies: no strategy manager configured")
		} else {
			e.pauseStrategies(ctx)
		}
	}
	if e.req.ClosePositions {
		if s.positions == nil {
			e.fail("close positions: no position manager configured")
		} else {
			e.closePositions(ctx)
		}
	}
}

func (e *execution) cancelOrders(ctx context.Context) {
	orders, err := e.system.orders.GetActiveOrders(ctx, e.req.UserID)
	if err != nil {
		e.fail(fmt.Sprintf("list active orders: %v", err))
		return
	}

	reason := "emergency stop: " + e.req.Reason
	e.fanOut(ctx, len(orders), func(i int) {
		o := orders[i]
		if !e.matchesOrder(o) {
			return
		}
		if _, err := e.system.orders.CancelOrder(ctx, o.OrderID, reason); err != nil {
			e.fail(fmt.Sprintf("cancel order %s: %v", o.OrderID, err))
			return
		}
		e.mu.Lock()
		e.result.OrdersCancelled++
		e.mu.Unlock()
	})
}

func (e *execution) pauseStrategies(ctx context.Context) {
	strategies, err := e.system.strategies.GetUserStrategies(ctx, e.req.UserID)
	if err != nil {
		e.fail(fmt.Sprintf("list strategies: %v", err))
		return
	}

	reason := "emergency stop: " + e.req.Reason
	e.fanOut(ctx, len(strategies), func(i int) {
		st := strategies[i]
		if st.Status != types.StrategyActive || !e.matchesStrategy(st) {
			return
		}
		if err := e.system.strategies.PauseStrategy(ctx, st.StrategyID, reason); err != nil {
			e.fail(fmt.Sprintf("pause strategy %s: %v", st.StrategyID, err))
			return
		}
		e.mu.Lock()
		e.result.StrategiesPaused++
		e.mu.Unlock()
	})
}

func (e *execution) closePositions(ctx context.Context) {
	positions, err := e.system.positions.GetUserPositions(ctx, e.req.UserID)
	if err != nil {
		e.fail(fmt.Sprintf("list positions: %v", err))
		return
	}

	e.fanOut(ctx, len(positions), func(i int) {
		p := positions[i]
		if !p.IsOpen() || !e.matchesPosition(p) {
			return
		}
		if _, err := e.system.positions.ClosePosition(ctx, e.req.UserID, p.Symbol, nil); err != nil {
			e.fail(fmt.Sprintf("close position %s: %v", p.Symbol, err))
			return
		}
		e.mu.Lock()
		e.result.PositionsClosed++
		e.mu.Unlock()
	})
}

// fanOut runs fn for every index with at most cfg.Concurrency in flight and
// waits for all of them.
func (e *execution) fanOut(ctx context.Context, n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(e.system.cfg.Concurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *execution) matchesOrder(o types.Order) bool {
	switch e.req.Scope {
	case ScopeStrategy:
		return o.StrategyID != nil && *o.StrategyID == e.req.TargetID
	case ScopeSymbol:
		return strings.EqualFold(o.Symbol, e.req.TargetID)
	}
	return true
}

func (e *execution) matchesStrategy(st types.Strategy) bool {
	switch e.req.Scope {
	case ScopeStrategy:
		return st.StrategyID == e.req.TargetID
	case ScopeSymbol:
		return st.Trades(e.req.TargetID)
	}
	return true
}

func (e *execution) matchesPosition(p types.Position) bool {
	switch e.req.Scope {
	case ScopeStrategy:
		return p.StrategyID != nil && *p.StrategyID == e.req.TargetID
	case ScopeSymbol:
		return strings.EqualFold(p.Symbol, e.req.TargetID)
	}
	return true
}
