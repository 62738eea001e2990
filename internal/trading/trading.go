package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/broker"
	"github.com/ksred/klear-guard/internal/config"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/sizing"
	"github.com/ksred/klear-guard/internal/types"
)

var ErrOrderNotFound = errors.New("order not found")

// RiskGate validates orders before they reach the broker. The risk engine
// implements it.
type RiskGate interface {
	ValidateOrder(ctx context.Context, order *types.Order) (*types.RiskValidationResult, error)
	InvalidateCache(userID string)
}

type PositionSizer interface {
	CalculatePositionSize(ctx context.Context, signal *types.TradingSignal, portfolioValue float64, model string) (*sizing.PositionSizeResult, error)
}

type Portfolio interface {
	Valuate(ctx context.Context, userID string) (*types.PortfolioValuation, error)
}

// StrategyGate reports whether a strategy may still open orders.
type StrategyGate interface {
	IsTrading(ctx context.Context, strategyID string) (bool, error)
}

type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

// Dependencies are the collaborators of the order executor. Sizer,
// Portfolio, Strategies and Prices are optional.
type Dependencies struct {
	Broker     broker.Adapter
	Risk       RiskGate
	Sizer      PositionSizer
	Portfolio  Portfolio
	Strategies StrategyGate
	Prices     PriceSource
	Events     events.Publisher
}

// Service turns signals into orders, gates them through the risk engine and
// drives them through the broker.
type Service struct {
	db    *Database
	deps  Dependencies
	retry *RetryCoordinator
	fills *FillProcessor
	locks *keyedMutex
	now   func() time.Time
}

func NewService(gormDB *gorm.DB, deps Dependencies, retryCfg config.RetryConfig) *Service {
	s := &Service{
		db:    NewDatabase(gormDB),
		deps:  deps,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
	s.retry = newRetryCoordinator(s, retryCfg)
	return s
}

// SetClock replaces the time source, for tests and simulations
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Retry returns the coordinator that owns orders in ERROR
func (s *Service) Retry() *RetryCoordinator {
	return s.retry
}

func (s *Service) logger(op string) zerolog.Logger {
	return log.With().Str("component", "order_executor").Str("operation", op).Logger()
}

func (s *Service) publish(ctx context.Context, userID string, priority events.Priority, payload events.Payload) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Publish(ctx, events.New(userID, priority, payload))
}

func signalKey(signalID string) string {
	return "signal:" + signalID
}

func newOrderID() string {
	return "ORD_" + uuid.New().String()
}

// ProcessSignal converts a signal into an order at most once: validate,
// size, gate through the risk engine, persist as PENDING and submit.
func (s *Service) ProcessSignal(ctx context.Context, signal *types.TradingSignal) (*ExecutionResult, error) {
	result := &ExecutionResult{SignalID: signal.ID}
	logger := s.logger("process_signal").With().
		Str("signal_id", signal.ID).
		Str("user_id", signal.UserID).
		Str("symbol", signal.Symbol).
		Logger()

	if problems := signal.Validate(); len(problems) > 0 {
		logger.Info().Strs("problems", problems).Msg("Signal rejected")
		return result.fail(problems...), nil
	}
	now := s.now()
	if signal.IsExpired(now) {
		logger.Info().Time("expires_at", *signal.ExpiresAt).Msg("Signal expired")
		return result.fail("signal expired"), nil
	}

	key := signalKey(signal.ID)
	unlock := s.locks.Lock(key)
	defer unlock()

	record, err := s.db.GetIdempotencyRecord(key)
	if err != nil {
		return nil, tradeerrors.Persistence("trading", "process_signal", err)
	}
	if record != nil {
		if record.ExpiresAt.After(now) {
			existing, err := s.db.GetOrder(record.ResourceID)
			if err != nil {
				return nil, tradeerrors.Persistence("trading", "process_signal", err)
			}
			logger.Info().Str("order_id", record.ResourceID).Msg("Signal already processed")
			result.Duplicate = true
			result.Order = existing
			return result.fail("signal already processed"), nil
		}
		if err := s.db.DeleteIdempotencyRecord(key); err != nil {
			return nil, tradeerrors.Persistence("trading", "process_signal", err)
		}
	}

	if signal.StrategyID != nil && s.deps.Strategies != nil {
		trading, err := s.deps.Strategies.IsTrading(ctx, *signal.StrategyID)
		if err != nil {
			return nil, err
		}
		if !trading {
			logger.Info().Str("strategy_id", *signal.StrategyID).Msg("Strategy is not active")
			return result.fail(fmt.Sprintf("strategy %s is not active", *signal.StrategyID)), nil
		}
	}

	order, err := s.orderFromSignal(ctx, signal, result)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return result, nil
	}

	validation, err := s.deps.Risk.ValidateOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	result.Risk = validation
	result.Warnings = append(result.Warnings, validation.Warnings...)
	if !validation.Valid {
		logger.Info().
			Strs("violations", validation.Violations).
			Float64("risk_score", validation.RiskScore).
			Msg("Order blocked by risk engine")
		return result.fail(validation.Violations...), nil
	}

	order.OrderID = newOrderID()
	order.Status = types.StatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	if err := s.db.CreateOrderWithIdempotency(order, key, now); err != nil {
		return nil, tradeerrors.Persistence("trading", "process_signal", err)
	}
	metrics.RecordOrder(string(types.StatusPending))
	s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderCreated{Order: *order})

	logger = logger.With().Str("order_id", order.OrderID).Logger()
	logger.Info().
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Float64("reference_price", order.ReferencePrice).
		Msg("Order created")

	unlockOrder := s.locks.Lock(order.OrderID)
	defer unlockOrder()
	if err := s.submit(ctx, order, logger); err != nil {
		return nil, err
	}

	result.Order = order
	result.Success = order.Status != types.StatusRejected
	if order.Status == types.StatusRejected {
		result.Errors = append(result.Errors, order.LastError)
	}
	return result, nil
}

// orderFromSignal sizes the order. A nil order with no error means the
// signal failed a business rule recorded on result.
func (s *Service) orderFromSignal(ctx context.Context, signal *types.TradingSignal, result *ExecutionResult) (*types.Order, error) {
	price := signal.EntryPrice
	if price <= 0 && s.deps.Prices != nil {
		if p, ok := s.deps.Prices.GetPrice(signal.Symbol); ok {
			price = p
		}
	}

	var quantity float64
	if s.deps.Sizer != nil && s.deps.Portfolio != nil {
		valuation, err := s.deps.Portfolio.Valuate(ctx, signal.UserID)
		if err != nil {
			return nil, err
		}
		size, err := s.deps.Sizer.CalculatePositionSize(ctx, signal, valuation.PortfolioValue, "")
		if err != nil {
			if tradeerrors.Is(err, tradeerrors.CategoryValidation) {
				result.fail(err.Error())
				return nil, nil
			}
			return nil, err
		}
		result.Sizing = size
		result.Warnings = append(result.Warnings, size.Warnings...)
		quantity = size.RecommendedQuantity
	} else {
		quantity = math.Floor(signal.ConfidenceScore * 100)
	}

	if quantity <= 0 {
		result.fail("position size is zero")
		return nil, nil
	}

	return &types.Order{
		UserID:         signal.UserID,
		Symbol:         strings.ToUpper(signal.Symbol),
		Type:           types.OrderTypeMarket,
		Side:           signal.Side(),
		Quantity:       quantity,
		ReferencePrice: price,
		StrategyID:     signal.StrategyID,
		SignalID:       types.String(signal.ID),
	}, nil
}

// SubmitOrder persists and submits an order built outside the signal path,
// such as a stop-loss exit or a position close.
func (s *Service) SubmitOrder(ctx context.Context, order *types.Order, opts SubmitOptions) (*ExecutionResult, error) {
	result := &ExecutionResult{}
	logger := s.logger("submit_order").With().
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Bool("reduce_only", opts.ReduceOnly).
		Logger()

	order.Symbol = strings.ToUpper(order.Symbol)
	if order.ReferencePrice <= 0 && s.deps.Prices != nil {
		if p, ok := s.deps.Prices.GetPrice(order.Symbol); ok {
			order.ReferencePrice = p
		}
	}

	if opts.ReduceOnly {
		if problems := order.ValidateFields(); len(problems) > 0 {
			return result.fail(problems...), nil
		}
	} else {
		validation, err := s.deps.Risk.ValidateOrder(ctx, order)
		if err != nil {
			return nil, err
		}
		result.Risk = validation
		result.Warnings = append(result.Warnings, validation.Warnings...)
		if !validation.Valid {
			logger.Info().Strs("violations", validation.Violations).Msg("Order blocked by risk engine")
			return result.fail(validation.Violations...), nil
		}
	}

	now := s.now()
	if order.OrderID == "" {
		order.OrderID = newOrderID()
	}
	order.Status = types.StatusPending
	order.FilledQuantity = 0
	order.CreatedAt = now
	order.UpdatedAt = now
	if err := s.db.CreateOrder(order); err != nil {
		return nil, tradeerrors.Persistence("trading", "submit_order", err)
	}
	metrics.RecordOrder(string(types.StatusPending))
	s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderCreated{Order: *order})

	logger = logger.With().Str("order_id", order.OrderID).Logger()
	if opts.Reason != "" {
		logger.Info().Str("reason", opts.Reason).Msg("Submitting order")
	}

	unlock := s.locks.Lock(order.OrderID)
	defer unlock()
	if err := s.submit(ctx, order, logger); err != nil {
		return nil, err
	}

	result.Order = order
	result.Success = order.Status != types.StatusRejected
	if order.Status == types.StatusRejected {
		result.Errors = append(result.Errors, order.LastError)
	}
	return result, nil
}

// SubmitExitOrder submits a reduce-only order. A broker rejection is
// returned as an execution error so callers do not count it as closed.
func (s *Service) SubmitExitOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	result, err := s.SubmitOrder(ctx, order, SubmitOptions{ReduceOnly: true, Reason: "exit"})
	if err != nil {
		return nil, err
	}
	if result.Order == nil {
		return nil, tradeerrors.Validation("trading", "submit_exit", strings.Join(result.Errors, "; "))
	}
	if result.Order.Status == types.StatusRejected {
		return result.Order, tradeerrors.Execution("trading", "submit_exit",
			fmt.Errorf("%w: %s", broker.ErrRejected, result.Order.LastError))
	}
	return result.Order, nil
}

// submit sends the order to the broker once. The caller holds the order lock.
// Transient failures move the order to ERROR and hand it to the retry
// coordinator.
func (s *Service) submit(ctx context.Context, order *types.Order, logger zerolog.Logger) error {
	brokerErr, err := s.place(ctx, order, logger)
	if err != nil || brokerErr == nil {
		return err
	}
	if s.retry.exhausted(order) {
		s.retry.exhaust(ctx, order, logger)
		return nil
	}
	state := s.retry.Track(order)
	s.publish(ctx, order.UserID, events.PriorityHigh, events.OrderSubmissionFailed{
		Order:       *order,
		Error:       brokerErr.Error(),
		NextAttempt: state.NextAttempt,
	})
	return nil
}

// place makes one broker attempt and records the outcome on the order. It
// returns the broker error when the attempt failed transiently; err is only
// set when the store is unavailable.
func (s *Service) place(ctx context.Context, order *types.Order, logger zerolog.Logger) (brokerErr error, err error) {
	brokerID, placeErr := s.deps.Broker.PlaceOrder(ctx, broker.RequestFromOrder(order))
	now := s.now()

	switch {
	case placeErr == nil:
		if err := order.TransitionTo(types.StatusSubmitted); err != nil {
			return nil, err
		}
		order.BrokerOrderID = &brokerID
		order.SubmittedAt = &now
		order.LastError = ""
		order.UpdatedAt = now
		if err := s.db.UpdateOrder(order); err != nil {
			return nil, tradeerrors.Persistence("trading", "submit", err)
		}
		s.retry.Forget(order.OrderID)
		metrics.RecordOrder(string(types.StatusSubmitted))
		s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderSubmitted{
			Order:         *order,
			BrokerOrderID: brokerID,
			Attempt:       order.RetryCount + 1,
		})
		logger.Info().Str("broker_order_id", brokerID).Int("attempt", order.RetryCount+1).Msg("Order submitted")
		return nil, nil

	case errors.Is(placeErr, broker.ErrRejected):
		if err := order.TransitionTo(types.StatusRejected); err != nil {
			return nil, err
		}
		order.LastError = placeErr.Error()
		order.UpdatedAt = now
		if err := s.db.UpdateOrder(order); err != nil {
			return nil, tradeerrors.Persistence("trading", "submit", err)
		}
		s.retry.Forget(order.OrderID)
		metrics.RecordOrder(string(types.StatusRejected))
		s.publish(ctx, order.UserID, events.PriorityHigh, events.OrderRejected{Order: *order, Reason: placeErr.Error()})
		logger.Warn().Err(placeErr).Msg("Order rejected by broker")
		return nil, nil

	default:
		if err := order.TransitionTo(types.StatusError); err != nil {
			return nil, err
		}
		order.LastError = placeErr.Error()
		order.UpdatedAt = now
		if err := s.db.UpdateOrder(order); err != nil {
			return nil, tradeerrors.Persistence("trading", "submit", err)
		}
		metrics.RecordOrder(string(types.StatusError))
		logger.Warn().Err(placeErr).Int("retry_count", order.RetryCount).Msg("Broker submission failed")
		return tradeerrors.Execution("trading", "submit", placeErr), nil
	}
}

// CancelOrder cancels an order that has not reached a terminal state. A
// transport failure on the broker cancel still cancels locally; an order the
// broker reports as no longer cancellable is reconciled with the broker's
// view instead and the cancel is refused.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (*types.Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	logger := s.logger("cancel_order").With().Str("order_id", orderID).Logger()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, tradeerrors.Persistence("trading", "cancel_order", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if !order.Status.CanTransitionTo(types.StatusCancelled) {
		return order, tradeerrors.Validation("trading", "cancel_order",
			fmt.Sprintf("order %s cannot be cancelled from %s", orderID, order.Status))
	}

	if order.BrokerOrderID != nil && order.Status.IsActive() {
		err := s.deps.Broker.CancelOrder(ctx, *order.BrokerOrderID)
		if errors.Is(err, broker.ErrNotCancellable) {
			return s.settleUncancellable(ctx, order, logger)
		}
		if err != nil {
			logger.Warn().Err(err).Str("broker_order_id", *order.BrokerOrderID).Msg("Broker cancel failed, cancelling locally")
		}
	}

	if err := order.TransitionTo(types.StatusCancelled); err != nil {
		return order, err
	}
	order.UpdatedAt = s.now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, tradeerrors.Persistence("trading", "cancel_order", err)
	}
	s.retry.Forget(orderID)
	s.deps.Risk.InvalidateCache(order.UserID)
	metrics.RecordOrder(string(types.StatusCancelled))
	s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderCancelled{Order: *order, Reason: reason})

	logger.Info().Str("reason", reason).Msg("Order cancelled")
	return order, nil
}

// settleUncancellable books whatever the broker executed on an order it
// refused to cancel. The caller holds the order lock.
func (s *Service) settleUncancellable(ctx context.Context, order *types.Order, logger zerolog.Logger) (*types.Order, error) {
	if s.fills != nil {
		if _, err := s.fills.sync(ctx, order); err != nil {
			logger.Error().Err(err).Msg("Failed to reconcile uncancellable order")
		}
	}
	if order.Status == types.StatusCancelled {
		s.retry.Forget(order.OrderID)
		return order, nil
	}
	logger.Warn().Str("status", string(order.Status)).Msg("Broker refused cancel, order already executed")
	return order, tradeerrors.Validation("trading", "cancel_order",
		fmt.Sprintf("order %s is no longer cancellable at the broker (status %s)", order.OrderID, order.Status))
}

// ModifyOrder changes quantity or prices of an active order after
// re-validating it, and forwards the change to the broker when the order is
// already working there.
func (s *Service) ModifyOrder(ctx context.Context, orderID string, mod OrderModification) (*ExecutionResult, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	result := &ExecutionResult{}
	logger := s.logger("modify_order").With().Str("order_id", orderID).Logger()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, tradeerrors.Persistence("trading", "modify_order", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	result.Order = order
	if mod.IsEmpty() {
		return result.fail("no changes requested"), nil
	}
	if !order.Status.IsActive() {
		return result.fail(fmt.Sprintf("order %s cannot be modified in status %s", orderID, order.Status)), nil
	}
	// a working order must keep something left to fill
	if mod.Quantity != nil && *mod.Quantity <= order.FilledQuantity {
		return result.fail(fmt.Sprintf("quantity %.4f must exceed the filled quantity %.4f", *mod.Quantity, order.FilledQuantity)), nil
	}

	candidate := *order
	changes := make(map[string]interface{})
	if mod.Quantity != nil {
		candidate.Quantity = *mod.Quantity
		changes["quantity"] = *mod.Quantity
	}
	if mod.Price != nil {
		candidate.Price = mod.Price
		changes["price"] = *mod.Price
	}
	if mod.StopPrice != nil {
		candidate.StopPrice = mod.StopPrice
		changes["stop_price"] = *mod.StopPrice
	}

	validation, err := s.deps.Risk.ValidateOrder(ctx, &candidate)
	if err != nil {
		return nil, err
	}
	result.Risk = validation
	result.Warnings = append(result.Warnings, validation.Warnings...)
	if !validation.Valid {
		logger.Info().Strs("violations", validation.Violations).Msg("Modification blocked by risk engine")
		return result.fail(validation.Violations...), nil
	}

	if order.BrokerOrderID != nil && order.Status != types.StatusPending {
		err := s.deps.Broker.ModifyOrder(ctx, *order.BrokerOrderID, broker.Modification{
			Quantity:  mod.Quantity,
			Price:     mod.Price,
			StopPrice: mod.StopPrice,
		})
		if errors.Is(err, broker.ErrRejected) {
			logger.Warn().Err(err).Msg("Broker refused modification")
			return result.fail(err.Error()), nil
		}
		if err != nil {
			return nil, tradeerrors.Execution("trading", "modify_order", err)
		}
	}

	order.Quantity = candidate.Quantity
	order.Price = candidate.Price
	order.StopPrice = candidate.StopPrice
	order.UpdatedAt = s.now()
	if err := s.db.UpdateOrder(order); err != nil {
		return nil, tradeerrors.Persistence("trading", "modify_order", err)
	}
	s.deps.Risk.InvalidateCache(order.UserID)
	s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderModified{Order: *order, Changes: changes})

	logger.Info().Interface("changes", changes).Msg("Order modified")
	result.Success = true
	return result, nil
}

func (s *Service) GetOrder(_ context.Context, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, tradeerrors.Persistence("trading", "get_order", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) GetUserOrders(_ context.Context, userID string, filter OrderFilter) ([]types.Order, error) {
	orders, err := s.db.GetUserOrders(userID, filter)
	if err != nil {
		return nil, tradeerrors.Persistence("trading", "get_user_orders", err)
	}
	return orders, nil
}

// GetActiveOrders returns the user's orders that an emergency cancel has to
// reach, including those waiting for a retry.
func (s *Service) GetActiveOrders(ctx context.Context, userID string) ([]types.Order, error) {
	return s.GetUserOrders(ctx, userID, OrderFilter{Statuses: types.ActiveOrderStatuses})
}
