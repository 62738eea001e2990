package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-guard/internal/broker"
	"github.com/ksred/klear-guard/internal/config"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/positions"
	"github.com/ksred/klear-guard/internal/types"
)

const fillEpsilon = 1e-9

// FillApplier nets executions into positions. The position manager
// implements it.
type FillApplier interface {
	ApplyFill(ctx context.Context, fill positions.Fill) (*types.Position, error)
}

// FillProcessor polls the broker for working orders and moves them through
// PARTIALLY_FILLED and FILLED, or to the broker's terminal status.
type FillProcessor struct {
	service   *Service
	positions FillApplier
	interval  time.Duration
}

func NewFillProcessor(service *Service, applier FillApplier, cfg config.FillConfig) *FillProcessor {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := &FillProcessor{
		service:   service,
		positions: applier,
		interval:  interval,
	}
	service.fills = p
	return p
}

// Start begins the fill processing loop
func (p *FillProcessor) Start(ctx context.Context) {
	logger := log.With().Str("component", "fill_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting fill processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down fill processor")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process fills")
			}
		}
	}
}

// RunOnce reconciles every working order with the broker and returns how
// many orders changed.
func (p *FillProcessor) RunOnce(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "fill_processor").Logger()

	orders, err := p.service.db.GetOrdersByStatus(types.StatusSubmitted, types.StatusPartiallyFilled)
	if err != nil {
		return 0, tradeerrors.Persistence("fills", "run", err)
	}
	if len(orders) > 0 {
		logger.Debug().Int("working_count", len(orders)).Msg("processing working orders")
	}

	changed := 0
	for _, order := range orders {
		ok, err := p.reconcile(ctx, order.OrderID)
		if err != nil {
			logger.Error().
				Err(err).
				Str("order_id", order.OrderID).
				Msg("failed to reconcile order")
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (p *FillProcessor) reconcile(ctx context.Context, orderID string) (bool, error) {
	s := p.service
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return false, err
	}
	// cancelled or modified away while waiting for the lock
	if order == nil || order.BrokerOrderID == nil || !order.Status.IsActive() {
		return false, nil
	}
	return p.sync(ctx, order)
}

// sync applies the broker's report for order. The caller holds the order
// lock.
func (p *FillProcessor) sync(ctx context.Context, order *types.Order) (bool, error) {
	s := p.service
	logger := log.With().
		Str("component", "fill_processor").
		Str("order_id", order.OrderID).
		Str("broker_order_id", *order.BrokerOrderID).
		Logger()

	report, err := s.deps.Broker.GetOrderStatus(ctx, *order.BrokerOrderID)
	if err != nil {
		return false, err
	}

	changed := false
	if report.FilledQuantity > order.FilledQuantity+fillEpsilon {
		if err := p.applyFill(ctx, order, report, logger); err != nil {
			return false, err
		}
		changed = true
	}

	var next types.OrderStatus
	switch report.Status {
	case broker.ExecCancelled:
		next = types.StatusCancelled
	case broker.ExecExpired:
		next = types.StatusExpired
	case broker.ExecRejected:
		next = types.StatusRejected
	default:
		return changed, nil
	}
	if order.Status.IsTerminal() || !order.Status.CanTransitionTo(next) {
		return changed, nil
	}

	if err := order.TransitionTo(next); err != nil {
		return changed, err
	}
	order.LastError = report.Reason
	order.UpdatedAt = s.now()
	if err := s.db.UpdateOrder(order); err != nil {
		return changed, err
	}
	s.deps.Risk.InvalidateCache(order.UserID)
	metrics.RecordOrder(string(next))

	switch next {
	case types.StatusCancelled:
		s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderCancelled{Order: *order, Reason: "cancelled by broker"})
	case types.StatusExpired:
		s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderExpired{Order: *order})
	case types.StatusRejected:
		s.publish(ctx, order.UserID, events.PriorityHigh, events.OrderRejected{Order: *order, Reason: report.Reason})
	}
	logger.Info().Str("status", string(next)).Msg("order closed by broker")
	return true, nil
}

// applyFill books the part of the broker's cumulative fill not yet recorded
// on the order, then nets it into the position.
func (p *FillProcessor) applyFill(ctx context.Context, order *types.Order, report *broker.OrderReport, logger zerolog.Logger) error {
	s := p.service

	prevNotional := 0.0
	if order.AvgFillPrice != nil {
		prevNotional = *order.AvgFillPrice * order.FilledQuantity
	}
	qty := report.FilledQuantity - order.FilledQuantity
	if qty > order.RemainingQuantity() {
		qty = order.RemainingQuantity()
	}
	price := (report.AvgFillPrice*report.FilledQuantity - prevNotional) / qty
	commission := report.Commission - order.Commission
	if commission < 0 {
		commission = 0
	}

	if err := order.ApplyFill(qty, price, commission); err != nil {
		return err
	}
	order.UpdatedAt = s.now()
	if err := s.db.UpdateOrder(order); err != nil {
		return err
	}
	metrics.RecordOrder(string(order.Status))

	if p.positions != nil {
		_, err := p.positions.ApplyFill(ctx, positions.Fill{
			UserID:     order.UserID,
			Symbol:     order.Symbol,
			Side:       order.Side,
			Quantity:   qty,
			Price:      price,
			Commission: commission,
			StrategyID: order.StrategyID,
		})
		if err != nil {
			// the order already carries the fill; the position must be
			// repaired from the order history
			logger.Error().Err(err).Float64("quantity", qty).Msg("failed to apply fill to position")
		}
	}
	s.deps.Risk.InvalidateCache(order.UserID)

	if order.Status == types.StatusFilled {
		s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderFilled{Order: *order, FillQuantity: qty, FillPrice: price})
	} else {
		s.publish(ctx, order.UserID, events.PriorityNormal, events.OrderPartiallyFilled{Order: *order, FillQuantity: qty, FillPrice: price})
	}

	logger.Info().
		Float64("fill_quantity", qty).
		Float64("fill_price", price).
		Float64("filled_quantity", order.FilledQuantity).
		Str("status", string(order.Status)).
		Msg("fill applied")
	return nil
}
