package trading

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-guard/internal/broker"
	"github.com/ksred/klear-guard/internal/config"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/positions"
	"github.com/ksred/klear-guard/internal/types"
)

type recordingApplier struct {
	fills []positions.Fill
}

func (r *recordingApplier) ApplyFill(_ context.Context, fill positions.Fill) (*types.Position, error) {
	r.fills = append(r.fills, fill)
	return &types.Position{UserID: fill.UserID, Symbol: fill.Symbol, Quantity: fill.Quantity}, nil
}

func TestFillProcessor_PartialThenFull(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	applier := &recordingApplier{}
	fills := NewFillProcessor(h.service, applier, config.FillConfig{})
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	orderID := result.Order.OrderID
	brokerID := *result.Order.BrokerOrderID

	// nothing filled yet
	changed, err := fills.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)

	h.broker.setReport(brokerID, broker.OrderReport{
		Status:         broker.ExecPartiallyFilled,
		FilledQuantity: 30,
		AvgFillPrice:   100,
		Commission:     3,
	})
	changed, err = fills.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	order, err := h.service.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyFilled, order.Status)
	assert.Equal(t, 30.0, order.FilledQuantity)
	assert.InDelta(t, 100, *order.AvgFillPrice, 1e-9)

	h.broker.setReport(brokerID, broker.OrderReport{
		Status:         broker.ExecFilled,
		FilledQuantity: 75,
		AvgFillPrice:   101,
		Commission:     7.5,
	})
	changed, err = fills.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	order, err = h.service.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.Equal(t, 75.0, order.FilledQuantity)
	assert.InDelta(t, 101, *order.AvgFillPrice, 1e-9)
	assert.InDelta(t, 7.5, order.Commission, 1e-9)

	require.Len(t, applier.fills, 2)
	assert.Equal(t, 30.0, applier.fills[0].Quantity)
	assert.InDelta(t, 100, applier.fills[0].Price, 1e-9)
	assert.Equal(t, 45.0, applier.fills[1].Quantity)
	assert.InDelta(t, (101*75-100*30)/45.0, applier.fills[1].Price, 1e-9)
	assert.InDelta(t, 4.5, applier.fills[1].Commission, 1e-9)
	assert.Equal(t, types.SideBuy, applier.fills[1].Side)

	assert.Len(t, h.recorder.OfType(events.OrderPartiallyFilledEvent), 1)
	assert.Len(t, h.recorder.OfType(events.OrderFilledEvent), 1)

	// filled orders are no longer polled
	changed, err = fills.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestFillProcessor_BrokerSideTerminalStatus(t *testing.T) {
	tests := []struct {
		name   string
		exec   broker.ExecutionStatus
		want   types.OrderStatus
		event  events.EventType
		filled float64
	}{
		{"cancelled", broker.ExecCancelled, types.StatusCancelled, events.OrderCancelledEvent, 0},
		{"expired after partial fill", broker.ExecExpired, types.StatusExpired, events.OrderExpiredEvent, 20},
		{"rejected", broker.ExecRejected, types.StatusRejected, events.OrderRejectedEvent, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakeBroker(), nil)
			applier := &recordingApplier{}
			fills := NewFillProcessor(h.service, applier, config.FillConfig{})
			ctx := context.Background()

			result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
			require.NoError(t, err)

			report := broker.OrderReport{Status: tt.exec, Reason: "venue closed"}
			if tt.filled > 0 {
				report.FilledQuantity = tt.filled
				report.AvgFillPrice = 1500
			}
			h.broker.setReport(*result.Order.BrokerOrderID, report)

			_, err = fills.RunOnce(ctx)
			require.NoError(t, err)

			order, err := h.service.GetOrder(ctx, result.Order.OrderID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, order.Status)
			assert.Equal(t, tt.filled, order.FilledQuantity)
			assert.Len(t, h.recorder.OfType(tt.event), 1)
			assert.Len(t, applier.fills, map[bool]int{true: 1, false: 0}[tt.filled > 0])
		})
	}
}

// TestCancelOrder_AlreadyFilledAtBroker books the broker's fill instead of
// cancelling over it
func TestCancelOrder_AlreadyFilledAtBroker(t *testing.T) {
	b := newFakeBroker()
	b.cancelErr = fmt.Errorf("%w: status FILLED", broker.ErrNotCancellable)
	h := newHarness(t, b, nil)
	applier := &recordingApplier{}
	fills := NewFillProcessor(h.service, applier, config.FillConfig{})
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	h.broker.setReport(*result.Order.BrokerOrderID, broker.OrderReport{
		Status:         broker.ExecFilled,
		FilledQuantity: 75,
		AvgFillPrice:   1500,
	})

	order, err := h.service.CancelOrder(ctx, result.Order.OrderID, "emergency")
	assert.True(t, tradeerrors.Is(err, tradeerrors.CategoryValidation))
	require.NotNil(t, order)
	assert.Equal(t, types.StatusFilled, order.Status)

	stored, err := h.service.GetOrder(ctx, result.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)
	assert.Equal(t, 75.0, stored.FilledQuantity)
	require.Len(t, applier.fills, 1)
	assert.Equal(t, 75.0, applier.fills[0].Quantity)
	assert.Empty(t, h.recorder.OfType(events.OrderCancelledEvent))
	assert.Len(t, h.recorder.OfType(events.OrderFilledEvent), 1)

	// the fill is not booked twice
	changed, err := fills.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Len(t, applier.fills, 1)
}

// TestCancelOrder_CancelledAtBrokerMeanwhile accepts the broker's own cancel
func TestCancelOrder_CancelledAtBrokerMeanwhile(t *testing.T) {
	b := newFakeBroker()
	b.cancelErr = broker.ErrNotCancellable
	h := newHarness(t, b, nil)
	NewFillProcessor(h.service, &recordingApplier{}, config.FillConfig{})
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	h.broker.setReport(*result.Order.BrokerOrderID, broker.OrderReport{Status: broker.ExecCancelled})

	order, err := h.service.CancelOrder(ctx, result.Order.OrderID, "user request")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, order.Status)
}

// TestModifyOrder_QuantityMustExceedFilled keeps a partially filled order
// from being shrunk to exactly what has already executed
func TestModifyOrder_QuantityMustExceedFilled(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	fills := NewFillProcessor(h.service, &recordingApplier{}, config.FillConfig{})
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	orderID := result.Order.OrderID
	h.broker.setReport(*result.Order.BrokerOrderID, broker.OrderReport{
		Status:         broker.ExecPartiallyFilled,
		FilledQuantity: 30,
		AvgFillPrice:   1500,
	})
	_, err = fills.RunOnce(ctx)
	require.NoError(t, err)

	for _, qty := range []float64{20, 30} {
		refused, err := h.service.ModifyOrder(ctx, orderID, OrderModification{Quantity: types.Float(qty)})
		require.NoError(t, err)
		assert.False(t, refused.Success, "quantity %.0f", qty)
	}
	assert.Empty(t, h.broker.modified)

	accepted, err := h.service.ModifyOrder(ctx, orderID, OrderModification{Quantity: types.Float(31)})
	require.NoError(t, err)
	require.True(t, accepted.Success, accepted.Errors)
	assert.Equal(t, types.StatusPartiallyFilled, accepted.Order.Status)
	assert.Equal(t, 31.0, accepted.Order.Quantity)
}
