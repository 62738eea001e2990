package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_TerminalStatesHaveNoTransitions(t *testing.T) {
	all := []OrderStatus{
		StatusPending, StatusSubmitted, StatusPartiallyFilled, StatusFilled,
		StatusCancelled, StatusRejected, StatusExpired, StatusError,
	}
	for _, from := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected, StatusExpired} {
		for _, to := range all {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s must be illegal", from, to)
		}
	}
}

func TestOrderStatus_FilledRequiresSubmitted(t *testing.T) {
	assert.False(t, StatusPending.CanTransitionTo(StatusFilled))
	assert.False(t, StatusError.CanTransitionTo(StatusFilled))
	assert.True(t, StatusSubmitted.CanTransitionTo(StatusFilled))
	assert.True(t, StatusPartiallyFilled.CanTransitionTo(StatusFilled))
}

func TestOrder_ApplyFill_PartialThenFull(t *testing.T) {
	order := &Order{Quantity: 100, Status: StatusSubmitted}

	require.NoError(t, order.ApplyFill(40, 10, 0.4))
	assert.Equal(t, StatusPartiallyFilled, order.Status)
	assert.Equal(t, 40.0, order.FilledQuantity)
	assert.Equal(t, 10.0, *order.AvgFillPrice)

	require.NoError(t, order.ApplyFill(60, 20, 1.2))
	assert.Equal(t, StatusFilled, order.Status)
	assert.Equal(t, 100.0, order.FilledQuantity)
	assert.InDelta(t, 16.0, *order.AvgFillPrice, 1e-9)
	assert.InDelta(t, 1.6, order.Commission, 1e-9)
}

func TestOrder_ApplyFill_RejectsOverfill(t *testing.T) {
	order := &Order{Quantity: 10, Status: StatusSubmitted}

	err := order.ApplyFill(11, 10, 0)
	assert.ErrorIs(t, err, ErrOverfill)
	assert.Equal(t, 0.0, order.FilledQuantity)
	assert.Equal(t, StatusSubmitted, order.Status)
}

func TestOrder_ApplyFill_BeforeSubmission(t *testing.T) {
	order := &Order{Quantity: 10, Status: StatusPending}

	err := order.ApplyFill(5, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0.0, order.FilledQuantity)
}

func TestOrder_ValidateFields(t *testing.T) {
	tests := []struct {
		name    string
		order   Order
		problem string
	}{
		{"limit without price", Order{UserID: "u", Symbol: "AAPL", Side: SideBuy, Type: OrderTypeLimit, Quantity: 1}, "LIMIT order requires a price"},
		{"stop without stop price", Order{UserID: "u", Symbol: "AAPL", Side: SideSell, Type: OrderTypeStopLoss, Quantity: 1}, "STOP_LOSS order requires a stop price"},
		{"zero quantity", Order{UserID: "u", Symbol: "AAPL", Side: SideBuy, Type: OrderTypeMarket}, "quantity must be greater than zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.order.ValidateFields(), tt.problem)
		})
	}

	ok := Order{UserID: "u", Symbol: "AAPL", Side: SideBuy, Type: OrderTypeStopLimit, Quantity: 1, Price: Float(10), StopPrice: Float(9)}
	assert.Empty(t, ok.ValidateFields())
}

func TestTradingSignal_Validate(t *testing.T) {
	signal := TradingSignal{ID: "s1", UserID: "u1", Symbol: "AAPL", SignalType: SignalHold, ConfidenceScore: 1.2}
	problems := signal.Validate()
	assert.Contains(t, problems, "HOLD signals do not produce orders")
	assert.Len(t, problems, 2)

	expired := time.Now().Add(-time.Minute)
	signal = TradingSignal{ID: "s1", UserID: "u1", Symbol: "AAPL", SignalType: SignalBuy, ConfidenceScore: 0.5, ExpiresAt: &expired}
	assert.Empty(t, signal.Validate())
	assert.True(t, signal.IsExpired(time.Now()))
}

func TestRiskParameters_Validate(t *testing.T) {
	params := DefaultRiskParameters("u1")
	require.NoError(t, params.Validate())

	params.MaxSectorExposurePercent = 0
	assert.Error(t, params.Validate())
}
