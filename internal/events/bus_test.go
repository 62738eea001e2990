package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-guard/internal/types"
)

func TestBus_FanOutToSubscribedTypes(t *testing.T) {
	bus := NewBus()
	orders := NewRecorder(10)
	everything := NewRecorder(10)
	bus.RegisterHandler("orders", orders, OrderCreatedEvent, OrderCancelledEvent)
	bus.RegisterHandler("all", everything)

	ctx := context.Background()
	bus.Publish(ctx, New("u1", PriorityNormal, OrderCreated{Order: types.Order{OrderID: "o1"}}))
	bus.Publish(ctx, New("u1", PriorityHigh, RiskAlertRaised{Alert: types.RiskAlert{AlertID: "a1"}}))

	assert.Len(t, orders.Events(), 1)
	assert.Len(t, everything.Events(), 2)
	assert.Equal(t, RiskAlertEvent, everything.Events()[1].Type)
}

func TestBus_FailingHandlersDoNotBlockOthers(t *testing.T) {
	bus := NewBus()
	bus.RegisterHandler("erroring", HandlerFunc(func(context.Context, Event) error {
		return errors.New("boom")
	}))
	bus.RegisterHandler("panicking", HandlerFunc(func(context.Context, Event) error {
		panic("handler bug")
	}))
	recorder := NewRecorder(10)
	bus.RegisterHandler("recorder", recorder)

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), New("u1", PriorityCritical, EmergencyStopTriggered{Reason: "test"}))
	})
	assert.Len(t, recorder.Events(), 1)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	recorder := NewRecorder(10)
	unsubscribe := bus.RegisterHandler("recorder", recorder)
	assert.Equal(t, 1, bus.HandlerCount())

	unsubscribe()
	bus.Publish(context.Background(), New("u1", PriorityLow, OrderCreated{}))

	assert.Equal(t, 0, bus.HandlerCount())
	assert.Empty(t, recorder.Events())
}

func TestBus_HandlerCanPublish(t *testing.T) {
	bus := NewBus()
	recorder := NewRecorder(10)
	bus.RegisterHandler("recorder", recorder, OrderFailedEvent)
	bus.RegisterHandler("escalator", HandlerFunc(func(ctx context.Context, e Event) error {
		bus.Publish(ctx, New(e.UserID, PriorityHigh, OrderFailed{Attempts: 3}))
		return nil
	}), OrderSubmissionFailedEvent)

	bus.Publish(context.Background(), New("u1", PriorityNormal, OrderSubmissionFailed{Error: "timeout"}))

	failed := recorder.OfType(OrderFailedEvent)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(OrderFailed)
	require.True(t, ok)
	assert.Equal(t, 3, payload.Attempts)
}

func TestRecorder_Limit(t *testing.T) {
	recorder := NewRecorder(2)
	for i := 0; i < 5; i++ {
		_ = recorder.HandleEvent(context.Background(), New("u1", PriorityLow, OrderCreated{}))
	}
	assert.Len(t, recorder.Events(), 2)
}
