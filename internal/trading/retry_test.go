package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-guard/internal/config"
	"github.com/ksred/klear-guard/internal/database"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/types"
)

func TestRetry_Delay(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	r := h.service.Retry()

	assert.Equal(t, time.Second, r.Delay(1))
	assert.Equal(t, 2*time.Second, r.Delay(2))
	assert.Equal(t, 4*time.Second, r.Delay(3))
}

func TestRetry_BackoffUntilExhausted(t *testing.T) {
	h := newHarness(t, newFakeBroker(errVenueDown, errVenueDown, errVenueDown), nil)
	ctx := context.Background()
	r := h.service.Retry()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	require.True(t, result.Success)
	orderID := result.Order.OrderID
	assert.Equal(t, types.StatusError, result.Order.Status)

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 0, status[0].Count)
	assert.Equal(t, t0.Add(time.Second), status[0].NextAttempt)

	// inside the backoff window nothing happens
	attempts, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, attempts)

	h.advance(time.Second)
	attempts, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	status = r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Count)
	assert.Equal(t, h.now.Add(2*time.Second), status[0].NextAttempt)

	// a second run on the same tick does not retry again
	attempts, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, attempts)
	assert.Equal(t, 2, h.broker.placedCount())

	// third consecutive failure with MaxRetries=3 rejects the order
	h.advance(2 * time.Second)
	attempts, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	order, err := h.service.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, order.Status)
	assert.Equal(t, 2, order.RetryCount)
	assert.Empty(t, r.Status())
	assert.Equal(t, 3, h.broker.placedCount())

	failed := h.recorder.OfType(events.OrderFailedEvent)
	require.Len(t, failed, 1)
	payload, ok := failed[0].Payload.(events.OrderFailed)
	require.True(t, ok)
	assert.Equal(t, 3, payload.Attempts)
	assert.Len(t, h.recorder.OfType(events.OrderSubmissionFailedEvent), 2)

	h.advance(time.Hour)
	attempts, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, attempts)
}

func TestRetry_SingleAttemptBudgetRejectsImmediately(t *testing.T) {
	db, err := database.NewInMemory()
	require.NoError(t, err)
	bus := events.NewBus()
	rec := events.NewRecorder(100)
	bus.RegisterHandler("recorder", rec)
	b := newFakeBroker(errVenueDown)
	service := NewService(db, Dependencies{Broker: b, Risk: &fakeRisk{}, Events: bus}, config.RetryConfig{MaxRetries: 1})
	service.SetClock(func() time.Time { return t0 })

	result, err := service.ProcessSignal(context.Background(), buySignal("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, result.Order.Status)
	assert.Empty(t, service.Retry().Status())
	assert.Len(t, rec.OfType(events.OrderFailedEvent), 1)
	assert.Equal(t, 1, b.placedCount())
}

func TestRetry_SuccessClearsTracking(t *testing.T) {
	h := newHarness(t, newFakeBroker(errVenueDown), nil)
	ctx := context.Background()
	r := h.service.Retry()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)

	h.advance(time.Second)
	attempts, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, r.Status())

	order, err := h.service.GetOrder(ctx, result.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, order.Status)
	assert.Equal(t, 1, order.RetryCount)
	assert.Empty(t, order.LastError)

	submitted := h.recorder.OfType(events.OrderSubmittedEvent)
	require.Len(t, submitted, 1)
	assert.Equal(t, 2, submitted[0].Payload.(events.OrderSubmitted).Attempt)
}

func TestRetry_ConcurrentRunsSubmitOnce(t *testing.T) {
	h := newHarness(t, newFakeBroker(errVenueDown), nil)
	ctx := context.Background()
	r := h.service.Retry()

	_, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	h.advance(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.RunOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, h.broker.placedCount())
	assert.Len(t, h.recorder.OfType(events.OrderSubmittedEvent), 1)
}

func TestRetry_RebuildsAfterRestart(t *testing.T) {
	b := newFakeBroker(errVenueDown)
	before := newHarness(t, b, nil)
	ctx := context.Background()

	result, err := before.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	require.Equal(t, types.StatusError, result.Order.Status)

	after := newHarnessOn(t, before.db, b, nil)
	r := after.service.Retry()
	assert.Empty(t, r.Status())

	added, err := r.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, result.Order.OrderID, status[0].OrderID)
	assert.Equal(t, 0, status[0].Count)

	// the store stamps updated_at with the wall clock
	after.now = time.Now().Add(time.Hour)
	attempts, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	order, err := after.service.GetOrder(ctx, result.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, order.Status)
}
