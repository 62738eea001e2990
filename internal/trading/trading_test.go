package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/broker"
	"github.com/ksred/klear-guard/internal/config"
	"github.com/ksred/klear-guard/internal/database"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/sizing"
	"github.com/ksred/klear-guard/internal/types"
)

var errVenueDown = errors.New("venue VEN1 unavailable")

type fakeBroker struct {
	mu        sync.Mutex
	placeErrs []error
	placed    []broker.OrderRequest
	cancelled []string
	cancelErr error
	modified  []broker.Modification
	reports   map[string]*broker.OrderReport
	seq       int
}

func newFakeBroker(placeErrs ...error) *fakeBroker {
	return &fakeBroker{placeErrs: placeErrs, reports: make(map[string]*broker.OrderReport)}
}

func (b *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	if len(b.placeErrs) > 0 {
		err := b.placeErrs[0]
		b.placeErrs = b.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	b.seq++
	id := fmt.Sprintf("BRK_%d", b.seq)
	b.reports[id] = &broker.OrderReport{BrokerOrderID: id, Status: broker.ExecOpen}
	return id, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, brokerOrderID)
	return b.cancelErr
}

func (b *fakeBroker) ModifyOrder(_ context.Context, _ string, mod broker.Modification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modified = append(b.modified, mod)
	return nil
}

func (b *fakeBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (*broker.OrderReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	report, ok := b.reports[brokerOrderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	out := *report
	return &out, nil
}

func (b *fakeBroker) setReport(brokerOrderID string, report broker.OrderReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	report.BrokerOrderID = brokerOrderID
	b.reports[brokerOrderID] = &report
}

func (b *fakeBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

type fakeRisk struct {
	mu          sync.Mutex
	violations  []string
	validated   int
	invalidated []string
}

func (f *fakeRisk) ValidateOrder(_ context.Context, _ *types.Order) (*types.RiskValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated++
	return &types.RiskValidationResult{
		Valid:      len(f.violations) == 0,
		Violations: f.violations,
		Warnings:   []string{},
		Metadata:   map[string]interface{}{},
	}, nil
}

func (f *fakeRisk) InvalidateCache(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, userID)
}

type fakeSizer struct {
	quantity float64
	pv       float64
}

func (f *fakeSizer) CalculatePositionSize(_ context.Context, signal *types.TradingSignal, portfolioValue float64, _ string) (*sizing.PositionSizeResult, error) {
	f.pv = portfolioValue
	return &sizing.PositionSizeResult{Symbol: signal.Symbol, RecommendedQuantity: f.quantity, Warnings: []string{}}, nil
}

type fakePortfolio struct{ value float64 }

func (f fakePortfolio) Valuate(_ context.Context, userID string) (*types.PortfolioValuation, error) {
	return &types.PortfolioValuation{UserID: userID, PortfolioValue: f.value}, nil
}

type fakeStrategies map[string]bool

func (f fakeStrategies) IsTrading(_ context.Context, strategyID string) (bool, error) {
	return f[strategyID], nil
}

// Wednesday morning, inside the session
var t0 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type harness struct {
	db       *gorm.DB
	service  *Service
	broker   *fakeBroker
	risk     *fakeRisk
	recorder *events.Recorder
	now      time.Time
}

func newHarness(t *testing.T, b *fakeBroker, customize func(*Dependencies)) *harness {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	return newHarnessOn(t, db, b, customize)
}

func newHarnessOn(t *testing.T, db *gorm.DB, b *fakeBroker, customize func(*Dependencies)) *harness {
	t.Helper()
	bus := events.NewBus()
	rec := events.NewRecorder(100)
	bus.RegisterHandler("recorder", rec)

	h := &harness{db: db, broker: b, risk: &fakeRisk{}, recorder: rec, now: t0}
	deps := Dependencies{Broker: b, Risk: h.risk, Events: bus}
	if customize != nil {
		customize(&deps)
	}
	h.service = NewService(db, deps, config.RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Second,
		Multiplier:   2,
		PollInterval: time.Second,
	})
	h.service.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) eventTypes() []events.EventType {
	var out []events.EventType
	for _, e := range h.recorder.Events() {
		out = append(out, e.Type)
	}
	return out
}

func buySignal(id string) *types.TradingSignal {
	return &types.TradingSignal{
		ID:              id,
		UserID:          "u1",
		Symbol:          "infy",
		SignalType:      types.SignalBuy,
		ConfidenceScore: 0.75,
		EntryPrice:      1500,
	}
}

func TestProcessSignal_SubmitsOrder(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)

	result, err := h.service.ProcessSignal(context.Background(), buySignal("sig-1"))
	require.NoError(t, err)
	require.True(t, result.Success, result.Errors)

	order := result.Order
	assert.Equal(t, types.StatusSubmitted, order.Status)
	assert.Equal(t, "INFY", order.Symbol)
	assert.Equal(t, types.SideBuy, order.Side)
	assert.Equal(t, types.OrderTypeMarket, order.Type)
	assert.Equal(t, 75.0, order.Quantity, "confidence x 100 without a sizer")
	assert.Equal(t, 1500.0, order.ReferencePrice)
	require.NotNil(t, order.BrokerOrderID)
	assert.Equal(t, "BRK_1", *order.BrokerOrderID)

	stored, err := h.service.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, stored.Status)
	assert.Equal(t, "sig-1", *stored.SignalID)

	assert.Equal(t, []events.EventType{events.OrderCreatedEvent, events.OrderSubmittedEvent}, h.eventTypes())
}

func TestProcessSignal_RefusesInvalidSignals(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.TradingSignal)
	}{
		{"hold", func(s *types.TradingSignal) { s.SignalType = types.SignalHold }},
		{"missing symbol", func(s *types.TradingSignal) { s.Symbol = "" }},
		{"confidence out of range", func(s *types.TradingSignal) { s.ConfidenceScore = 1.2 }},
		{"expired", func(s *types.TradingSignal) {
			expired := t0.Add(-time.Minute)
			s.ExpiresAt = &expired
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakeBroker(), nil)
			sig := buySignal("sig-1")
			tt.mutate(sig)

			result, err := h.service.ProcessSignal(context.Background(), sig)
			require.NoError(t, err)
			assert.False(t, result.Success)
			assert.NotEmpty(t, result.Errors)
			assert.Zero(t, h.broker.placedCount())
			assert.Empty(t, h.recorder.Events())
		})
	}
}

func TestProcessSignal_AtMostOnce(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	ctx := context.Background()

	first, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Order)
	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)
	assert.Equal(t, 1, h.broker.placedCount())
}

func TestProcessSignal_ConcurrentDuplicatesSubmitOnce(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.ProcessSignal(context.Background(), buySignal("sig-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.broker.placedCount())
}

func TestProcessSignal_RiskViolationIsNotPersisted(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	h.risk.violations = []string{"position size 15.00% exceeds limit 10.00%"}

	result, err := h.service.ProcessSignal(context.Background(), buySignal("sig-1"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Errors, "position size 15.00% exceeds limit 10.00%")
	require.NotNil(t, result.Risk)
	assert.False(t, result.Risk.Valid)

	orders, err := h.service.GetUserOrders(context.Background(), "u1", OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, h.recorder.Events())
	assert.Zero(t, h.broker.placedCount())

	// a blocked signal is not consumed
	h.risk.violations = nil
	retried, err := h.service.ProcessSignal(context.Background(), buySignal("sig-1"))
	require.NoError(t, err)
	assert.True(t, retried.Success)
}

func TestProcessSignal_BrokerRejectionIsFinal(t *testing.T) {
	h := newHarness(t, newFakeBroker(fmt.Errorf("%w: insufficient margin", broker.ErrRejected)), nil)

	result, err := h.service.ProcessSignal(context.Background(), buySignal("sig-1"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, types.StatusRejected, result.Order.Status)
	assert.Contains(t, result.Order.LastError, "insufficient margin")
	assert.Empty(t, h.service.Retry().Status())
	assert.Equal(t, []events.EventType{events.OrderCreatedEvent, events.OrderRejectedEvent}, h.eventTypes())
}

func TestProcessSignal_UsesSizer(t *testing.T) {
	sizer := &fakeSizer{quantity: 42}
	h := newHarness(t, newFakeBroker(), func(d *Dependencies) {
		d.Sizer = sizer
		d.Portfolio = fakePortfolio{value: 250000}
	})

	result, err := h.service.ProcessSignal(context.Background(), buySignal("sig-1"))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, 42.0, result.Order.Quantity)
	assert.Equal(t, 250000.0, sizer.pv)
	require.NotNil(t, result.Sizing)
}

func TestProcessSignal_ZeroSizeIsRefused(t *testing.T) {
	h := newHarness(t, newFakeBroker(), func(d *Dependencies) {
		d.Sizer = &fakeSizer{quantity: 0}
		d.Portfolio = fakePortfolio{value: 1000}
	})

	result, err := h.service.ProcessSignal(context.Background(), buySignal("sig-1"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Errors, "position size is zero")
}

func TestProcessSignal_InactiveStrategy(t *testing.T) {
	h := newHarness(t, newFakeBroker(), func(d *Dependencies) {
		d.Strategies = fakeStrategies{"STR_live": true, "STR_paused": false}
	})

	sig := buySignal("sig-1")
	sig.StrategyID = types.String("STR_paused")
	result, err := h.service.ProcessSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.False(t, result.Success)

	sig = buySignal("sig-2")
	sig.StrategyID = types.String("STR_live")
	result, err = h.service.ProcessSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "STR_live", *result.Order.StrategyID)
}

func TestSubmitExitOrder_SkipsRiskChecks(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	h.risk.violations = []string{"projected exposure 99.00% exceeds limit 80.00%"}

	order, err := h.service.SubmitExitOrder(context.Background(), &types.Order{
		UserID:         "u1",
		Symbol:         "RELIANCE",
		Side:           types.SideSell,
		Type:           types.OrderTypeMarket,
		Quantity:       100,
		ReferencePrice: 2340,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, order.Status)
	assert.Zero(t, h.risk.validated)
}

func TestSubmitExitOrder_InvalidFields(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)

	_, err := h.service.SubmitExitOrder(context.Background(), &types.Order{
		UserID:   "u1",
		Symbol:   "RELIANCE",
		Side:     types.SideSell,
		Type:     types.OrderTypeLimit,
		Quantity: 100,
	})
	assert.True(t, tradeerrors.Is(err, tradeerrors.CategoryValidation))
	assert.Zero(t, h.broker.placedCount())
}

func TestSubmitExitOrder_BrokerRejection(t *testing.T) {
	h := newHarness(t, newFakeBroker(fmt.Errorf("%w: market closed", broker.ErrRejected)), nil)

	order, err := h.service.SubmitExitOrder(context.Background(), &types.Order{
		UserID:   "u1",
		Symbol:   "RELIANCE",
		Side:     types.SideSell,
		Type:     types.OrderTypeMarket,
		Quantity: 10,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrRejected))
	assert.Equal(t, types.StatusRejected, order.Status)
}

func TestSubmitOrder_ManualOrderIsRiskChecked(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	h.risk.violations = []string{"daily order limit reached"}

	result, err := h.service.SubmitOrder(context.Background(), &types.Order{
		UserID:   "u1",
		Symbol:   "TCS",
		Side:     types.SideBuy,
		Type:     types.OrderTypeLimit,
		Quantity: 5,
		Price:    types.Float(3500),
	}, SubmitOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Nil(t, result.Order)
	assert.Equal(t, 1, h.risk.validated)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)

	cancelled, err := h.service.CancelOrder(ctx, result.Order.OrderID, "user request")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{"BRK_1"}, h.broker.cancelled)
	assert.Len(t, h.recorder.OfType(events.OrderCancelledEvent), 1)
	assert.Contains(t, h.risk.invalidated, "u1")

	_, err = h.service.CancelOrder(ctx, result.Order.OrderID, "again")
	assert.True(t, tradeerrors.Is(err, tradeerrors.CategoryValidation))

	_, err = h.service.CancelOrder(ctx, "ORD_missing", "nothing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelOrder_BrokerFailureStillCancelsLocally(t *testing.T) {
	b := newFakeBroker()
	b.cancelErr = errors.New("connection reset")
	h := newHarness(t, b, nil)
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)

	cancelled, err := h.service.CancelOrder(ctx, result.Order.OrderID, "user request")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
}

func TestCancelOrder_StopsPendingRetries(t *testing.T) {
	h := newHarness(t, newFakeBroker(errVenueDown), nil)
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	require.Equal(t, types.StatusError, result.Order.Status)
	require.Len(t, h.service.Retry().Status(), 1)

	_, err = h.service.CancelOrder(ctx, result.Order.OrderID, "emergency")
	require.NoError(t, err)
	assert.Empty(t, h.service.Retry().Status())
	assert.Empty(t, h.broker.cancelled, "an order never accepted has nothing to cancel at the broker")

	h.advance(time.Minute)
	attempts, err := h.service.Retry().RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, attempts)
	assert.Equal(t, 1, h.broker.placedCount())
}

func TestModifyOrder(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	ctx := context.Background()

	result, err := h.service.ProcessSignal(ctx, buySignal("sig-1"))
	require.NoError(t, err)
	orderID := result.Order.OrderID

	modified, err := h.service.ModifyOrder(ctx, orderID, OrderModification{Quantity: types.Float(50)})
	require.NoError(t, err)
	require.True(t, modified.Success, modified.Errors)
	assert.Equal(t, 50.0, modified.Order.Quantity)
	require.Len(t, h.broker.modified, 1)
	assert.Equal(t, 50.0, *h.broker.modified[0].Quantity)
	assert.Len(t, h.recorder.OfType(events.OrderModifiedEvent), 1)

	h.risk.violations = []string{"position size exceeds limit"}
	blocked, err := h.service.ModifyOrder(ctx, orderID, OrderModification{Quantity: types.Float(5000)})
	require.NoError(t, err)
	assert.False(t, blocked.Success)
	stored, err := h.service.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, stored.Quantity)

	h.risk.violations = nil
	_, err = h.service.CancelOrder(ctx, orderID, "done")
	require.NoError(t, err)
	inactive, err := h.service.ModifyOrder(ctx, orderID, OrderModification{Quantity: types.Float(10)})
	require.NoError(t, err)
	assert.False(t, inactive.Success)
}

func TestGetUserOrders_Filters(t *testing.T) {
	h := newHarness(t, newFakeBroker(), nil)
	ctx := context.Background()

	for i, symbol := range []string{"INFY", "TCS", "INFY"} {
		sig := buySignal(fmt.Sprintf("sig-%d", i))
		sig.Symbol = symbol
		_, err := h.service.ProcessSignal(ctx, sig)
		require.NoError(t, err)
	}
	all, err := h.service.GetUserOrders(ctx, "u1", OrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	_, err = h.service.CancelOrder(ctx, all[0].OrderID, "test")
	require.NoError(t, err)

	infy, err := h.service.GetUserOrders(ctx, "u1", OrderFilter{Symbol: "INFY"})
	require.NoError(t, err)
	assert.Len(t, infy, 2)

	active, err := h.service.GetActiveOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	from := t0.Add(time.Hour)
	later, err := h.service.GetUserOrders(ctx, "u1", OrderFilter{From: &from})
	require.NoError(t, err)
	assert.Empty(t, later)

	other, err := h.service.GetUserOrders(ctx, "u2", OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("ORD_1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, k.size())
}
