package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-guard/internal/market"
	"github.com/ksred/klear-guard/internal/types"
)

func reliableVenue() []Venue {
	return []Venue{{ID: "TEST", Name: "Test Venue", LiquidityFactor: 1, SuccessRate: 1, FeeRate: 0.001}}
}

func TestPaperBroker_MarketOrderFillsImmediately(t *testing.T) {
	prices := market.NewPriceBook()
	prices.Update("AAPL", 100)
	b := NewPaperBroker(prices, PaperConfig{Venues: reliableVenue(), Seed: 1})
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, OrderRequest{ClientOrderID: "o1", Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeMarket, Quantity: 10})
	require.NoError(t, err)

	report, err := b.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ExecFilled, report.Status)
	assert.Equal(t, 10.0, report.FilledQuantity)
	assert.Equal(t, 100.0, report.AvgFillPrice)
	assert.Equal(t, 1.0, report.Commission)
	assert.Len(t, report.Fills, 1)
}

func TestPaperBroker_RejectsMarketOrderWithoutPrice(t *testing.T) {
	b := NewPaperBroker(market.NewPriceBook(), PaperConfig{Venues: reliableVenue(), Seed: 1})

	_, err := b.PlaceOrder(context.Background(), OrderRequest{Symbol: "NOPE", Side: types.SideBuy, Type: types.OrderTypeMarket, Quantity: 1})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestPaperBroker_UnavailableVenueIsTransient(t *testing.T) {
	prices := market.NewPriceBook()
	prices.Update("AAPL", 100)
	venues := []Venue{{ID: "DOWN", LiquidityFactor: 1, SuccessRate: 0}}
	b := NewPaperBroker(prices, PaperConfig{Venues: venues, Seed: 1})

	_, err := b.PlaceOrder(context.Background(), OrderRequest{Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeMarket, Quantity: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestPaperBroker_LimitOrderWaitsForPrice(t *testing.T) {
	prices := market.NewPriceBook()
	prices.Update("AAPL", 105)
	b := NewPaperBroker(prices, PaperConfig{Venues: reliableVenue(), Seed: 1})
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeLimit, Quantity: 5, Price: types.Float(100)})
	require.NoError(t, err)

	report, err := b.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ExecOpen, report.Status)

	prices.Update("AAPL", 99.5)
	report, err = b.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ExecFilled, report.Status)
	assert.Equal(t, 99.5, report.AvgFillPrice)
}

func TestPaperBroker_CancelAndModify(t *testing.T) {
	prices := market.NewPriceBook()
	prices.Update("AAPL", 105)
	b := NewPaperBroker(prices, PaperConfig{Venues: reliableVenue(), Seed: 1})
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeLimit, Quantity: 5, Price: types.Float(100)})
	require.NoError(t, err)

	require.NoError(t, b.ModifyOrder(ctx, id, Modification{Quantity: types.Float(8)}))
	require.NoError(t, b.CancelOrder(ctx, id))
	assert.ErrorIs(t, b.CancelOrder(ctx, id), ErrNotCancellable)
	assert.ErrorIs(t, b.CancelOrder(ctx, "missing"), ErrOrderNotFound)

	report, err := b.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, report.Status)
}

func TestPaperBroker_StopLossTriggers(t *testing.T) {
	prices := market.NewPriceBook()
	prices.Update("AAPL", 100)
	b := NewPaperBroker(prices, PaperConfig{Venues: reliableVenue(), Seed: 1})
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL", Side: types.SideSell, Type: types.OrderTypeStopLoss, Quantity: 3, StopPrice: types.Float(95)})
	require.NoError(t, err)

	report, _ := b.GetOrderStatus(ctx, id)
	assert.Equal(t, ExecOpen, report.Status)

	prices.Update("AAPL", 94)
	report, _ = b.GetOrderStatus(ctx, id)
	assert.Equal(t, ExecFilled, report.Status)
}
