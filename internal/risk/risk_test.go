package risk

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/database"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/types"
)

// Wednesday, inside the 09:15-15:30 session
var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type fakePortfolio struct {
	valuation types.PortfolioValuation
	positions []types.Position
}

func (f *fakePortfolio) GetUserPositions(_ context.Context, _ string) ([]types.Position, error) {
	return f.positions, nil
}

func (f *fakePortfolio) Valuate(_ context.Context, userID string) (*types.PortfolioValuation, error) {
	v := f.valuation
	v.UserID = userID
	for _, p := range f.positions {
		v.GrossExposure += p.MarketValue()
	}
	return &v, nil
}

func position(symbol string, qty, price float64) types.Position {
	return types.Position{UserID: "u1", Symbol: symbol, Quantity: qty, AveragePrice: price, CurrentPrice: price}
}

func limitOrder(symbol string, side types.OrderSide, qty, price float64) *types.Order {
	return &types.Order{
		UserID:   "u1",
		Symbol:   symbol,
		Type:     types.OrderTypeLimit,
		Side:     side,
		Quantity: qty,
		Price:    types.Float(price),
	}
}

func newTestEngine(t *testing.T, portfolio *fakePortfolio) (*Engine, *gorm.DB) {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	start, _ := time.ParseDuration("9h15m")
	end, _ := time.ParseDuration("15h30m")
	engine := NewEngine(db, portfolio, nil, Options{
		CacheTTL:          5 * time.Second,
		TradingHoursStart: start,
		TradingHoursEnd:   end,
		Location:          time.UTC,
		Now:               func() time.Time { return testNow },
	})
	return engine, db
}

func hasMessage(messages []string, fragment string) bool {
	for _, m := range messages {
		if strings.Contains(m, fragment) {
			return true
		}
	}
	return false
}

func TestValidateOrder_PositionSizeOverLimit(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})

	result, err := engine.ValidateOrder(context.Background(), limitOrder("AAPL", types.SideBuy, 150, 100))
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "position size"))
	assert.InDelta(t, 15.0, result.Metadata["position_size_percent"], 1e-9)
}

func TestValidateOrder_WithinLimitsWarnsNearLimit(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})

	result, err := engine.ValidateOrder(context.Background(), limitOrder("AAPL", types.SideBuy, 90, 100))
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Violations)
	assert.True(t, hasMessage(result.Warnings, "close to limit"))
	assert.InDelta(t, 0.2, result.RiskScore, 1e-9)
}

func TestValidateOrder_SmallOrderScoresProportionally(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})

	result, err := engine.ValidateOrder(context.Background(), limitOrder("AAPL", types.SideBuy, 20, 100))
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
	assert.InDelta(t, 0.02, result.RiskScore, 1e-9)
}

func TestValidateOrder_InvalidFields(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})

	order := &types.Order{UserID: "u1", Symbol: "AAPL", Type: types.OrderTypeLimit, Side: types.SideBuy, Quantity: 0}
	result, err := engine.ValidateOrder(context.Background(), order)
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.Equal(t, 1.0, result.RiskScore)
	assert.True(t, hasMessage(result.Violations, "quantity"))
	assert.True(t, hasMessage(result.Violations, "LIMIT order requires a price"))
}

func TestValidateOrder_MarketOrderWithoutPrice(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})

	order := &types.Order{UserID: "u1", Symbol: "AAPL", Type: types.OrderTypeMarket, Side: types.SideBuy, Quantity: 1}
	result, err := engine.ValidateOrder(context.Background(), order)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "no price available"))
}

func TestValidateOrder_ProjectedExposure(t *testing.T) {
	portfolio := &fakePortfolio{
		valuation: types.PortfolioValuation{PortfolioValue: 100000},
		positions: []types.Position{
			position("AAPL", 250, 100),
			position("HDFCBANK", 250, 100),
			position("RELIANCE", 250, 100),
		},
	}
	engine, _ := newTestEngine(t, portfolio)

	result, err := engine.ValidateOrder(context.Background(), limitOrder("ITC", types.SideBuy, 80, 100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "projected exposure"))

	// Selling down an existing holding lowers exposure
	result, err = engine.ValidateOrder(context.Background(), limitOrder("AAPL", types.SideSell, 50, 100))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.InDelta(t, 70.0, result.Metadata["projected_exposure_percent"], 1e-9)
}

func TestValidateOrder_SectorConcentration(t *testing.T) {
	portfolio := &fakePortfolio{
		valuation: types.PortfolioValuation{PortfolioValue: 100000},
		positions: []types.Position{position("TCS", 250, 100)},
	}
	engine, _ := newTestEngine(t, portfolio)

	result, err := engine.ValidateOrder(context.Background(), limitOrder("INFY", types.SideBuy, 80, 100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "IT sector exposure"))
	assert.Equal(t, "IT", result.Metadata["sector"])
}

func TestValidateOrder_DailyOrderLimit(t *testing.T) {
	engine, db := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})
	ctx := context.Background()

	params := types.DefaultRiskParameters("u1")
	params.MaxOrdersPerDay = 2
	require.NoError(t, engine.UpdateParameters(ctx, params))

	for _, id := range []string{"o1", "o2"} {
		require.NoError(t, db.Create(&types.Order{OrderID: id, UserID: "u1", Symbol: "AAPL", Status: types.StatusFilled, CreatedAt: testNow}).Error)
	}
	// Yesterday's order does not count
	require.NoError(t, db.Create(&types.Order{OrderID: "o0", UserID: "u1", Symbol: "AAPL", Status: types.StatusFilled, CreatedAt: testNow.Add(-24 * time.Hour)}).Error)

	result, err := engine.ValidateOrder(ctx, limitOrder("AAPL", types.SideBuy, 10, 100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "daily order limit"))
	assert.EqualValues(t, 2, result.Metadata["orders_today"])
}

// TestValidateOrder_DailyLimitIgnoresOrderBeingModified re-validates a stored
// order at the daily limit
func TestValidateOrder_DailyLimitIgnoresOrderBeingModified(t *testing.T) {
	engine, db := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})
	ctx := context.Background()

	params := types.DefaultRiskParameters("u1")
	params.MaxOrdersPerDay = 1
	require.NoError(t, engine.UpdateParameters(ctx, params))

	stored := limitOrder("AAPL", types.SideBuy, 10, 100)
	stored.OrderID = "o1"
	stored.Status = types.StatusSubmitted
	stored.CreatedAt = testNow
	require.NoError(t, db.Create(stored).Error)

	modified := *stored
	modified.Price = types.Float(95)
	result, err := engine.ValidateOrder(ctx, &modified)
	require.NoError(t, err)
	assert.True(t, result.Valid, "violations: %v", result.Violations)
	assert.EqualValues(t, 0, result.Metadata["orders_today"])

	// a new order is still held to the limit
	result, err = engine.ValidateOrder(ctx, limitOrder("AAPL", types.SideBuy, 10, 100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "daily order limit"))
}

func TestValidateOrder_DailyLoss(t *testing.T) {
	portfolio := &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 94000, DayStartValue: 100000, DailyPnL: -6000}}
	engine, _ := newTestEngine(t, portfolio)

	result, err := engine.ValidateOrder(context.Background(), limitOrder("AAPL", types.SideBuy, 10, 100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "daily loss"))
}

func TestValidateOrder_MaxPositionValue(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 1000000}})
	ctx := context.Background()

	params := types.DefaultRiskParameters("u1")
	params.MaxPositionValue = 5000
	require.NoError(t, engine.UpdateParameters(ctx, params))

	result, err := engine.ValidateOrder(ctx, limitOrder("AAPL", types.SideBuy, 80, 100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, hasMessage(result.Violations, "position value"))
}

func TestValidateOrder_MarketConditionWarnings(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{valuation: types.PortfolioValuation{PortfolioValue: 100000}})
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	engine.opts.Now = func() time.Time { return saturday }

	order := &types.Order{UserID: "u1", Symbol: "TSLA", Type: types.OrderTypeMarket, Side: types.SideBuy, Quantity: 1, ReferencePrice: 200}
	result, err := engine.ValidateOrder(context.Background(), order)
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.True(t, hasMessage(result.Warnings, "outside trading hours"))
	assert.True(t, hasMessage(result.Warnings, "volatile symbol TSLA"))
}

func TestCalculatePortfolioRisk(t *testing.T) {
	portfolio := &fakePortfolio{
		valuation: types.PortfolioValuation{PortfolioValue: 100000, DrawdownPercent: 5},
		positions: []types.Position{
			position("AAPL", 200, 100),
			position("MSFT", 100, 100),
			position("HDFCBANK", 100, 100),
		},
	}
	engine, _ := newTestEngine(t, portfolio)

	risk, err := engine.CalculatePortfolioRisk(context.Background(), "u1")
	require.NoError(t, err)

	assert.InDelta(t, 40000.0, risk.TotalExposure, 1e-9)
	assert.InDelta(t, 40.0, risk.ExposurePercentage, 1e-9)
	assert.InDelta(t, 2000.0, risk.VaR95, 1e-9)
	assert.InDelta(t, 30.0, risk.SectorExposures["Technology"], 1e-9)
	assert.InDelta(t, 10.0, risk.SectorExposures["Banking"], 1e-9)
	assert.InDelta(t, 20.0, risk.PositionConcentrations["AAPL"], 1e-9)
	assert.InDelta(t, 0.4, risk.LeverageRatio, 1e-9)
	assert.InDelta(t, 0.6075, risk.RiskScore, 1e-9)
}

func TestCalculatePortfolioRisk_CachesUntilInvalidated(t *testing.T) {
	portfolio := &fakePortfolio{
		valuation: types.PortfolioValuation{PortfolioValue: 100000},
		positions: []types.Position{position("AAPL", 100, 100)},
	}
	engine, _ := newTestEngine(t, portfolio)
	ctx := context.Background()

	first, err := engine.CalculatePortfolioRisk(ctx, "u1")
	require.NoError(t, err)

	portfolio.positions = append(portfolio.positions, position("MSFT", 100, 100))
	cached, err := engine.CalculatePortfolioRisk(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, first, cached)

	engine.InvalidateCache("u1")
	fresh, err := engine.CalculatePortfolioRisk(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 20000.0, fresh.TotalExposure, 1e-9)
}

func TestUpdateParameters(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePortfolio{})
	ctx := context.Background()

	params, err := engine.GetParameters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, params.MaxPositionSizePercent)

	bad := types.DefaultRiskParameters("u1")
	bad.MaxDrawdownPercent = 0
	err = engine.UpdateParameters(ctx, bad)
	assert.True(t, tradeerrors.Is(err, tradeerrors.CategoryConfiguration))

	good := types.DefaultRiskParameters("u1")
	good.MaxPositionSizePercent = 5
	require.NoError(t, engine.UpdateParameters(ctx, good))
	good.MaxPositionSizePercent = 7
	require.NoError(t, engine.UpdateParameters(ctx, types.DefaultRiskParameters("u2")))
	require.NoError(t, engine.UpdateParameters(ctx, good))

	params, err = engine.GetParameters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7.0, params.MaxPositionSizePercent)
}

func TestSectorAndVolatilityTables(t *testing.T) {
	sectors := DefaultSectorTable()
	vols := DefaultVolatilityTable()
	assert.Equal(t, "Banking", sectors.SectorOf("hdfcbank"))
	assert.Equal(t, OtherSector, sectors.SectorOf("UNKNOWN"))
	assert.Equal(t, 0.04, vols.VolatilityOf("TSLA"))
	assert.Equal(t, DefaultDailyVolatility, vols.VolatilityOf("UNKNOWN"))

	// each call hands out an independent table
	sectors["HDFCBANK"] = "Retail"
	vols["TSLA"] = 0.5
	assert.Equal(t, "Banking", DefaultSectorTable().SectorOf("HDFCBANK"))
	assert.Equal(t, 0.04, DefaultVolatilityTable().VolatilityOf("TSLA"))
}
