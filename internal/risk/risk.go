package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/auth"
	"github.com/ksred/klear-guard/internal/config"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/types"
	"github.com/ksred/klear-guard/pkg/response"
)

// Composite score weights; each component is normalised against its limit
// and capped at 1.
const (
	weightExposure = 0.25
	weightSector   = 0.20
	weightPosition = 0.20
	weightDrawdown = 0.25
	weightLeverage = 0.10

	// leverage at which the leverage component saturates
	leverageCeiling = 2.0

	// share of a limit at which a check starts warning
	warningBand = 0.8
)

// PortfolioSource provides marked positions and account valuation.
type PortfolioSource interface {
	GetUserPositions(ctx context.Context, userID string) ([]types.Position, error)
	Valuate(ctx context.Context, userID string) (*types.PortfolioValuation, error)
}

// PriceSource resolves a price for MARKET orders without a reference price.
type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

type Options struct {
	CacheTTL          time.Duration
	TradingHoursStart time.Duration // offset from local midnight
	TradingHoursEnd   time.Duration
	VolatileThreshold float64
	Location          *time.Location
	Sectors           SectorTable
	Volatility        VolatilityTable
	VaR               VaREstimator
	Now               func() time.Time
}

// OptionsFromConfig builds engine options from the risk configuration
func OptionsFromConfig(c config.RiskConfig) (Options, error) {
	start, err := config.ParseClock(c.TradingHoursStart)
	if err != nil {
		return Options{}, tradeerrors.Configuration("risk", "options", err)
	}
	end, err := config.ParseClock(c.TradingHoursEnd)
	if err != nil {
		return Options{}, tradeerrors.Configuration("risk", "options", err)
	}
	return Options{
		CacheTTL:          c.CacheTTL,
		TradingHoursStart: start,
		TradingHoursEnd:   end,
		VolatileThreshold: c.VolatileThreshold,
		VaR:               ExposureVaR{Percent: c.VaRPercent},
	}, nil
}

type cachedRisk struct {
	risk    *types.PortfolioRisk
	expires time.Time
}

// Engine gates orders against per-user limits and computes portfolio risk.
type Engine struct {
	db        *Database
	portfolio PortfolioSource
	prices    PriceSource
	opts      Options

	mu    sync.Mutex
	cache map[string]cachedRisk
}

func NewEngine(gormDB *gorm.DB, portfolio PortfolioSource, prices PriceSource, opts Options) *Engine {
	if opts.Sectors == nil {
		opts.Sectors = DefaultSectorTable()
	}
	if opts.Volatility == nil {
		opts.Volatility = DefaultVolatilityTable()
	}
	if opts.VaR == nil {
		opts.VaR = ExposureVaR{Percent: 0.05}
	}
	if opts.VolatileThreshold <= 0 {
		opts.VolatileThreshold = 0.03
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		db:        NewDatabase(gormDB),
		portfolio: portfolio,
		prices:    prices,
		opts:      opts,
		cache:     make(map[string]cachedRisk),
	}
}

// Sectors exposes the sector table shared with the position sizer
func (e *Engine) Sectors() SectorTable {
	return e.opts.Sectors
}

// Volatility exposes the volatility table shared with the position sizer
func (e *Engine) Volatility() VolatilityTable {
	return e.opts.Volatility
}

// GetParameters returns the user's limits, or the defaults when none are stored
func (e *Engine) GetParameters(ctx context.Context, userID string) (*types.RiskParameters, error) {
	params, err := e.db.GetParameters(userID)
	if err != nil {
		return nil, tradeerrors.Persistence("risk", "get_parameters", err)
	}
	if params == nil {
		return types.DefaultRiskParameters(userID), nil
	}
	return params, nil
}

// UpdateParameters validates and stores the user's limits
func (e *Engine) UpdateParameters(ctx context.Context, params *types.RiskParameters) error {
	if err := params.Validate(); err != nil {
		return tradeerrors.Configuration("risk", "update_parameters", err)
	}
	params.UpdatedAt = e.opts.Now()
	if err := e.db.SaveParameters(params); err != nil {
		return tradeerrors.Persistence("risk", "update_parameters", err)
	}
	e.InvalidateCache(params.UserID)

	log.Info().
		Str("component", "risk_engine").
		Str("user_id", params.UserID).
		Float64("max_position_size_percent", params.MaxPositionSizePercent).
		Float64("max_portfolio_exposure_percent", params.MaxPortfolioExposurePercent).
		Msg("updated risk parameters")
	return nil
}

// CountOrdersSince counts orders the user created since the given time
func (e *Engine) CountOrdersSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	count, err := e.db.CountOrdersSince(userID, since, "")
	if err != nil {
		return 0, tradeerrors.Persistence("risk", "count_orders", err)
	}
	return count, nil
}

// ValidateOrder runs every pre-trade check against order. Business rule
// failures are reported in the result; the error return is reserved for an
// unavailable store.
func (e *Engine) ValidateOrder(ctx context.Context, order *types.Order) (*types.RiskValidationResult, error) {
	logger := log.With().
		Str("component", "risk_engine").
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Logger()

	result := &types.RiskValidationResult{
		Valid:      true,
		Violations: []string{},
		Warnings:   []string{},
		Metadata:   map[string]interface{}{},
	}
	score := 0.0

	// Basic validation
	if problems := order.ValidateFields(); len(problems) > 0 {
		return e.finish(logger, result, problems, 1.0), nil
	}
	price := order.ValuationPrice()
	if price <= 0 && e.prices != nil {
		if mark, ok := e.prices.GetPrice(order.Symbol); ok {
			price = mark
		}
	}
	if price <= 0 {
		return e.finish(logger, result, []string{fmt.Sprintf("no price available for %s", order.Symbol)}, 1.0), nil
	}

	params, err := e.GetParameters(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	valuation, err := e.portfolio.Valuate(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	positions, err := e.portfolio.GetUserPositions(ctx, order.UserID)
	if err != nil {
		return nil, err
	}

	pv := valuation.PortfolioValue
	if pv <= 0 {
		return e.finish(logger, result, []string{"portfolio value must be positive"}, 1.0), nil
	}

	var violations []string
	orderValue := order.Quantity * price
	result.Metadata["order_value"] = orderValue
	result.Metadata["portfolio_value"] = pv

	// Position size
	sizePct := orderValue / pv * 100
	result.Metadata["position_size_percent"] = sizePct
	sizeRatio := sizePct / params.MaxPositionSizePercent
	switch {
	case sizePct > params.MaxPositionSizePercent:
		violations = append(violations, fmt.Sprintf("position size %.2f%% exceeds limit %.2f%%", sizePct, params.MaxPositionSizePercent))
		score += 0.3
	case sizeRatio >= warningBand:
		result.Warnings = append(result.Warnings, fmt.Sprintf("position size %.2f%% is close to limit %.2f%%", sizePct, params.MaxPositionSizePercent))
		score += 0.2
	default:
		score += 0.1 * sizeRatio
	}
	if orderValue > params.MaxPositionValue {
		violations = append(violations, fmt.Sprintf("position value %.2f exceeds maximum %.2f", orderValue, params.MaxPositionValue))
		score += 0.1
	}

	// Portfolio exposure, projected with the order applied
	var existing float64
	for i := range positions {
		if strings.EqualFold(positions[i].Symbol, order.Symbol) {
			existing = positions[i].Quantity
		}
	}
	signed := order.Quantity
	if order.Side == types.SideSell {
		signed = -signed
	}
	delta := (math.Abs(existing+signed) - math.Abs(existing)) * price

	exposurePct := (valuation.GrossExposure + delta) / pv * 100
	result.Metadata["projected_exposure_percent"] = exposurePct
	switch {
	case exposurePct > params.MaxPortfolioExposurePercent:
		violations = append(violations, fmt.Sprintf("projected exposure %.2f%% exceeds limit %.2f%%", exposurePct, params.MaxPortfolioExposurePercent))
		score += 0.25
	case exposurePct >= params.MaxPortfolioExposurePercent*warningBand:
		result.Warnings = append(result.Warnings, fmt.Sprintf("projected exposure %.2f%% is close to limit %.2f%%", exposurePct, params.MaxPortfolioExposurePercent))
		score += 0.15
	}

	// Sector concentration
	sector := e.opts.Sectors.SectorOf(order.Symbol)
	sectorValue := delta
	for i := range positions {
		if e.opts.Sectors.SectorOf(positions[i].Symbol) == sector {
			sectorValue += positions[i].MarketValue()
		}
	}
	sectorPct := sectorValue / pv * 100
	result.Metadata["sector"] = sector
	result.Metadata["projected_sector_percent"] = sectorPct
	switch {
	case sectorPct > params.MaxSectorExposurePercent:
		violations = append(violations, fmt.Sprintf("%s sector exposure %.2f%% exceeds limit %.2f%%", sector, sectorPct, params.MaxSectorExposurePercent))
		score += 0.2
	case sectorPct >= params.MaxSectorExposurePercent*warningBand:
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s sector exposure %.2f%% is close to limit %.2f%%", sector, sectorPct, params.MaxSectorExposurePercent))
		score += 0.15
	}

	// Daily limits
	now := e.opts.Now().In(e.opts.Location)
	// an order being modified is already stored and must not count against itself
	ordersToday, err := e.db.CountOrdersSince(order.UserID, startOfDay(now), order.OrderID)
	if err != nil {
		return nil, tradeerrors.Persistence("risk", "count_orders", err)
	}
	result.Metadata["orders_today"] = ordersToday
	if ordersToday >= int64(params.MaxOrdersPerDay) {
		violations = append(violations, fmt.Sprintf("daily order limit %d reached", params.MaxOrdersPerDay))
		score += 0.2
	}

	lossPct := valuation.DailyLossPercent()
	result.Metadata["daily_loss_percent"] = lossPct
	switch {
	case lossPct > params.DailyLossLimitPercent:
		violations = append(violations, fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", lossPct, params.DailyLossLimitPercent))
		score += 0.3
	case lossPct >= params.DailyLossLimitPercent*warningBand:
		result.Warnings = append(result.Warnings, fmt.Sprintf("daily loss %.2f%% is close to limit %.2f%%", lossPct, params.DailyLossLimitPercent))
		score += 0.1
	}

	// Market conditions
	if !e.withinTradingHours(now) {
		result.Warnings = append(result.Warnings, "order placed outside trading hours")
		score += 0.05
	}
	if order.Type == types.OrderTypeMarket {
		if vol := e.opts.Volatility.VolatilityOf(order.Symbol); vol >= e.opts.VolatileThreshold {
			result.Warnings = append(result.Warnings, fmt.Sprintf("MARKET order on volatile symbol %s (daily volatility %.1f%%)", order.Symbol, vol*100))
			score += 0.1
		}
	}

	return e.finish(logger, result, violations, score), nil
}

func (e *Engine) finish(logger zerolog.Logger, result *types.RiskValidationResult, violations []string, score float64) *types.RiskValidationResult {
	result.Violations = append(result.Violations, violations...)
	result.Valid = len(result.Violations) == 0
	result.RiskScore = math.Min(1, score)
	metrics.RecordValidation(result.Valid)

	event := logger.Info()
	if !result.Valid {
		event = logger.Warn().Strs("violations", result.Violations)
	}
	event.
		Bool("valid", result.Valid).
		Float64("risk_score", result.RiskScore).
		Int("warnings", len(result.Warnings)).
		Msg("validated order")
	return result
}

// CalculatePortfolioRisk computes the user's portfolio risk snapshot.
// Results are cached per user for the configured TTL.
func (e *Engine) CalculatePortfolioRisk(ctx context.Context, userID string) (*types.PortfolioRisk, error) {
	now := e.opts.Now()
	if e.opts.CacheTTL > 0 {
		e.mu.Lock()
		cached, ok := e.cache[userID]
		e.mu.Unlock()
		if ok && now.Before(cached.expires) {
			return cached.risk, nil
		}
	}

	params, err := e.GetParameters(ctx, userID)
	if err != nil {
		return nil, err
	}
	valuation, err := e.portfolio.Valuate(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := e.portfolio.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	pv := valuation.PortfolioValue
	exposure := valuation.GrossExposure
	risk := &types.PortfolioRisk{
		UserID:                 userID,
		PortfolioValue:         pv,
		TotalExposure:          exposure,
		ExposurePercentage:     percentOf(exposure, pv),
		CurrentDrawdown:        valuation.DrawdownPercent,
		VaR95:                  e.opts.VaR.EstimateVaR95(positions, exposure),
		SectorExposures:        make(map[string]float64),
		PositionConcentrations: make(map[string]float64),
		CalculatedAt:           now,
	}

	for i := range positions {
		value := positions[i].MarketValue()
		risk.SectorExposures[e.opts.Sectors.SectorOf(positions[i].Symbol)] += percentOf(value, pv)
		risk.PositionConcentrations[positions[i].Symbol] += percentOf(value, pv)
	}

	switch {
	case pv > 0:
		risk.LeverageRatio = exposure / pv
	case exposure > 0:
		risk.LeverageRatio = leverageCeiling
	}

	risk.RiskScore = weightExposure*capped(risk.ExposurePercentage/params.MaxPortfolioExposurePercent) +
		weightSector*capped(risk.MaxSectorExposure()/params.MaxSectorExposurePercent) +
		weightPosition*capped(risk.MaxPositionConcentration()/params.MaxPositionSizePercent) +
		weightDrawdown*capped(risk.CurrentDrawdown/params.MaxDrawdownPercent) +
		weightLeverage*capped(risk.LeverageRatio/leverageCeiling)

	metrics.SetPortfolioRiskScore(userID, risk.RiskScore)

	if e.opts.CacheTTL > 0 {
		e.mu.Lock()
		e.cache[userID] = cachedRisk{risk: risk, expires: now.Add(e.opts.CacheTTL)}
		e.mu.Unlock()
	}

	log.Debug().
		Str("component", "risk_engine").
		Str("user_id", userID).
		Float64("portfolio_value", pv).
		Float64("exposure_percent", risk.ExposurePercentage).
		Float64("drawdown", risk.CurrentDrawdown).
		Float64("risk_score", risk.RiskScore).
		Msg("calculated portfolio risk")

	return risk, nil
}

// InvalidateCache drops the cached portfolio risk for userID
func (e *Engine) InvalidateCache(userID string) {
	e.mu.Lock()
	delete(e.cache, userID)
	e.mu.Unlock()
}

// withinTradingHours reports whether now falls in the configured session on
// a weekday. Equal start and end mean the market never closes.
func (e *Engine) withinTradingHours(now time.Time) bool {
	if e.opts.TradingHoursStart == e.opts.TradingHoursEnd {
		return true
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	offset := now.Sub(startOfDay(now))
	if e.opts.TradingHoursStart < e.opts.TradingHoursEnd {
		return offset >= e.opts.TradingHoursStart && offset < e.opts.TradingHoursEnd
	}
	// overnight session
	return offset >= e.opts.TradingHoursStart || offset < e.opts.TradingHoursEnd
}

// percentOf returns v as a percentage of total. A non-positive total with a
// positive v counts as fully used.
func percentOf(v, total float64) float64 {
	if total <= 0 {
		if v > 0 {
			return 100
		}
		return 0
	}
	return v / total * 100
}

func capped(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Min(1, v)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// GinHandlers contains HTTP handlers for risk endpoints
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// GetPortfolioRiskHandler returns the caller's portfolio risk
func (h *GinHandlers) GetPortfolioRiskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		risk, err := h.engine.CalculatePortfolioRisk(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, risk, err)
	}
}

// GetParametersHandler returns the caller's risk limits
func (h *GinHandlers) GetParametersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		params, err := h.engine.GetParameters(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, params, err)
	}
}

// UpdateParametersHandler replaces the caller's risk limits
func (h *GinHandlers) UpdateParametersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var params types.RiskParameters
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		params.UserID = auth.GetUserID(c)

		err := h.engine.UpdateParameters(c.Request.Context(), &params)
		response.Handle(c, params, err)
	}
}

// ValidateOrderHandler dry-runs the pre-trade checks for an order
func (h *GinHandlers) ValidateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var order types.Order
		if err := c.ShouldBindJSON(&order); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		order.UserID = auth.GetUserID(c)

		result, err := h.engine.ValidateOrder(c.Request.Context(), &order)
		response.Handle(c, result, err)
	}
}
