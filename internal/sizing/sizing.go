package sizing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-guard/internal/auth"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/risk"
	"github.com/ksred/klear-guard/internal/types"
	"github.com/ksred/klear-guard/pkg/response"
)

type Regime string

const (
	RegimeBull     Regime = "BULL"
	RegimeNormal   Regime = "NORMAL"
	RegimeBear     Regime = "BEAR"
	RegimeVolatile Regime = "VOLATILE"
)

// Multiplier scales every allocation made while the regime is in force.
func (r Regime) Multiplier() (float64, bool) {
	switch r {
	case RegimeBull:
		return 1.2, true
	case RegimeNormal:
		return 1.0, true
	case RegimeBear:
		return 0.7, true
	case RegimeVolatile:
		return 0.6, true
	}
	return 0, false
}

// LimitSource supplies the user's risk limits and recent order activity.
// The risk engine implements it.
type LimitSource interface {
	GetParameters(ctx context.Context, userID string) (*types.RiskParameters, error)
	CountOrdersSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// PositionSource supplies the user's marked open positions.
type PositionSource interface {
	GetUserPositions(ctx context.Context, userID string) ([]types.Position, error)
}

type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

// PositionSizeResult is the recommendation for one signal. Adjustment
// factors are multiplicative; 1 means no change.
type PositionSizeResult struct {
	Symbol                string   `json:"symbol"`
	Model                 string   `json:"model"`
	Price                 float64  `json:"price"`
	ModelPercent          float64  `json:"model_percent"`
	RecommendedQuantity   float64  `json:"recommended_quantity"`
	RecommendedValue      float64  `json:"recommended_value"`
	RecommendedPercent    float64  `json:"recommended_percent"`
	RiskAmount            float64  `json:"risk_amount"`
	ConfidenceAdjustment  float64  `json:"confidence_adjustment"`
	VolatilityAdjustment  float64  `json:"volatility_adjustment"`
	CorrelationAdjustment float64  `json:"correlation_adjustment"`
	RegimeAdjustment      float64  `json:"regime_adjustment"`
	FrequencyAdjustment   float64  `json:"frequency_adjustment"`
	Reasoning             []string `json:"reasoning"`
	Warnings              []string `json:"warnings"`
}

type Options struct {
	DefaultModel string
	Regime       Regime
	Sectors      risk.SectorTable
	Volatility   risk.VolatilityTable
	Now          func() time.Time
}

// Sizer turns signals into quantities using a named model followed by the
// portfolio level adjustments and the final clamp.
type Sizer struct {
	limits    LimitSource
	positions PositionSource
	prices    PriceSource
	opts      Options

	mu     sync.RWMutex
	models map[string]Model
	regime Regime
}

func NewSizer(limits LimitSource, positions PositionSource, prices PriceSource, opts Options) *Sizer {
	if opts.DefaultModel == "" {
		opts.DefaultModel = ModelConfidenceWeighted
	}
	if _, ok := opts.Regime.Multiplier(); !ok {
		opts.Regime = RegimeNormal
	}
	if opts.Sectors == nil {
		opts.Sectors = risk.DefaultSectorTable()
	}
	if opts.Volatility == nil {
		opts.Volatility = risk.DefaultVolatilityTable()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Sizer{
		limits:    limits,
		positions: positions,
		prices:    prices,
		opts:      opts,
		models:    make(map[string]Model),
		regime:    opts.Regime,
	}
	for _, m := range []Model{FixedFractional{}, Kelly{}, VolatilityAdjusted{}, RiskParity{}, ConfidenceWeighted{}} {
		s.models[m.Name()] = m
	}
	return s
}

// RegisterModel adds or replaces a model under its name.
func (s *Sizer) RegisterModel(m Model) error {
	if m == nil || m.Name() == "" {
		return tradeerrors.Configuration("sizing", "register_model", fmt.Errorf("model must have a name"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.Name()] = m
	return nil
}

// Models lists the registered model names.
func (s *Sizer) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Sizer) DefaultModel() string {
	return s.opts.DefaultModel
}

func (s *Sizer) SetRegime(r Regime) error {
	r = Regime(strings.ToUpper(string(r)))
	if _, ok := r.Multiplier(); !ok {
		return tradeerrors.Configuration("sizing", "set_regime", fmt.Errorf("unknown market regime %q", r))
	}
	s.mu.Lock()
	s.regime = r
	s.mu.Unlock()
	log.Info().Str("component", "sizing").Str("regime", string(r)).Msg("Market regime updated")
	return nil
}

func (s *Sizer) Regime() Regime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regime
}

func (s *Sizer) model(name string) (Model, error) {
	if name == "" {
		name = s.opts.DefaultModel
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[name]
	if !ok {
		return nil, tradeerrors.Configuration("sizing", "model", fmt.Errorf("unknown sizing model %q", name))
	}
	return m, nil
}

// CalculatePositionSize recommends a quantity for the signal. modelName may
// be empty to use the default model.
func (s *Sizer) CalculatePositionSize(ctx context.Context, signal *types.TradingSignal, portfolioValue float64, modelName string) (*PositionSizeResult, error) {
	if signal == nil {
		return nil, tradeerrors.Validation("sizing", "calculate", "signal is required")
	}
	if portfolioValue <= 0 {
		return nil, tradeerrors.Validation("sizing", "calculate", fmt.Sprintf("portfolio value must be positive, got %.2f", portfolioValue))
	}
	model, err := s.model(modelName)
	if err != nil {
		return nil, err
	}

	logger := log.With().
		Str("component", "sizing").
		Str("signal_id", signal.ID).
		Str("symbol", signal.Symbol).
		Str("model", model.Name()).
		Logger()

	price := signal.EntryPrice
	if price <= 0 && s.prices != nil {
		if p, ok := s.prices.GetPrice(signal.Symbol); ok {
			price = p
		}
	}
	if price <= 0 {
		return nil, tradeerrors.Validation("sizing", "calculate", fmt.Sprintf("no price available for %s", signal.Symbol))
	}

	params, err := s.limits.GetParameters(ctx, signal.UserID)
	if err != nil {
		return nil, err
	}

	vol := s.opts.Volatility.VolatilityOf(signal.Symbol)
	out := model.Size(Inputs{
		Signal:     signal,
		Price:      price,
		Volatility: vol,
		Params:     params,
	})

	result := &PositionSizeResult{
		Symbol:               signal.Symbol,
		Model:                model.Name(),
		Price:                price,
		ModelPercent:         out.Percent,
		ConfidenceAdjustment: out.ConfidenceAdjustment,
		VolatilityAdjustment: out.VolatilityAdjustment,
		Reasoning:            append([]string(nil), out.Reasoning...),
		Warnings:             []string{},
	}

	correlation, err := s.correlationAdjustment(ctx, signal, portfolioValue, result)
	if err != nil {
		return nil, err
	}
	regime := s.Regime()
	regimeFactor, _ := regime.Multiplier()
	if regimeFactor != 1 {
		result.Reasoning = append(result.Reasoning, fmt.Sprintf("%s regime multiplier %.2f", regime, regimeFactor))
	}
	frequency, err := s.frequencyAdjustment(ctx, signal.UserID, result)
	if err != nil {
		return nil, err
	}

	result.CorrelationAdjustment = correlation
	result.RegimeAdjustment = regimeFactor
	result.FrequencyAdjustment = frequency

	pct := out.Percent * correlation * regimeFactor * frequency
	s.finalize(result, pct, portfolioValue, price, params, signal)

	logger.Debug().
		Float64("model_percent", out.Percent).
		Float64("quantity", result.RecommendedQuantity).
		Float64("value", result.RecommendedValue).
		Int("warnings", len(result.Warnings)).
		Msg("Position size calculated")
	return result, nil
}

// correlationAdjustment dampens additions to a sector the user already holds
// heavily. Sector concentration stands in for correlation.
func (s *Sizer) correlationAdjustment(ctx context.Context, signal *types.TradingSignal, portfolioValue float64, result *PositionSizeResult) (float64, error) {
	if s.positions == nil {
		return 1, nil
	}
	positions, err := s.positions.GetUserPositions(ctx, signal.UserID)
	if err != nil {
		return 0, err
	}
	sector := s.opts.Sectors.SectorOf(signal.Symbol)
	held := 0.0
	for i := range positions {
		if s.opts.Sectors.SectorOf(positions[i].Symbol) == sector {
			held += positions[i].MarketValue()
		}
	}
	concentration := held / portfolioValue * 100

	switch {
	case concentration > 30:
		result.Reasoning = append(result.Reasoning, fmt.Sprintf("%s sector already %.1f%% of portfolio, size halved", sector, concentration))
		return 0.5, nil
	case concentration > 20:
		result.Reasoning = append(result.Reasoning, fmt.Sprintf("%s sector already %.1f%% of portfolio, size reduced 25%%", sector, concentration))
		return 0.75, nil
	}
	return 1, nil
}

func (s *Sizer) frequencyAdjustment(ctx context.Context, userID string, result *PositionSizeResult) (float64, error) {
	count, err := s.limits.CountOrdersSince(ctx, userID, s.opts.Now().Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}
	switch {
	case count > 20:
		result.Reasoning = append(result.Reasoning, fmt.Sprintf("%d orders in the last 24h, size halved", count))
		return 0.5, nil
	case count > 10:
		result.Reasoning = append(result.Reasoning, fmt.Sprintf("%d orders in the last 24h, size reduced 25%%", count))
		return 0.75, nil
	}
	return 1, nil
}

// finalize converts the adjusted percentage into whole units: floor, raise to
// one unit, then clamp the value to the tighter of the percentage and
// absolute position limits.
func (s *Sizer) finalize(result *PositionSizeResult, pct, portfolioValue, price float64, params *types.RiskParameters, signal *types.TradingSignal) {
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		result.Warnings = append(result.Warnings, "model produced an undefined allocation")
		pct = 0
	}
	decPrice := decimal.NewFromFloat(price)
	value := decimal.NewFromFloat(portfolioValue).Mul(decimal.NewFromFloat(pct).Round(8)).Div(decimal.NewFromInt(100))
	qty := value.Div(decPrice).Floor()

	if pct <= 0 {
		qty = decimal.Zero
		result.Warnings = append(result.Warnings, "model produced no allocation")
	} else if qty.LessThan(decimal.NewFromInt(1)) {
		qty = decimal.NewFromInt(1)
		result.Warnings = append(result.Warnings, "quantity raised to the minimum of 1 unit")
	}

	limit := math.Min(portfolioValue*params.MaxPositionSizePercent/100, params.MaxPositionValue)
	decLimit := decimal.NewFromFloat(limit)
	if qty.Mul(decPrice).GreaterThan(decLimit) {
		qty = decLimit.Div(decPrice).Floor()
		result.Warnings = append(result.Warnings, fmt.Sprintf("position value clamped to %.2f", limit))
		if qty.IsZero() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("one unit at %.2f exceeds the position limit", price))
		}
	}

	result.RecommendedQuantity = qty.InexactFloat64()
	result.RecommendedValue = qty.Mul(decPrice).InexactFloat64()
	result.RecommendedPercent = result.RecommendedValue / portfolioValue * 100

	if signal.StopLoss != nil && *signal.StopLoss > 0 {
		result.RiskAmount = result.RecommendedQuantity * math.Abs(price-*signal.StopLoss)
	} else {
		result.RiskAmount = result.RecommendedValue * s.opts.Volatility.VolatilityOf(signal.Symbol)
	}
}

type GinHandlers struct {
	sizer     *Sizer
	valuation func(ctx context.Context, userID string) (float64, error)
}

// NewGinHandlers exposes the sizer; valuation resolves the portfolio value of
// the requesting user.
func NewGinHandlers(sizer *Sizer, valuation func(ctx context.Context, userID string) (float64, error)) *GinHandlers {
	return &GinHandlers{sizer: sizer, valuation: valuation}
}

type sizeRequest struct {
	Signal types.TradingSignal `json:"signal"`
	Model  string              `json:"model"`
}

func (h *GinHandlers) CalculatePositionSizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request format")
			return
		}
		req.Signal.UserID = auth.GetUserID(c)
		value, err := h.valuation(c.Request.Context(), req.Signal.UserID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		result, err := h.sizer.CalculatePositionSize(c.Request.Context(), &req.Signal, value, req.Model)
		response.Handle(c, result, err)
	}
}

type regimeRequest struct {
	Regime Regime `json:"regime" binding:"required"`
}

func (h *GinHandlers) SetRegimeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req regimeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request format")
			return
		}
		err := h.sizer.SetRegime(req.Regime)
		response.Handle(c, gin.H{"regime": h.sizer.Regime()}, err)
	}
}
