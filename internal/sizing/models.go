package sizing

import (
	"fmt"
	"math"

	"github.com/ksred/klear-guard/internal/types"
)

const (
	ModelFixedFractional    = "fixed_fractional"
	ModelKelly              = "kelly"
	ModelVolatilityAdjusted = "volatility_adjusted"
	ModelRiskParity         = "risk_parity"
	ModelConfidenceWeighted = "confidence_weighted"
)

const (
	// DefaultBasePercent is the allocation used when the signal does not
	// suggest one.
	DefaultBasePercent = 5.0
	// TargetVolatility is the daily volatility at which no volatility
	// scaling is applied.
	TargetVolatility = 0.02
	// maxVolatilityScale bounds the upscaling of quiet symbols.
	maxVolatilityScale = 2.0
	// KellyFraction scales the full Kelly fraction down.
	KellyFraction = 0.25
	// DefaultRiskParityTarget is the risk contribution, weight x daily
	// volatility, each position is sized to.
	DefaultRiskParityTarget = 0.02
)

// Inputs is everything a model may look at.
type Inputs struct {
	Signal     *types.TradingSignal
	Price      float64
	Volatility float64
	Params     *types.RiskParameters
}

// Output is a model's proposal, as a percentage of portfolio value, with the
// factors it applied.
type Output struct {
	Percent              float64
	ConfidenceAdjustment float64
	VolatilityAdjustment float64
	Reasoning            []string
}

// Model turns a signal into a target allocation.
type Model interface {
	Name() string
	Size(in Inputs) Output
}

func basePercent(s *types.TradingSignal) float64 {
	if s.PositionSizePct > 0 {
		return s.PositionSizePct
	}
	return DefaultBasePercent
}

func volatilityScale(vol float64) float64 {
	if vol <= 0 {
		return 1
	}
	return math.Min(TargetVolatility/vol, maxVolatilityScale)
}

// FixedFractional allocates a fixed share of the portfolio: the signal's
// suggested percentage, or DefaultBasePercent.
type FixedFractional struct{}

func (FixedFractional) Name() string { return ModelFixedFractional }

func (FixedFractional) Size(in Inputs) Output {
	pct := basePercent(in.Signal)
	return Output{
		Percent:              pct,
		ConfidenceAdjustment: 1,
		VolatilityAdjustment: 1,
		Reasoning:            []string{fmt.Sprintf("fixed fractional: %.2f%% of portfolio", pct)},
	}
}

// Kelly sizes with a quarter of the Kelly fraction f = (b·p − q)/b, where b
// is the reward to risk ratio and p the signal confidence, then caps at the
// maximum position size.
type Kelly struct{}

func (Kelly) Name() string { return ModelKelly }

func (Kelly) Size(in Inputs) Output {
	s := in.Signal
	if s.TargetPrice == nil || s.StopLoss == nil || *s.StopLoss == in.Price {
		pct := basePercent(s) * s.ConfidenceScore
		return Output{
			Percent:              pct,
			ConfidenceAdjustment: s.ConfidenceScore,
			VolatilityAdjustment: 1,
			Reasoning:            []string{fmt.Sprintf("kelly: target or stop missing, base allocation scaled by confidence = %.2f%%", pct)},
		}
	}

	p := s.ConfidenceScore
	reward := math.Abs(*s.TargetPrice - in.Price)
	if reward == 0 {
		return Output{
			Percent:              0,
			ConfidenceAdjustment: p,
			VolatilityAdjustment: 1,
			Reasoning:            []string{"kelly: no edge, target equals entry price"},
		}
	}

	b := reward / math.Abs(in.Price-*s.StopLoss)
	q := 1 - p
	f := (b*p - q) / b
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return Output{
			Percent:              0,
			ConfidenceAdjustment: p,
			VolatilityAdjustment: 1,
			Reasoning:            []string{fmt.Sprintf("kelly: no edge (b=%.2f, p=%.2f, f=%.4f)", b, p, f)},
		}
	}

	pct := f * KellyFraction * 100
	reasoning := []string{
		fmt.Sprintf("kelly: b=%.2f p=%.2f f=%.4f, fractional %.0f%% = %.2f%%", b, p, f, KellyFraction*100, pct),
	}
	if in.Params != nil && pct > in.Params.MaxPositionSizePercent {
		pct = in.Params.MaxPositionSizePercent
		reasoning = append(reasoning, fmt.Sprintf("kelly: capped to max position size %.2f%%", pct))
	}
	return Output{
		Percent:              pct,
		ConfidenceAdjustment: p,
		VolatilityAdjustment: 1,
		Reasoning:            reasoning,
	}
}

// VolatilityAdjusted scales the base allocation by target/actual volatility
// and by confidence.
type VolatilityAdjusted struct{}

func (VolatilityAdjusted) Name() string { return ModelVolatilityAdjusted }

func (VolatilityAdjusted) Size(in Inputs) Output {
	scale := volatilityScale(in.Volatility)
	conf := in.Signal.ConfidenceScore
	pct := basePercent(in.Signal) * scale * conf
	return Output{
		Percent:              pct,
		ConfidenceAdjustment: conf,
		VolatilityAdjustment: scale,
		Reasoning: []string{
			fmt.Sprintf("volatility adjusted: base %.2f%% x vol scale %.2f x confidence %.2f = %.2f%%", basePercent(in.Signal), scale, conf, pct),
		},
	}
}

// RiskParity sizes the position so that weight x volatility hits
// TargetRisk, scaled by confidence and capped at the maximum position size.
type RiskParity struct {
	TargetRisk float64
}

func (RiskParity) Name() string { return ModelRiskParity }

func (m RiskParity) Size(in Inputs) Output {
	target := m.TargetRisk
	if target <= 0 {
		target = DefaultRiskParityTarget
	}
	vol := in.Volatility
	if vol <= 0 {
		vol = TargetVolatility
	}
	conf := in.Signal.ConfidenceScore
	pct := target / vol * conf * 100
	reasoning := []string{
		fmt.Sprintf("risk parity: target %.2f%% / vol %.2f%% x confidence %.2f = %.2f%%", target*100, vol*100, conf, pct),
	}
	if in.Params != nil && pct > in.Params.MaxPositionSizePercent {
		pct = in.Params.MaxPositionSizePercent
		reasoning = append(reasoning, fmt.Sprintf("risk parity: capped to max position size %.2f%%", pct))
	}
	return Output{
		Percent:              pct,
		ConfidenceAdjustment: conf,
		VolatilityAdjustment: target / vol,
		Reasoning:            reasoning,
	}
}

// ConfidenceWeighted scales the base allocation by confidence squared, a
// signal strength multiplier and volatility.
type ConfidenceWeighted struct{}

func (ConfidenceWeighted) Name() string { return ModelConfidenceWeighted }

func (ConfidenceWeighted) Size(in Inputs) Output {
	conf := in.Signal.ConfidenceScore
	strength := StrengthMultiplier(conf)
	scale := volatilityScale(in.Volatility)
	pct := basePercent(in.Signal) * conf * conf * strength * scale
	return Output{
		Percent:              pct,
		ConfidenceAdjustment: conf * conf * strength,
		VolatilityAdjustment: scale,
		Reasoning: []string{
			fmt.Sprintf("confidence weighted: base %.2f%% x confidence^2 %.4f x strength %.1f x vol scale %.2f = %.2f%%",
				basePercent(in.Signal), conf*conf, strength, scale, pct),
		},
	}
}

// StrengthMultiplier favours strong signals: >=0.8 is strong, >=0.6 moderate.
func StrengthMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 0.8:
		return 1.2
	case confidence >= 0.6:
		return 1.0
	default:
		return 0.8
	}
}
