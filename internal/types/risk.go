package types

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RiskParameters are the per-user limits read by the risk engine and the
// position sizer.
type RiskParameters struct {
	gorm.Model                  `json:"-"`
	UserID                      string    `gorm:"uniqueIndex" json:"user_id"`
	MaxPositionSizePercent      float64   `json:"max_position_size_percent"`
	MaxPortfolioExposurePercent float64   `json:"max_portfolio_exposure_percent"`
	MaxSectorExposurePercent    float64   `json:"max_sector_exposure_percent"`
	MaxOrdersPerDay             int       `json:"max_orders_per_day"`
	DailyLossLimitPercent       float64   `json:"daily_loss_limit_percent"`
	MaxDrawdownPercent          float64   `json:"max_drawdown_percent"`
	MaxPositionValue            float64   `json:"max_position_value"`
	CreatedAt                   time.Time `json:"created_at"`
	UpdatedAt                   time.Time `json:"updated_at"`
}

// DefaultRiskParameters returns the limits applied to users without their own row.
func DefaultRiskParameters(userID string) *RiskParameters {
	return &RiskParameters{
		UserID:                      userID,
		MaxPositionSizePercent:      10,
		MaxPortfolioExposurePercent: 80,
		MaxSectorExposurePercent:    30,
		MaxOrdersPerDay:             50,
		DailyLossLimitPercent:       5,
		MaxDrawdownPercent:          20,
		MaxPositionValue:            50000,
	}
}

// Validate returns an error describing the first invalid limit.
func (p *RiskParameters) Validate() error {
	percents := []struct {
		name  string
		value float64
	}{
		{"max_position_size_percent", p.MaxPositionSizePercent},
		{"max_portfolio_exposure_percent", p.MaxPortfolioExposurePercent},
		{"max_sector_exposure_percent", p.MaxSectorExposurePercent},
		{"daily_loss_limit_percent", p.DailyLossLimitPercent},
		{"max_drawdown_percent", p.MaxDrawdownPercent},
	}
	for _, pc := range percents {
		if pc.value <= 0 {
			return fmt.Errorf("%s must be greater than zero, got %f", pc.name, pc.value)
		}
	}
	if p.MaxOrdersPerDay <= 0 {
		return fmt.Errorf("max_orders_per_day must be greater than zero, got %d", p.MaxOrdersPerDay)
	}
	if p.MaxPositionValue <= 0 {
		return fmt.Errorf("max_position_value must be greater than zero, got %f", p.MaxPositionValue)
	}
	return nil
}

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Rank orders severities from LOW (1) to CRITICAL (4).
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type AlertType string

const (
	AlertRiskScore             AlertType = "RISK_SCORE"
	AlertDrawdown              AlertType = "DRAWDOWN"
	AlertExposure              AlertType = "EXPOSURE"
	AlertSectorConcentration   AlertType = "SECTOR_CONCENTRATION"
	AlertPositionConcentration AlertType = "POSITION_CONCENTRATION"
)

type RiskAlert struct {
	gorm.Model     `json:"-"`
	AlertID        string        `gorm:"uniqueIndex" json:"alert_id"`
	UserID         string        `gorm:"index" json:"user_id"`
	Type           AlertType     `json:"type"`
	Severity       AlertSeverity `json:"severity"`
	CurrentValue   float64       `json:"current_value"`
	ThresholdValue float64       `json:"threshold_value"`
	Message        string        `json:"message"`
	TriggeredAt    time.Time     `gorm:"index" json:"triggered_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
}

func (a *RiskAlert) IsResolved() bool {
	return a.ResolvedAt != nil
}

// PortfolioRisk is recomputed on demand and cached briefly; never persisted.
type PortfolioRisk struct {
	UserID                 string             `json:"user_id"`
	PortfolioValue         float64            `json:"portfolio_value"`
	TotalExposure          float64            `json:"total_exposure"`
	ExposurePercentage     float64            `json:"exposure_percentage"`
	CurrentDrawdown        float64            `json:"current_drawdown"`
	VaR95                  float64            `json:"var_95"`
	SectorExposures        map[string]float64 `json:"sector_exposures"`
	PositionConcentrations map[string]float64 `json:"position_concentrations"`
	LeverageRatio          float64            `json:"leverage_ratio"`
	RiskScore              float64            `json:"risk_score"`
	CalculatedAt           time.Time          `json:"calculated_at"`
}

// MaxSectorExposure returns the largest sector share in percent.
func (r *PortfolioRisk) MaxSectorExposure() float64 {
	return maxValue(r.SectorExposures)
}

// MaxPositionConcentration returns the largest single-symbol share in percent.
func (r *PortfolioRisk) MaxPositionConcentration() float64 {
	return maxValue(r.PositionConcentrations)
}

func maxValue(m map[string]float64) float64 {
	out := 0.0
	for _, v := range m {
		if v > out {
			out = v
		}
	}
	return out
}

// RiskValidationResult is the outcome of one validateOrder call.
// Valid is true exactly when Violations is empty.
type RiskValidationResult struct {
	Valid      bool                   `json:"valid"`
	RiskScore  float64                `json:"risk_score"`
	Violations []string               `json:"violations"`
	Warnings   []string               `json:"warnings"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}
