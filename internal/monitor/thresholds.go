package monitor

import "github.com/ksred/klear-guard/internal/types"

// Threshold holds the escalation levels for one metric.
type Threshold struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// Severity returns the highest level value has reached and that level's
// threshold. ok is false below Medium.
func (t Threshold) Severity(value float64) (severity types.AlertSeverity, limit float64, ok bool) {
	switch {
	case value >= t.Critical:
		return types.SeverityCritical, t.Critical, true
	case value >= t.High:
		return types.SeverityHigh, t.High, true
	case value >= t.Medium:
		return types.SeverityMedium, t.Medium, true
	}
	return "", 0, false
}

// Thresholds covers every monitored metric. Percent metrics are in percent,
// the risk score is in [0,1].
type Thresholds struct {
	RiskScore             Threshold `json:"risk_score"`
	Drawdown              Threshold `json:"drawdown"`
	Exposure              Threshold `json:"exposure"`
	SectorConcentration   Threshold `json:"sector_concentration"`
	PositionConcentration Threshold `json:"position_concentration"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RiskScore:             Threshold{Medium: 0.6, High: 0.75, Critical: 0.9},
		Drawdown:              Threshold{Medium: 10, High: 15, Critical: 20},
		Exposure:              Threshold{Medium: 70, High: 85, Critical: 95},
		SectorConcentration:   Threshold{Medium: 25, High: 35, Critical: 45},
		PositionConcentration: Threshold{Medium: 15, High: 20, Critical: 30},
	}
}

// EmergencyTrigger is the composite condition that halts a user.
type EmergencyTrigger struct {
	RiskScore float64 `json:"risk_score"`
	Drawdown  float64 `json:"drawdown"`
	Exposure  float64 `json:"exposure"`
}

func DefaultEmergencyTrigger() EmergencyTrigger {
	return EmergencyTrigger{RiskScore: 0.95, Drawdown: 25, Exposure: 98}
}

// Met reports whether any of the three limits is reached.
func (e EmergencyTrigger) Met(risk *types.PortfolioRisk) bool {
	return risk.RiskScore >= e.RiskScore ||
		risk.CurrentDrawdown >= e.Drawdown ||
		risk.ExposurePercentage >= e.Exposure
}

type metricCheck struct {
	alertType types.AlertType
	value     float64
	threshold Threshold
	label     string
}

func (t Thresholds) checks(risk *types.PortfolioRisk) []metricCheck {
	return []metricCheck{
		{types.AlertRiskScore, risk.RiskScore, t.RiskScore, "risk score"},
		{types.AlertDrawdown, risk.CurrentDrawdown, t.Drawdown, "drawdown %"},
		{types.AlertExposure, risk.ExposurePercentage, t.Exposure, "exposure %"},
		{types.AlertSectorConcentration, risk.MaxSectorExposure(), t.SectorConcentration, "sector concentration %"},
		{types.AlertPositionConcentration, risk.MaxPositionConcentration(), t.PositionConcentration, "position concentration %"},
	}
}
