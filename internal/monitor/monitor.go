package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-guard/internal/config"
	"github.com/ksred/klear-guard/internal/emergency"
	tradeerrors "github.com/ksred/klear-guard/internal/errors"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/types"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultAlertRetention = 24 * time.Hour
)

var ErrAlertNotFound = errors.New("alert not found")

// RiskSource scores a user's portfolio.
type RiskSource interface {
	CalculatePortfolioRisk(ctx context.Context, userID string) (*types.PortfolioRisk, error)
}

// PositionSource lists users worth monitoring and looks up their positions.
// GetPosition returns an error when the user holds no open position.
type PositionSource interface {
	ListActiveUsers(ctx context.Context) ([]string, error)
	GetPosition(ctx context.Context, userID, symbol string) (*types.Position, error)
}

// ExitOrderSubmitter sends the reduce-only orders a stop-loss produces.
type ExitOrderSubmitter interface {
	SubmitExitOrder(ctx context.Context, order *types.Order) (*types.Order, error)
}

// EmergencyStopper halts a user's trading.
type EmergencyStopper interface {
	ExecuteEmergencyStop(ctx context.Context, req emergency.Request) *emergency.Result
}

type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

type Dependencies struct {
	Risk      RiskSource
	Positions PositionSource
	Exits     ExitOrderSubmitter
	Emergency EmergencyStopper
	Prices    PriceSource
	Events    events.Publisher
}

// Monitor re-scores active portfolios on an interval, raising alerts,
// executing stop-losses and escalating to an emergency stop.
type Monitor struct {
	db         *Database
	deps       Dependencies
	cfg        config.MonitorConfig
	thresholds Thresholds
	trigger    EmergencyTrigger

	mu         sync.Mutex
	stopLosses map[string]map[string]*StopLossOrder // user -> symbol
	emergency  map[string]time.Time

	now func() time.Time
}

func NewMonitor(gormDB *gorm.DB, deps Dependencies, cfg config.MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.AlertRetention <= 0 {
		cfg.AlertRetention = DefaultAlertRetention
	}
	return &Monitor{
		db:         NewDatabase(gormDB),
		deps:       deps,
		cfg:        cfg,
		thresholds: DefaultThresholds(),
		trigger:    DefaultEmergencyTrigger(),
		stopLosses: make(map[string]map[string]*StopLossOrder),
		emergency:  make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// Start runs the monitoring loop until ctx is cancelled
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "risk_monitor").Logger()
	logger.Info().Dur("interval", m.cfg.Interval).Msg("starting risk monitor")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down risk monitor")
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("monitor run failed")
			}
		}
	}
}

// RunOnce evaluates every active user outside the emergency set and returns
// how many were checked. A failure for one user does not stop the others.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "risk_monitor").Logger()

	if removed, err := m.CleanupAlerts(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to clean up alerts")
	} else if removed > 0 {
		logger.Debug().Int64("removed", removed).Msg("expired alerts removed")
	}

	users, err := m.deps.Positions.ListActiveUsers(ctx)
	if err != nil {
		return 0, err
	}

	checked := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return checked, ctx.Err()
		}
		if m.IsInEmergency(userID) {
			logger.Debug().Str("user_id", userID).Msg("user in emergency, skipping")
			continue
		}
		if err := m.evaluateUser(ctx, userID); err != nil {
			logger.Error().Err(err).Str("user_id", userID).Msg("failed to evaluate user")
			continue
		}
		checked++
	}
	return checked, nil
}

func (m *Monitor) evaluateUser(ctx context.Context, userID string) error {
	logger := log.With().Str("component", "risk_monitor").Str("user_id", userID).Logger()

	risk, err := m.deps.Risk.CalculatePortfolioRisk(ctx, userID)
	if err != nil {
		return err
	}

	for _, check := range m.thresholds.checks(risk) {
		severity, limit, breached := check.threshold.Severity(check.value)
		if !breached {
			continue
		}
		msg := fmt.Sprintf("%s %.2f reached %s threshold %.2f", check.label, check.value, severity, limit)
		if _, err := m.raiseAlert(ctx, userID, check.alertType, severity, check.value, limit, msg); err != nil {
			logger.Error().Err(err).Str("type", string(check.alertType)).Msg("failed to raise alert")
		}
	}

	m.checkUserStopLosses(ctx, userID, logger)

	if m.trigger.Met(risk) {
		m.triggerEmergency(ctx, userID, risk, logger)
	}
	return nil
}

// raiseAlert stores a new alert, or refreshes the open alert with the same
// user, type and severity.
func (m *Monitor) raiseAlert(ctx context.Context, userID string, alertType types.AlertType, severity types.AlertSeverity, value, limit float64, msg string) (*types.RiskAlert, error) {
	existing, err := m.db.FindOpenAlert(userID, alertType, severity)
	if err != nil {
		return nil, tradeerrors.Persistence("monitor", "raise_alert", err)
	}
	if existing != nil {
		existing.CurrentValue = value
		existing.Message = msg
		existing.TriggeredAt = m.now()
		if err := m.db.UpdateAlert(existing); err != nil {
			return nil, tradeerrors.Persistence("monitor", "raise_alert", err)
		}
		return existing, nil
	}

	alert := &types.RiskAlert{
		AlertID:        fmt.Sprintf("ALR_%s", uuid.New().String()),
		UserID:         userID,
		Type:           alertType,
		Severity:       severity,
		CurrentValue:   value,
		ThresholdValue: limit,
		Message:        msg,
		TriggeredAt:    m.now(),
	}
	if err := m.db.CreateAlert(alert); err != nil {
		return nil, tradeerrors.Persistence("monitor", "raise_alert", err)
	}

	metrics.RecordRiskAlert(string(alertType), string(severity))
	m.publish(ctx, events.New(userID, alertPriority(severity), events.RiskAlertRaised{Alert: *alert}))

	log.Warn().
		Str("component", "risk_monitor").
		Str("user_id", userID).
		Str("type", string(alertType)).
		Str("severity", string(severity)).
		Float64("value", value).
		Float64("threshold", limit).
		Msg("risk alert raised")
	return alert, nil
}

func alertPriority(severity types.AlertSeverity) events.Priority {
	switch severity {
	case types.SeverityCritical:
		return events.PriorityCritical
	case types.SeverityHigh:
		return events.PriorityHigh
	}
	return events.PriorityNormal
}

func (m *Monitor) triggerEmergency(ctx context.Context, userID string, risk *types.PortfolioRisk, logger zerolog.Logger) {
	m.mu.Lock()
	if _, ok := m.emergency[userID]; ok {
		m.mu.Unlock()
		return
	}
	m.emergency[userID] = m.now()
	m.mu.Unlock()

	reason := fmt.Sprintf("risk score %.2f, drawdown %.2f%%, exposure %.2f%%",
		risk.RiskScore, risk.CurrentDrawdown, risk.ExposurePercentage)
	logger.Error().Str("reason", reason).Msg("emergency condition met")

	cancelled := 0
	if m.deps.Emergency != nil {
		result := m.deps.Emergency.ExecuteEmergencyStop(ctx, emergency.Request{
			UserID:          userID,
			Scope:           emergency.ScopeUser,
			Reason:          reason,
			CancelOrders:    true,
			PauseStrategies: m.cfg.EmergencyPauseStrategies,
		})
		cancelled = result.OrdersCancelled
		if !result.Success {
			logger.Error().Strs("errors", result.Errors).Msg("emergency stop completed with errors")
		}
	} else {
		logger.Error().Msg("no emergency stop system configured, orders left working")
	}

	m.publish(ctx, events.New(userID, events.PriorityCritical, events.EmergencyStopTriggered{
		Reason:          reason,
		RiskScore:       risk.RiskScore,
		Drawdown:        risk.CurrentDrawdown,
		Exposure:        risk.ExposurePercentage,
		OrdersCancelled: cancelled,
	}))
}

// IsInEmergency reports whether automated actions for the user are suspended
func (m *Monitor) IsInEmergency(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.emergency[userID]
	return ok
}

// ClearEmergency resumes monitoring for the user. It reports whether the
// user was in the emergency set.
func (m *Monitor) ClearEmergency(userID string) bool {
	m.mu.Lock()
	_, ok := m.emergency[userID]
	delete(m.emergency, userID)
	m.mu.Unlock()

	if ok {
		log.Info().Str("component", "risk_monitor").Str("user_id", userID).Msg("emergency cleared")
	}
	return ok
}

// EmergencyUsers lists the users currently suspended, sorted
func (m *Monitor) EmergencyUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.emergency))
	for u := range m.emergency {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (m *Monitor) GetAlerts(ctx context.Context, userID string, activeOnly bool) ([]types.RiskAlert, error) {
	alerts, err := m.db.GetUserAlerts(userID, activeOnly)
	if err != nil {
		return nil, tradeerrors.Persistence("monitor", "get_alerts", err)
	}
	return alerts, nil
}

// ResolveAlert marks the alert resolved; resolving twice keeps the first time
func (m *Monitor) ResolveAlert(ctx context.Context, alertID string) (*types.RiskAlert, error) {
	alert, err := m.db.GetAlert(alertID)
	if err != nil {
		return nil, tradeerrors.Persistence("monitor", "resolve_alert", err)
	}
	if alert == nil {
		return nil, ErrAlertNotFound
	}
	if alert.IsResolved() {
		return alert, nil
	}
	now := m.now()
	alert.ResolvedAt = &now
	if err := m.db.UpdateAlert(alert); err != nil {
		return nil, tradeerrors.Persistence("monitor", "resolve_alert", err)
	}
	return alert, nil
}

// CleanupAlerts deletes alerts older than the retention window
func (m *Monitor) CleanupAlerts(ctx context.Context) (int64, error) {
	removed, err := m.db.DeleteAlertsBefore(m.now().Add(-m.cfg.AlertRetention))
	if err != nil {
		return 0, tradeerrors.Persistence("monitor", "cleanup_alerts", err)
	}
	return removed, nil
}

func (m *Monitor) publish(ctx context.Context, event events.Event) {
	if m.deps.Events != nil {
		m.deps.Events.Publish(ctx, event)
	}
}
