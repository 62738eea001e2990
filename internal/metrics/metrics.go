package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Order lifecycle
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_orders_total",
			Help: "Orders by resulting status",
		},
		[]string{"status"},
	)

	orderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_order_retries_total",
			Help: "Broker resubmission attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Risk
	riskValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_risk_validations_total",
			Help: "Risk engine validations by result",
		},
		[]string{"result"},
	)

	portfolioRiskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "klear_guard_portfolio_risk_score",
			Help: "Latest composite portfolio risk score",
		},
		[]string{"user_id"},
	)

	riskAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_risk_alerts_total",
			Help: "Risk alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	stopLossExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_stop_loss_executions_total",
			Help: "Stop-loss orders triggered",
		},
		[]string{"symbol"},
	)

	// Emergency stop
	emergencyStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_emergency_stops_total",
			Help: "Emergency stops by scope and outcome",
		},
		[]string{"scope", "success"},
	)

	emergencyStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "klear_guard_emergency_stop_duration_seconds",
			Help:    "Wall-clock time of emergency stop cascades",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// Event bus
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_events_published_total",
			Help: "Events published on the internal bus",
		},
		[]string{"type"},
	)

	handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "klear_guard_event_handler_failures_total",
			Help: "Event handler errors and panics",
		},
		[]string{"type", "handler"},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal)
	prometheus.MustRegister(orderRetries)
	prometheus.MustRegister(riskValidations)
	prometheus.MustRegister(portfolioRiskScore)
	prometheus.MustRegister(riskAlerts)
	prometheus.MustRegister(stopLossExecutions)
	prometheus.MustRegister(emergencyStops)
	prometheus.MustRegister(emergencyStopDuration)
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(handlerFailures)
}

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler adapts the metrics endpoint for a gin router.
func GinHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordOrder(status string) {
	ordersTotal.WithLabelValues(status).Inc()
}

func RecordRetry(outcome string) {
	orderRetries.WithLabelValues(outcome).Inc()
}

func RecordValidation(valid bool) {
	result := "rejected"
	if valid {
		result = "accepted"
	}
	riskValidations.WithLabelValues(result).Inc()
}

func SetPortfolioRiskScore(userID string, score float64) {
	portfolioRiskScore.WithLabelValues(userID).Set(score)
}

func RecordRiskAlert(alertType, severity string) {
	riskAlerts.WithLabelValues(alertType, severity).Inc()
}

func RecordStopLoss(symbol string) {
	stopLossExecutions.WithLabelValues(symbol).Inc()
}

func RecordEmergencyStop(scope string, success bool, seconds float64) {
	label := "false"
	if success {
		label = "true"
	}
	emergencyStops.WithLabelValues(scope, label).Inc()
	emergencyStopDuration.Observe(seconds)
}

func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

func RecordHandlerFailure(eventType, handler string) {
	handlerFailures.WithLabelValues(eventType, handler).Inc()
}
