package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/ksred/klear-guard/internal/types"
)

type EventType string

const (
	OrderCreatedEvent           EventType = "ORDER_CREATED"
	OrderSubmittedEvent         EventType = "ORDER_SUBMITTED"
	OrderRejectedEvent          EventType = "ORDER_REJECTED"
	OrderSubmissionFailedEvent  EventType = "ORDER_SUBMISSION_FAILED"
	OrderCancelledEvent         EventType = "ORDER_CANCELLED"
	OrderModifiedEvent          EventType = "ORDER_MODIFIED"
	OrderPartiallyFilledEvent   EventType = "ORDER_PARTIALLY_FILLED"
	OrderFilledEvent            EventType = "ORDER_FILLED"
	OrderExpiredEvent           EventType = "ORDER_EXPIRED"
	OrderFailedEvent            EventType = "ORDER_FAILED"
	RiskAlertEvent              EventType = "RISK_ALERT"
	StopLossExecutedEvent       EventType = "STOP_LOSS_EXECUTED"
	EmergencyStopEvent          EventType = "EMERGENCY_STOP"
	EmergencyStopCompletedEvent EventType = "EMERGENCY_STOP_COMPLETED"
)

// Priority is triage metadata for downstream consumers. It does not change
// delivery order.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Payload is implemented only by the payload structs in this package, so a
// type switch over Event.Payload is exhaustive.
type Payload interface {
	EventType() EventType
	sealed()
}

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// New builds an event whose type is taken from the payload.
func New(userID string, priority Priority, payload Payload) Event {
	return Event{
		ID:        "EVT_" + uuid.New().String(),
		Type:      payload.EventType(),
		UserID:    userID,
		Priority:  priority,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

type OrderCreated struct {
	Order types.Order `json:"order"`
}

type OrderSubmitted struct {
	Order         types.Order `json:"order"`
	BrokerOrderID string      `json:"broker_order_id"`
	Attempt       int         `json:"attempt"`
}

type OrderRejected struct {
	Order  types.Order `json:"order"`
	Reason string      `json:"reason"`
}

// OrderSubmissionFailed is published when a broker call fails with a
// retryable error and the order moved to ERROR.
type OrderSubmissionFailed struct {
	Order       types.Order `json:"order"`
	Error       string      `json:"error"`
	NextAttempt time.Time   `json:"next_attempt"`
}

type OrderCancelled struct {
	Order  types.Order `json:"order"`
	Reason string      `json:"reason"`
}

type OrderModified struct {
	Order   types.Order            `json:"order"`
	Changes map[string]interface{} `json:"changes"`
}

type OrderPartiallyFilled struct {
	Order        types.Order `json:"order"`
	FillQuantity float64     `json:"fill_quantity"`
	FillPrice    float64     `json:"fill_price"`
}

type OrderFilled struct {
	Order        types.Order `json:"order"`
	FillQuantity float64     `json:"fill_quantity"`
	FillPrice    float64     `json:"fill_price"`
}

type OrderExpired struct {
	Order types.Order `json:"order"`
}

// OrderFailed is published when retries are exhausted and the order is
// permanently rejected.
type OrderFailed struct {
	Order     types.Order `json:"order"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error"`
}

type RiskAlertRaised struct {
	Alert types.RiskAlert `json:"alert"`
}

type StopLossExecuted struct {
	Symbol       string      `json:"symbol"`
	TriggerPrice float64     `json:"trigger_price"`
	MarketPrice  float64     `json:"market_price"`
	Quantity     float64     `json:"quantity"`
	Order        types.Order `json:"order"`
}

type EmergencyStopTriggered struct {
	Reason          string  `json:"reason"`
	RiskScore       float64 `json:"risk_score"`
	Drawdown        float64 `json:"drawdown"`
	Exposure        float64 `json:"exposure"`
	OrdersCancelled int     `json:"orders_cancelled"`
}

type EmergencyStopCompleted struct {
	RequestID        string   `json:"request_id"`
	Scope            string   `json:"scope"`
	TargetID         string   `json:"target_id,omitempty"`
	Reason           string   `json:"reason"`
	Success          bool     `json:"success"`
	OrdersCancelled  int      `json:"orders_cancelled"`
	StrategiesPaused int      `json:"strategies_paused"`
	PositionsClosed  int      `json:"positions_closed"`
	Errors           []string `json:"errors,omitempty"`
	ExecutionTimeMs  int64    `json:"execution_time_ms"`
}

func (OrderCreated) EventType() EventType           { return OrderCreatedEvent }
func (OrderSubmitted) EventType() EventType         { return OrderSubmittedEvent }
func (OrderRejected) EventType() EventType          { return OrderRejectedEvent }
func (OrderSubmissionFailed) EventType() EventType  { return OrderSubmissionFailedEvent }
func (OrderCancelled) EventType() EventType         { return OrderCancelledEvent }
func (OrderModified) EventType() EventType          { return OrderModifiedEvent }
func (OrderPartiallyFilled) EventType() EventType   { return OrderPartiallyFilledEvent }
func (OrderFilled) EventType() EventType            { return OrderFilledEvent }
func (OrderExpired) EventType() EventType           { return OrderExpiredEvent }
func (OrderFailed) EventType() EventType            { return OrderFailedEvent }
func (RiskAlertRaised) EventType() EventType        { return RiskAlertEvent }
func (StopLossExecuted) EventType() EventType       { return StopLossExecutedEvent }
func (EmergencyStopTriggered) EventType() EventType { return EmergencyStopEvent }
func (EmergencyStopCompleted) EventType() EventType { return EmergencyStopCompletedEvent }

func (OrderCreated) sealed()           {}
func (OrderSubmitted) sealed()         {}
func (OrderRejected) sealed()          {}
func (OrderSubmissionFailed) sealed()  {}
func (OrderCancelled) sealed()         {}
func (OrderModified) sealed()          {}
func (OrderPartiallyFilled) sealed()   {}
func (OrderFilled) sealed()            {}
func (OrderExpired) sealed()           {}
func (OrderFailed) sealed()            {}
func (RiskAlertRaised) sealed()        {}
func (StopLossExecuted) sealed()       {}
func (EmergencyStopTriggered) sealed() {}
func (EmergencyStopCompleted) sealed() {}
