package types

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "STOP_LOSS"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	// StatusError is internal to the retry coordinator: the broker submission
	// failed and the order is waiting for another attempt.
	StatusError OrderStatus = "ERROR"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusSubmitted, StatusRejected, StatusCancelled, StatusExpired, StatusError},
	StatusError:           {StatusSubmitted, StatusRejected, StatusCancelled, StatusError},
	StatusSubmitted:       {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsActive reports whether the order may still trade.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPartiallyFilled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActiveOrderStatuses are the statuses an emergency cancel has to reach,
// including ERROR so that pending retries are stopped too.
var ActiveOrderStatuses = []OrderStatus{StatusPending, StatusSubmitted, StatusPartiallyFilled, StatusError}

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOverfill          = errors.New("fill exceeds order quantity")
)

type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string      `gorm:"uniqueIndex" json:"order_id"`
	UserID         string      `gorm:"index" json:"user_id"`
	Symbol         string      `gorm:"index" json:"symbol"`
	Type           OrderType   `json:"type"`
	Side           OrderSide   `json:"side"`
	Quantity       float64     `json:"quantity"`
	Price          *float64    `json:"price,omitempty"`
	StopPrice      *float64    `json:"stop_price,omitempty"`
	ReferencePrice float64     `json:"reference_price"` // decision-time price used to value MARKET orders
	Status         OrderStatus `gorm:"index" json:"status"`
	BrokerOrderID  *string     `json:"broker_order_id,omitempty"`
	StrategyID     *string     `gorm:"index" json:"strategy_id,omitempty"`
	SignalID       *string     `json:"signal_id,omitempty"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   *float64    `json:"avg_fill_price,omitempty"`
	Commission     float64     `json:"commission"`
	RetryCount     int         `json:"retry_count"`
	LastError      string      `json:"last_error,omitempty"`
	SubmittedAt    *time.Time  `json:"submitted_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TransitionTo moves the order to next if the state machine allows it.
func (o *Order) TransitionTo(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	return nil
}

// ApplyFill records an execution of qty at price and advances the status to
// PARTIALLY_FILLED or FILLED.
func (o *Order) ApplyFill(qty, price, commission float64) error {
	if qty <= 0 {
		return fmt.Errorf("fill quantity must be positive, got %f", qty)
	}
	if o.FilledQuantity+qty > o.Quantity+1e-9 {
		return fmt.Errorf("%w: filled %f + %f > %f", ErrOverfill, o.FilledQuantity, qty, o.Quantity)
	}

	next := StatusPartiallyFilled
	if o.FilledQuantity+qty >= o.Quantity-1e-9 {
		next = StatusFilled
	}
	if err := o.TransitionTo(next); err != nil {
		return err
	}

	prevNotional := 0.0
	if o.AvgFillPrice != nil {
		prevNotional = *o.AvgFillPrice * o.FilledQuantity
	}
	o.FilledQuantity += qty
	if next == StatusFilled {
		o.FilledQuantity = o.Quantity
	}
	avg := (prevNotional + price*qty) / o.FilledQuantity
	o.AvgFillPrice = &avg
	o.Commission += commission
	return nil
}

// RemainingQuantity is the unfilled part of the order.
func (o *Order) RemainingQuantity() float64 {
	return o.Quantity - o.FilledQuantity
}

// ValuationPrice returns the price used to value the order: the limit price,
// then the stop price, then the decision-time reference price.
func (o *Order) ValuationPrice() float64 {
	switch {
	case o.Price != nil && *o.Price > 0:
		return *o.Price
	case o.StopPrice != nil && *o.StopPrice > 0:
		return *o.StopPrice
	default:
		return o.ReferencePrice
	}
}

// Value is quantity times the valuation price.
func (o *Order) Value() float64 {
	return o.Quantity * o.ValuationPrice()
}

// ValidateFields checks the field invariants that hold for every order type.
func (o *Order) ValidateFields() []string {
	var problems []string
	if o.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if o.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		problems = append(problems, fmt.Sprintf("invalid side %q", o.Side))
	}
	if o.Quantity <= 0 {
		problems = append(problems, "quantity must be greater than zero")
	}
	switch o.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if o.Price == nil || *o.Price <= 0 {
			problems = append(problems, "LIMIT order requires a price")
		}
	case OrderTypeStopLoss:
		if o.StopPrice == nil || *o.StopPrice <= 0 {
			problems = append(problems, "STOP_LOSS order requires a stop price")
		}
	case OrderTypeStopLimit:
		if o.StopPrice == nil || *o.StopPrice <= 0 {
			problems = append(problems, "STOP_LIMIT order requires a stop price")
		}
		if o.Price == nil || *o.Price <= 0 {
			problems = append(problems, "STOP_LIMIT order requires a limit price")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid order type %q", o.Type))
	}
	return problems
}

// Float returns a pointer to v, for optional price fields.
func Float(v float64) *float64 {
	return &v
}

// String returns a pointer to v, for optional id fields.
func String(v string) *string {
	return &v
}
