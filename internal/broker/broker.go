package broker

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-guard/internal/types"
)

var (
	// ErrRejected is a business rejection by the broker. It is final and
	// never retried.
	ErrRejected       = errors.New("order rejected by broker")
	ErrOrderNotFound  = errors.New("broker order not found")
	ErrNotCancellable = errors.New("broker order is not cancellable")
)

// OrderRequest carries the fields the broker needs to place an order.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Side          types.OrderSide `json:"side"`
	Type          types.OrderType `json:"type"`
	Quantity      float64         `json:"quantity"`
	Price         *float64        `json:"price,omitempty"`
	StopPrice     *float64        `json:"stop_price,omitempty"`
}

// RequestFromOrder builds the placement request for a persisted order.
func RequestFromOrder(o *types.Order) OrderRequest {
	return OrderRequest{
		ClientOrderID: o.OrderID,
		UserID:        o.UserID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
	}
}

// Modification lists the fields to change on a working order. Nil fields are
// left untouched.
type Modification struct {
	Quantity  *float64 `json:"quantity,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	StopPrice *float64 `json:"stop_price,omitempty"`
}

type ExecutionStatus string

const (
	ExecOpen            ExecutionStatus = "OPEN"
	ExecPartiallyFilled ExecutionStatus = "PARTIALLY_FILLED"
	ExecFilled          ExecutionStatus = "FILLED"
	ExecCancelled       ExecutionStatus = "CANCELLED"
	ExecRejected        ExecutionStatus = "REJECTED"
	ExecExpired         ExecutionStatus = "EXPIRED"
)

// Fill is a single execution on one venue.
type Fill struct {
	FillID    string    `json:"fill_id"`
	VenueID   string    `json:"venue_id"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderReport is the broker's view of an order.
type OrderReport struct {
	BrokerOrderID  string          `json:"broker_order_id"`
	Status         ExecutionStatus `json:"status"`
	FilledQuantity float64         `json:"filled_quantity"`
	AvgFillPrice   float64         `json:"avg_fill_price"`
	Commission     float64         `json:"commission"`
	Fills          []Fill          `json:"fills,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Adapter is the broker wire protocol seen from the core. Implementations
// return ErrRejected (wrapped) for final rejections; any other error is
// treated as a transient execution failure.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ModifyOrder(ctx context.Context, brokerOrderID string, mod Modification) error
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderReport, error)
}
