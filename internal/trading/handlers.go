package trading

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-guard/internal/auth"
	"github.com/ksred/klear-guard/internal/types"
	"github.com/ksred/klear-guard/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ProcessSignalHandler handles POST requests carrying a trading signal
func (h *GinHandlers) ProcessSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var signal types.TradingSignal
		if err := c.ShouldBindJSON(&signal); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		signal.UserID = auth.GetUserID(c)

		result, err := h.service.ProcessSignal(c.Request.Context(), &signal)
		response.Handle(c, result, err)
	}
}

type orderRequest struct {
	Symbol     string          `json:"symbol" binding:"required"`
	Side       types.OrderSide `json:"side" binding:"required"`
	Type       types.OrderType `json:"type" binding:"required"`
	Quantity   float64         `json:"quantity" binding:"required"`
	Price      *float64        `json:"price"`
	StopPrice  *float64        `json:"stop_price"`
	StrategyID *string         `json:"strategy_id"`
}

// SubmitOrderHandler handles POST requests for manual orders, gated by the
// risk engine like signal orders
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order := &types.Order{
			UserID:     auth.GetUserID(c),
			Symbol:     req.Symbol,
			Side:       types.OrderSide(strings.ToUpper(string(req.Side))),
			Type:       types.OrderType(strings.ToUpper(string(req.Type))),
			Quantity:   req.Quantity,
			Price:      req.Price,
			StopPrice:  req.StopPrice,
			StrategyID: req.StrategyID,
		}
		result, err := h.service.SubmitOrder(c.Request.Context(), order, SubmitOptions{Reason: "manual"})
		response.Handle(c, result, err)
	}
}

// GetOrderHandler handles GET requests for one of the caller's orders
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, ok := h.ownedOrder(c)
		if !ok {
			return
		}
		response.Success(c, order)
	}
}

// GetOrdersHandler handles GET requests listing the caller's orders
// Query parameters: status (comma separated), symbol, strategy_id, from, to (RFC3339), limit
func (h *GinHandlers) GetOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := OrderFilter{
			Symbol:     strings.ToUpper(c.Query("symbol")),
			StrategyID: c.Query("strategy_id"),
		}
		if status := c.Query("status"); status != "" {
			for _, s := range strings.Split(status, ",") {
				filter.Statuses = append(filter.Statuses, types.OrderStatus(strings.ToUpper(strings.TrimSpace(s))))
			}
		}
		for param, target := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
			raw := c.Query(param)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.BadRequest(c, "Invalid "+param+" timestamp, expected RFC3339")
				return
			}
			*target = &t
		}

		orders, err := h.service.GetUserOrders(c.Request.Context(), auth.GetUserID(c), filter)
		response.Handle(c, orders, err)
	}
}

// CancelOrderHandler handles DELETE requests for one of the caller's orders
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, ok := h.ownedOrder(c)
		if !ok {
			return
		}
		cancelled, err := h.service.CancelOrder(c.Request.Context(), order.OrderID, "cancelled by user")
		response.Handle(c, cancelled, err)
	}
}

// ModifyOrderHandler handles PATCH requests changing quantity or prices
func (h *GinHandlers) ModifyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, ok := h.ownedOrder(c)
		if !ok {
			return
		}
		var mod OrderModification
		if err := c.ShouldBindJSON(&mod); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		result, err := h.service.ModifyOrder(c.Request.Context(), order.OrderID, mod)
		response.Handle(c, result, err)
	}
}

// RetryStatusHandler handles GET requests for the caller's orders awaiting a retry
func (h *GinHandlers) RetryStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		states := make([]RetryState, 0)
		for _, st := range h.service.Retry().Status() {
			if st.UserID == userID {
				states = append(states, st)
			}
		}
		response.Success(c, states)
	}
}

func (h *GinHandlers) ownedOrder(c *gin.Context) (*types.Order, bool) {
	orderID := c.Param("order_id")
	if orderID == "" {
		response.BadRequest(c, "Order ID is required")
		return nil, false
	}

	order, err := h.service.GetOrder(c.Request.Context(), orderID)
	if errors.Is(err, ErrOrderNotFound) {
		response.NotFound(c, "Order not found")
		return nil, false
	}
	if err != nil {
		response.Handle(c, nil, err)
		return nil, false
	}
	if order.UserID != auth.GetUserID(c) {
		response.NotFound(c, "Order not found")
		return nil, false
	}
	return order, true
}
