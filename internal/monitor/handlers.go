package monitor

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-guard/internal/auth"
	"github.com/ksred/klear-guard/internal/types"
	"github.com/ksred/klear-guard/pkg/response"
)

// GinHandlers contains HTTP handlers for monitoring endpoints
type GinHandlers struct {
	monitor *Monitor
}

func NewGinHandlers(monitor *Monitor) *GinHandlers {
	return &GinHandlers{monitor: monitor}
}

// GetAlertsHandler lists the caller's alerts
// Query parameter: active=true limits to unresolved alerts
func (h *GinHandlers) GetAlertsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		alerts, err := h.monitor.GetAlerts(c.Request.Context(), auth.GetUserID(c), c.Query("active") == "true")
		response.Handle(c, alerts, err)
	}
}

// ResolveAlertHandler resolves one of the caller's alerts
func (h *GinHandlers) ResolveAlertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		alert, err := h.monitor.db.GetAlert(c.Param("alert_id"))
		if err != nil {
			response.InternalError(c, "Failed to load alert")
			return
		}
		if alert == nil || alert.UserID != auth.GetUserID(c) {
			response.NotFound(c, "Alert not found")
			return
		}

		resolved, err := h.monitor.ResolveAlert(c.Request.Context(), alert.AlertID)
		if errors.Is(err, ErrAlertNotFound) {
			response.NotFound(c, "Alert not found")
			return
		}
		response.Handle(c, resolved, err)
	}
}

type stopLossRequest struct {
	Symbol       string          `json:"symbol" binding:"required"`
	TriggerPrice float64         `json:"trigger_price" binding:"required"`
	OrderType    types.OrderType `json:"order_type"`
	LimitPrice   *float64        `json:"limit_price"`
	Quantity     float64         `json:"quantity"`
}

// AddStopLossHandler registers a stop-loss for the caller
func (h *GinHandlers) AddStopLossHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stopLossRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		sl, err := h.monitor.AddStopLoss(c.Request.Context(), StopLossOrder{
			UserID:       auth.GetUserID(c),
			Symbol:       req.Symbol,
			TriggerPrice: req.TriggerPrice,
			OrderType:    req.OrderType,
			LimitPrice:   req.LimitPrice,
			Quantity:     req.Quantity,
		})
		response.Handle(c, sl, err)
	}
}

// GetStopLossesHandler lists the caller's stop-losses
func (h *GinHandlers) GetStopLossesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.monitor.GetStopLosses(auth.GetUserID(c)))
	}
}

// RemoveStopLossHandler removes the caller's stop-loss on :symbol
func (h *GinHandlers) RemoveStopLossHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.monitor.RemoveStopLoss(auth.GetUserID(c), c.Param("symbol")) {
			response.NotFound(c, "Stop-loss not found")
			return
		}
		response.Success(c, gin.H{"removed": true})
	}
}

// EmergencyStatusHandler reports whether the caller is suspended
func (h *GinHandlers) EmergencyStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{"in_emergency": h.monitor.IsInEmergency(auth.GetUserID(c))})
	}
}

// ClearEmergencyHandler resumes automated monitoring for the caller
func (h *GinHandlers) ClearEmergencyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{"cleared": h.monitor.ClearEmergency(auth.GetUserID(c))})
	}
}
