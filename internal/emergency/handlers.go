package emergency

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-guard/internal/auth"
	"github.com/ksred/klear-guard/pkg/response"
)

// GinHandlers contains HTTP handlers for emergency stop endpoints
type GinHandlers struct {
	system *System
}

func NewGinHandlers(system *System) *GinHandlers {
	return &GinHandlers{system: system}
}

type stopRequest struct {
	Scope           Scope  `json:"scope" binding:"required"`
	TargetID        string `json:"target_id"`
	Reason          string `json:"reason" binding:"required"`
	CancelOrders    bool   `json:"cancel_orders"`
	PauseStrategies bool   `json:"pause_strategies"`
	ClosePositions  bool   `json:"close_positions"`
}

// ExecuteStopHandler runs a scoped emergency stop for the caller. Partial
// failures are reported in the result body.
func (h *GinHandlers) ExecuteStopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stopRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		result := h.system.ExecuteEmergencyStop(c.Request.Context(), Request{
			UserID:          auth.GetUserID(c),
			Scope:           req.Scope,
			TargetID:        req.TargetID,
			Reason:          req.Reason,
			CancelOrders:    req.CancelOrders,
			PauseStrategies: req.PauseStrategies,
			ClosePositions:  req.ClosePositions,
		})
		response.Success(c, result)
	}
}

// PanicStopHandler cancels, pauses and closes everything the caller has
func (h *GinHandlers) PanicStopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "panic stop"
		}
		response.Success(c, h.system.PanicStop(c.Request.Context(), auth.GetUserID(c), req.Reason))
	}
}

// HistoryHandler lists the caller's completed stops, newest first
// Query parameter: limit (default 20)
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "Invalid limit")
				return
			}
			limit = n
		}

		userID := auth.GetUserID(c)
		results := make([]Result, 0, limit)
		for _, r := range h.system.History(0) {
			if r.UserID != userID {
				continue
			}
			results = append(results, r)
			if len(results) == limit {
				break
			}
		}
		response.Success(c, results)
	}
}

// ActiveStopsHandler lists the caller's stops still in flight
func (h *GinHandlers) ActiveStopsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		active := make([]Request, 0)
		for _, req := range h.system.ActiveStops() {
			if req.UserID == userID {
				active = append(active, req)
			}
		}
		response.Success(c, active)
	}
}
