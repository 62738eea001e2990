package market

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-guard/pkg/response"
)

// TickListener is told about every accepted price tick.
type TickListener interface {
	OnPriceTick(ctx context.Context, symbol string, price float64) int
}

// GinHandlers contains HTTP handlers for the price feed
type GinHandlers struct {
	book      *PriceBook
	listeners []TickListener
}

func NewGinHandlers(book *PriceBook, listeners ...TickListener) *GinHandlers {
	return &GinHandlers{book: book, listeners: listeners}
}

type tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// UpdatePricesHandler accepts a batch of ticks: [{"symbol": "TCS", "price": 3500.5}]
func (h *GinHandlers) UpdatePricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ticks []tick
		if err := c.ShouldBindJSON(&ticks); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		triggered := 0
		for _, t := range ticks {
			if t.Symbol == "" || t.Price <= 0 {
				response.BadRequest(c, "Each tick needs a symbol and a positive price")
				return
			}
		}
		for _, t := range ticks {
			h.book.Update(t.Symbol, t.Price)
			for _, l := range h.listeners {
				triggered += l.OnPriceTick(c.Request.Context(), t.Symbol, t.Price)
			}
		}
		response.Success(c, gin.H{"accepted": len(ticks), "stop_losses_triggered": triggered})
	}
}

// GetPricesHandler returns the latest quote for every symbol
func (h *GinHandlers) GetPricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.book.Snapshot())
	}
}
