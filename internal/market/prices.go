package market

import (
	"strings"
	"sync"
	"time"
)

// Quote is the latest known price for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PriceBook holds the last price per symbol. It is fed by whatever market
// data source the deployment uses and read by the broker simulator, the
// position manager and the risk monitor.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]Quote)}
}

// Update records a price tick. Non-positive prices are ignored.
func (b *PriceBook) Update(symbol string, price float64) {
	if price <= 0 {
		return
	}
	symbol = strings.ToUpper(symbol)
	b.mu.Lock()
	b.quotes[symbol] = Quote{Symbol: symbol, Price: price, UpdatedAt: time.Now()}
	b.mu.Unlock()
}

// GetPrice returns the last price for symbol.
func (b *PriceBook) GetPrice(symbol string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[strings.ToUpper(symbol)]
	return q.Price, ok
}

// Snapshot returns a copy of all quotes.
func (b *PriceBook) Snapshot() map[string]Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Quote, len(b.quotes))
	for k, v := range b.quotes {
		out[k] = v
	}
	return out
}
