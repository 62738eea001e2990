package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-guard/internal/types"
)

// PriceSource supplies the marks the simulator fills against.
type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

// Venue represents a simulated execution venue
type Venue struct {
	ID              string
	Name            string
	MinLatency      int // in milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, share of the order available per matching pass
	SuccessRate     float64 // 0-1, probability the venue accepts the order
	FeeRate         float64 // fraction of transaction value
}

// DefaultVenues mirrors a primary venue, a secondary venue, a regional venue
// and a dark pool.
func DefaultVenues() []Venue {
	return []Venue{
		{ID: "VEN1", Name: "Primary Exchange", MinLatency: 5, MaxLatency: 30, LiquidityFactor: 0.9, SuccessRate: 0.95, FeeRate: 0.001},
		{ID: "VEN2", Name: "Secondary Exchange", MinLatency: 10, MaxLatency: 50, LiquidityFactor: 0.7, SuccessRate: 0.90, FeeRate: 0.0008},
		{ID: "VEN3", Name: "Regional Exchange", MinLatency: 15, MaxLatency: 70, LiquidityFactor: 0.5, SuccessRate: 0.85, FeeRate: 0.0005},
		{ID: "VEN4", Name: "Dark Pool", MinLatency: 20, MaxLatency: 100, LiquidityFactor: 0.3, SuccessRate: 0.75, FeeRate: 0.0003},
	}
}

type PaperConfig struct {
	Venues          []Venue
	SimulateLatency bool
	PriceVariance   float64 // max relative slippage on market fills, e.g. 0.002
	TickSize        float64
	Seed            int64
}

type paperOrder struct {
	req       OrderRequest
	venue     Venue
	report    OrderReport
	triggered bool // stop orders become working orders once triggered
}

// PaperBroker is an in-process Adapter that simulates venue selection,
// latency, acceptance, partial liquidity and fees against a PriceSource.
type PaperBroker struct {
	cfg    PaperConfig
	prices PriceSource

	mu     sync.Mutex
	rng    *rand.Rand
	orders map[string]*paperOrder
}

func NewPaperBroker(prices PriceSource, cfg PaperConfig) *PaperBroker {
	if len(cfg.Venues) == 0 {
		cfg.Venues = DefaultVenues()
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.01
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &PaperBroker{
		cfg:    cfg,
		prices: prices,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		orders: make(map[string]*paperOrder),
	}
}

// PlaceOrder routes the order to a venue and tries to match it immediately
func (b *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	logger := log.With().
		Str("component", "paper_broker").
		Str("client_order_id", req.ClientOrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Logger()

	if req.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive", ErrRejected)
	}
	if _, ok := b.prices.GetPrice(req.Symbol); !ok && req.Type == types.OrderTypeMarket {
		return "", fmt.Errorf("%w: no market price for %s", ErrRejected, req.Symbol)
	}

	venue := b.selectVenue()
	if err := b.simulateLatency(ctx, venue); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Simulate venue acceptance based on success rate
	if b.rng.Float64() > venue.SuccessRate {
		logger.Warn().
			Str("venue_id", venue.ID).
			Float64("success_rate", venue.SuccessRate).
			Msg("venue did not accept order")
		return "", fmt.Errorf("venue %s unavailable", venue.ID)
	}

	id := "BRK_" + uuid.New().String()
	po := &paperOrder{
		req:   req,
		venue: venue,
		report: OrderReport{
			BrokerOrderID: id,
			Status:        ExecOpen,
		},
	}
	b.orders[id] = po
	b.match(po)

	logger.Info().
		Str("broker_order_id", id).
		Str("venue_id", venue.ID).
		Str("status", string(po.report.Status)).
		Float64("filled_quantity", po.report.FilledQuantity).
		Msg("order accepted")

	return id, nil
}

func (b *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	po, ok := b.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !isWorking(po.report.Status) {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, po.report.Status)
	}
	po.report.Status = ExecCancelled
	return nil
}

func (b *PaperBroker) ModifyOrder(_ context.Context, brokerOrderID string, mod Modification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	po, ok := b.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !isWorking(po.report.Status) {
		return fmt.Errorf("%w: cannot modify order in status %s", ErrRejected, po.report.Status)
	}
	if mod.Quantity != nil {
		if *mod.Quantity < po.report.FilledQuantity {
			return fmt.Errorf("%w: quantity below filled quantity", ErrRejected)
		}
		po.req.Quantity = *mod.Quantity
	}
	if mod.Price != nil {
		po.req.Price = mod.Price
	}
	if mod.StopPrice != nil {
		po.req.StopPrice = mod.StopPrice
	}
	b.match(po)
	return nil
}

// GetOrderStatus re-runs matching against the latest price and returns a copy
// of the broker's report.
func (b *PaperBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (*OrderReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	po, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	b.match(po)

	report := po.report
	report.Fills = append([]Fill(nil), po.report.Fills...)
	return &report, nil
}

// match fills as much of a working order as the venue liquidity allows.
// Callers hold b.mu.
func (b *PaperBroker) match(po *paperOrder) {
	if !isWorking(po.report.Status) {
		return
	}
	mark, ok := b.prices.GetPrice(po.req.Symbol)
	if !ok {
		return
	}

	fillPrice, marketable := b.executablePrice(po, mark)
	if !marketable {
		return
	}

	remaining := po.req.Quantity - po.report.FilledQuantity
	qty := remaining
	// Adjust quantity based on liquidity
	if b.rng.Float64() > po.venue.LiquidityFactor {
		qty = math.Floor(remaining * po.venue.LiquidityFactor)
		if qty <= 0 {
			return
		}
	}

	price := decimal.NewFromFloat(fillPrice).
		Div(decimal.NewFromFloat(b.cfg.TickSize)).
		Round(0).
		Mul(decimal.NewFromFloat(b.cfg.TickSize))
	quantity := decimal.NewFromFloat(qty)
	fee := price.Mul(quantity).Mul(decimal.NewFromFloat(po.venue.FeeRate)).Round(2)

	prevNotional := decimal.NewFromFloat(po.report.AvgFillPrice).Mul(decimal.NewFromFloat(po.report.FilledQuantity))
	filled := decimal.NewFromFloat(po.report.FilledQuantity).Add(quantity)
	avg := prevNotional.Add(price.Mul(quantity)).Div(filled)

	po.report.Fills = append(po.report.Fills, Fill{
		FillID:    fmt.Sprintf("FILL-%s-%d", po.venue.ID, b.rng.Int63()),
		VenueID:   po.venue.ID,
		Price:     price.InexactFloat64(),
		Quantity:  qty,
		Fee:       fee.InexactFloat64(),
		Timestamp: time.Now(),
	})
	po.report.FilledQuantity = filled.InexactFloat64()
	po.report.AvgFillPrice = avg.Round(4).InexactFloat64()
	po.report.Commission = decimal.NewFromFloat(po.report.Commission).Add(fee).InexactFloat64()

	if po.report.FilledQuantity >= po.req.Quantity {
		po.report.Status = ExecFilled
	} else {
		po.report.Status = ExecPartiallyFilled
	}
}

// executablePrice decides whether the order trades at mark and at what price.
func (b *PaperBroker) executablePrice(po *paperOrder, mark float64) (float64, bool) {
	req := po.req
	buy := req.Side == types.SideBuy

	if req.Type == types.OrderTypeStopLoss || req.Type == types.OrderTypeStopLimit {
		if !po.triggered {
			if req.StopPrice == nil {
				return 0, false
			}
			if buy && mark < *req.StopPrice || !buy && mark > *req.StopPrice {
				return 0, false
			}
			po.triggered = true
		}
	}

	switch req.Type {
	case types.OrderTypeMarket, types.OrderTypeStopLoss:
		slip := b.rng.Float64() * b.cfg.PriceVariance
		if buy {
			return mark * (1 + slip), true
		}
		return mark * (1 - slip), true
	default:
		if req.Price == nil {
			return 0, false
		}
		if buy && mark <= *req.Price {
			return mark, true
		}
		if !buy && mark >= *req.Price {
			return mark, true
		}
		return 0, false
	}
}

// selectVenue picks a venue weighted by liquidity and success rate
func (b *PaperBroker) selectVenue() Venue {
	b.mu.Lock()
	defer b.mu.Unlock()

	totalWeight := 0.0
	for _, v := range b.cfg.Venues {
		totalWeight += v.LiquidityFactor * v.SuccessRate
	}

	choice := b.rng.Float64() * totalWeight
	currentWeight := 0.0
	for _, v := range b.cfg.Venues {
		currentWeight += v.LiquidityFactor * v.SuccessRate
		if currentWeight >= choice {
			return v
		}
	}
	return b.cfg.Venues[0]
}

func (b *PaperBroker) simulateLatency(ctx context.Context, v Venue) error {
	if !b.cfg.SimulateLatency || v.MaxLatency <= 0 {
		return nil
	}
	b.mu.Lock()
	latency := b.rng.Intn(v.MaxLatency-v.MinLatency+1) + v.MinLatency
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
		return nil
	}
}

func isWorking(s ExecutionStatus) bool {
	return s == ExecOpen || s == ExecPartiallyFilled
}
