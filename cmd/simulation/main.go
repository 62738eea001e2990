package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-guard/internal/broker"
	"github.com/ksred/klear-guard/internal/config"
	"github.com/ksred/klear-guard/internal/database"
	"github.com/ksred/klear-guard/internal/emergency"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/market"
	"github.com/ksred/klear-guard/internal/monitor"
	"github.com/ksred/klear-guard/internal/positions"
	"github.com/ksred/klear-guard/internal/risk"
	"github.com/ksred/klear-guard/internal/sizing"
	"github.com/ksred/klear-guard/internal/strategy"
	"github.com/ksred/klear-guard/internal/trading"
	"github.com/ksred/klear-guard/internal/types"
)

const accountCash = 1_000_000

var basePrices = map[string]float64{
	"TCS":      3500,
	"INFY":     1500,
	"WIPRO":    450,
	"HDFCBANK": 1600,
	"RELIANCE": 2400,
	"TSLA":     200,
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// opStats tracks latency statistics for one core operation
type opStats struct {
	name      string
	mu        sync.Mutex
	durations []time.Duration
	calls     int
	failures  int
}

func (s *opStats) record(d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, d)
	s.calls++
	if failed {
		s.failures++
	}
}

// calculate computes min, max, mean, median, 95th and 99th percentile durations
func (s *opStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), s.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// core is the in-process trading stack the simulation drives
type core struct {
	prices    *market.PriceBook
	positions *positions.Manager
	risk      *risk.Engine
	trading   *trading.Service
	fills     *trading.FillProcessor
	strategy  *strategy.Manager
	emergency *emergency.System
	monitor   *monitor.Monitor
	recorder  *events.Recorder
}

func newCore(seed int64) (*core, error) {
	db, err := database.NewInMemory()
	if err != nil {
		return nil, err
	}

	c := &core{prices: market.NewPriceBook(), recorder: events.NewRecorder(10000)}
	for symbol, price := range basePrices {
		c.prices.Update(symbol, price)
	}

	bus := events.NewBus()
	bus.RegisterHandler("recorder", c.recorder)

	paper := broker.NewPaperBroker(c.prices, broker.PaperConfig{SimulateLatency: true, PriceVariance: 0.002, Seed: seed})
	c.positions = positions.NewManager(db, c.prices)

	riskOpts := risk.Options{CacheTTL: time.Second}
	c.risk = risk.NewEngine(db, c.positions, c.prices, riskOpts)
	bus.RegisterHandler("risk_cache", events.HandlerFunc(func(_ context.Context, e events.Event) error {
		c.risk.InvalidateCache(e.UserID)
		return nil
	}), events.OrderFilledEvent, events.OrderPartiallyFilledEvent)

	sizer := sizing.NewSizer(c.risk, c.positions, c.prices, sizing.Options{
		Sectors:    c.risk.Sectors(),
		Volatility: c.risk.Volatility(),
	})
	c.strategy = strategy.NewManager(db, c.positions)

	c.trading = trading.NewService(db, trading.Dependencies{
		Broker:     paper,
		Risk:       c.risk,
		Sizer:      sizer,
		Portfolio:  c.positions,
		Strategies: c.strategy,
		Prices:     c.prices,
		Events:     bus,
	}, config.RetryConfig{MaxRetries: 3, BaseDelay: 50 * time.Millisecond, Multiplier: 2})
	c.positions.SetExitSubmitter(c.trading)
	c.fills = trading.NewFillProcessor(c.trading, c.positions, config.FillConfig{})

	c.emergency = emergency.NewSystem(c.trading, c.strategy, c.positions, bus, config.EmergencyConfig{})
	c.monitor = monitor.NewMonitor(db, monitor.Dependencies{
		Risk:      c.risk,
		Positions: c.positions,
		Exits:     c.trading,
		Emergency: c.emergency,
		Prices:    c.prices,
		Events:    bus,
	}, config.MonitorConfig{})
	return c, nil
}

type simulation struct {
	core    *core
	rng     *rand.Rand
	rngMu   sync.Mutex
	users   []string
	symbols []string
	strats  map[string]string // user -> strategy id

	signal   *opStats
	tick     *opStats
	fill     *opStats
	retry    *opStats
	monitor  *opStats
	panicOps *opStats
}

func (s *simulation) float() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *simulation) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *simulation) randomSignal(userID string) *types.TradingSignal {
	symbol := s.symbols[s.intn(len(s.symbols))]
	price, _ := s.core.prices.GetPrice(symbol)
	signalType := types.SignalBuy
	if s.float() < 0.35 {
		signalType = types.SignalSell
	}

	sig := &types.TradingSignal{
		ID:              "SIG_" + uuid.New().String(),
		UserID:          userID,
		Symbol:          symbol,
		SignalType:      signalType,
		ConfidenceScore: 0.5 + s.float()*0.5,
		EntryPrice:      price,
	}
	if strategyID, ok := s.strats[userID]; ok {
		sig.StrategyID = &strategyID
	}
	if s.float() < 0.5 {
		target, stop := price*1.08, price*0.96
		if signalType == types.SignalSell {
			target, stop = price*0.92, price*1.04
		}
		sig.TargetPrice, sig.StopLoss = &target, &stop
	}
	return sig
}

// submitSignals runs one worker per user, each sending n signals
func (s *simulation) submitSignals(ctx context.Context, n int) (submitted, blocked int) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, userID := range s.users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				sig := s.randomSignal(userID)
				start := time.Now()
				result, err := s.core.trading.ProcessSignal(ctx, sig)
				failed := err != nil || !result.Success
				s.signal.record(time.Since(start), failed)

				mu.Lock()
				if failed {
					blocked++
				} else {
					submitted++
				}
				mu.Unlock()

				if err != nil {
					log.Error().Err(err).Str("user_id", userID).Msg("Signal processing failed")
				} else if !result.Success {
					log.Debug().Str("user_id", userID).Strs("errors", result.Errors).Msg("Signal blocked")
				}
			}
		}(userID)
	}
	wg.Wait()
	return submitted, blocked
}

// moveMarket applies one random-walk tick to every symbol and lets the
// monitor react to it
func (s *simulation) moveMarket(ctx context.Context, drift float64) int {
	triggered := 0
	for _, symbol := range s.symbols {
		price, _ := s.core.prices.GetPrice(symbol)
		vol := s.core.risk.Volatility().VolatilityOf(symbol)
		next := price * (1 + drift + (s.float()*2-1)*vol)

		start := time.Now()
		s.core.prices.Update(symbol, next)
		triggered += s.core.monitor.OnPriceTick(ctx, symbol, next)
		s.tick.record(time.Since(start), false)
	}
	return triggered
}

func (s *simulation) runLoops(ctx context.Context) {
	start := time.Now()
	_, err := s.core.fills.RunOnce(ctx)
	s.fill.record(time.Since(start), err != nil)

	start = time.Now()
	_, err = s.core.trading.Retry().RunOnce(ctx)
	s.retry.record(time.Since(start), err != nil)

	start = time.Now()
	_, err = s.core.monitor.RunOnce(ctx)
	s.monitor.record(time.Since(start), err != nil)
}

// protect registers a stop-loss 3% away from the mark on every open position
func (s *simulation) protect(ctx context.Context) int {
	added := 0
	for _, userID := range s.users {
		open, err := s.core.positions.GetUserPositions(ctx, userID)
		if err != nil {
			continue
		}
		for _, p := range open {
			trigger := p.MarketPrice() * 0.97
			if !p.IsLong() {
				trigger = p.MarketPrice() * 1.03
			}
			if _, err := s.core.monitor.AddStopLoss(ctx, monitor.StopLossOrder{
				UserID:       userID,
				Symbol:       p.Symbol,
				TriggerPrice: trigger,
			}); err == nil {
				added++
			}
		}
	}
	return added
}

func (s *simulation) printPerformanceStats() {
	fmt.Println("\nCore Operation Latency")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Operation", "Calls", "Failed", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range []*opStats{s.signal, s.tick, s.fill, s.retry, s.monitor, s.panicOps} {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.calls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

func (s *simulation) printEventCounts() {
	counts := make(map[events.EventType]int)
	for _, e := range s.core.recorder.Events() {
		counts[e.Type]++
	}
	names := make([]string, 0, len(counts))
	for t := range counts {
		names = append(names, string(t))
	}
	sort.Strings(names)

	fmt.Println("\nEvents Published")
	fmt.Println(strings.Repeat("-", 40))
	for _, name := range names {
		fmt.Printf("%-28s %10d\n", name, counts[events.EventType(name)])
	}
}

// main drives signals and price ticks through the in-process core and
// reports latency percentiles for each operation
func main() {
	numUsers := flag.Int("users", 3, "number of simulated accounts")
	signalsPerUser := flag.Int("signals", 40, "signals sent per account per round")
	rounds := flag.Int("rounds", 5, "signal and market rounds")
	ticksPerRound := flag.Int("ticks", 10, "price ticks per round")
	crash := flag.Bool("crash", false, "drive prices down hard in the last round")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	c, err := newCore(*seed)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build trading core")
	}

	sim := &simulation{
		core:     c,
		rng:      rand.New(rand.NewSource(*seed)),
		strats:   make(map[string]string),
		signal:   &opStats{name: "Process Signal"},
		tick:     &opStats{name: "Price Tick"},
		fill:     &opStats{name: "Fill Pass"},
		retry:    &opStats{name: "Retry Pass"},
		monitor:  &opStats{name: "Monitor Pass"},
		panicOps: &opStats{name: "Panic Stop"},
	}
	for symbol := range basePrices {
		sim.symbols = append(sim.symbols, symbol)
	}
	sort.Strings(sim.symbols)

	ctx := context.Background()
	for i := 0; i < *numUsers; i++ {
		userID := fmt.Sprintf("SIM_USER_%d", i+1)
		sim.users = append(sim.users, userID)
		if _, err := c.positions.EnsureAccount(ctx, userID, accountCash); err != nil {
			log.Fatal().Err(err).Msg("Failed to create account")
		}
		st, err := c.strategy.RegisterStrategy(ctx, &types.Strategy{
			UserID:  userID,
			Name:    "random-walk",
			Symbols: strings.Join(sim.symbols, ","),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to register strategy")
		}
		sim.strats[userID] = st.StrategyID
	}

	log.Info().
		Int("users", *numUsers).
		Int("signals_per_round", (*signalsPerUser)*(*numUsers)).
		Int("rounds", *rounds).
		Int64("seed", *seed).
		Msg("Starting simulation")

	started := time.Now()
	var submitted, blocked, stopLosses, triggered int
	for round := 0; round < *rounds; round++ {
		ok, no := sim.submitSignals(ctx, *signalsPerUser)
		submitted += ok
		blocked += no

		sim.runLoops(ctx)
		stopLosses += sim.protect(ctx)

		drift := 0.0
		if *crash && round == *rounds-1 {
			drift = -0.04
		}
		for i := 0; i < *ticksPerRound; i++ {
			triggered += sim.moveMarket(ctx, drift)
			sim.runLoops(ctx)
		}

		log.Info().
			Int("round", round+1).
			Int("submitted", submitted).
			Int("blocked", blocked).
			Int("stop_losses_triggered", triggered).
			Msg("Round complete")
	}

	// the last account is flattened by hand to exercise the panic path
	last := sim.users[len(sim.users)-1]
	start := time.Now()
	result := c.emergency.PanicStop(ctx, last, "end of simulation")
	sim.panicOps.record(time.Since(start), !result.Success)
	sim.runLoops(ctx)

	duration := time.Since(started)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("RISK-GATED EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Signals submitted:      %d
Signals blocked:        %d
Stop-losses registered: %d
Stop-losses triggered:  %d
Users in emergency:     %v
Panic stop (%s): cancelled=%d paused=%d closed=%d errors=%d
Duration:               %v
`, submitted, blocked, stopLosses, triggered, c.monitor.EmergencyUsers(),
		last, result.OrdersCancelled, result.StrategiesPaused, result.PositionsClosed, len(result.Errors),
		duration.Round(time.Millisecond))

	fmt.Println("\nAccounts")
	fmt.Println(strings.Repeat("-", 80))
	for _, userID := range sim.users {
		v, err := c.positions.Valuate(ctx, userID)
		if err != nil {
			continue
		}
		pr, err := c.risk.CalculatePortfolioRisk(ctx, userID)
		if err != nil {
			continue
		}
		fmt.Printf("%-12s value=%12.2f drawdown=%6.2f%% exposure=%6.2f%% risk=%.3f\n",
			userID, v.PortfolioValue, v.DrawdownPercent, pr.ExposurePercentage, pr.RiskScore)
	}

	sim.printEventCounts()
	sim.printPerformanceStats()
}
