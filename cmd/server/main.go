package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-guard/internal/auth"
	"github.com/ksred/klear-guard/internal/broker"
	"github.com/ksred/klear-guard/internal/config"
	"github.com/ksred/klear-guard/internal/database"
	"github.com/ksred/klear-guard/internal/emergency"
	"github.com/ksred/klear-guard/internal/events"
	"github.com/ksred/klear-guard/internal/market"
	"github.com/ksred/klear-guard/internal/metrics"
	"github.com/ksred/klear-guard/internal/monitor"
	"github.com/ksred/klear-guard/internal/positions"
	"github.com/ksred/klear-guard/internal/risk"
	"github.com/ksred/klear-guard/internal/sizing"
	"github.com/ksred/klear-guard/internal/strategy"
	"github.com/ksred/klear-guard/internal/trading"
	"github.com/ksred/klear-guard/pkg/middleware"
)

const testAccountCash = 1_000_000

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth      *auth.GinHandlers
	trading   *trading.GinHandlers
	positions *positions.GinHandlers
	risk      *risk.GinHandlers
	sizing    *sizing.GinHandlers
	strategy  *strategy.GinHandlers
	monitor   *monitor.GinHandlers
	emergency *emergency.GinHandlers
	market    *market.GinHandlers
}

// main wires the trading core, starts its background loops and serves the
// API until SIGINT or SIGTERM
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	bus := events.NewBus()
	prices := market.NewPriceBook()
	paper := broker.NewPaperBroker(prices, broker.PaperConfig{SimulateLatency: true, PriceVariance: 0.002})

	positionManager := positions.NewManager(db, prices)

	riskOpts, err := risk.OptionsFromConfig(cfg.Risk)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid risk configuration")
	}
	riskEngine := risk.NewEngine(db, positionManager, prices, riskOpts)

	sizer := sizing.NewSizer(riskEngine, positionManager, prices, sizing.Options{
		DefaultModel: cfg.Sizing.DefaultModel,
		Regime:       sizing.Regime(cfg.Sizing.Regime),
		Sectors:      riskEngine.Sectors(),
		Volatility:   riskEngine.Volatility(),
	})

	strategyManager := strategy.NewManager(db, positionManager)

	tradingService := trading.NewService(db, trading.Dependencies{
		Broker:     paper,
		Risk:       riskEngine,
		Sizer:      sizer,
		Portfolio:  positionManager,
		Strategies: strategyManager,
		Prices:     prices,
		Events:     bus,
	}, cfg.Retry)
	positionManager.SetExitSubmitter(tradingService)
	fillProcessor := trading.NewFillProcessor(tradingService, positionManager, cfg.Fills)

	emergencySystem := emergency.NewSystem(tradingService, strategyManager, positionManager, bus, cfg.Emergency)
	riskMonitor := monitor.NewMonitor(db, monitor.Dependencies{
		Risk:      riskEngine,
		Positions: positionManager,
		Exits:     tradingService,
		Emergency: emergencySystem,
		Prices:    prices,
		Events:    bus,
	}, cfg.Monitor)

	// orders settle against the account, so drop cached portfolio risk
	bus.RegisterHandler("risk_cache", events.HandlerFunc(func(_ context.Context, e events.Event) error {
		riskEngine.InvalidateCache(e.UserID)
		return nil
	}), events.OrderFilledEvent, events.OrderPartiallyFilledEvent)
	bus.RegisterHandler("event_log", events.HandlerFunc(func(_ context.Context, e events.Event) error {
		zlog.Debug().
			Str("component", "events").
			Str("event_id", e.ID).
			Str("type", string(e.Type)).
			Str("user_id", e.UserID).
			Str("priority", string(e.Priority)).
			Msg("event published")
		return nil
	}))

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestUserID,
		auth.PermissionTrade, auth.PermissionEmergency, auth.PermissionAdmin)
	if _, err := positionManager.EnsureAccount(context.Background(), auth.TestUserID, testAccountCash); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed test account")
	}

	h := handlers{
		auth:      auth.NewGinHandlers(authService),
		trading:   trading.NewGinHandlers(tradingService),
		positions: positions.NewGinHandlers(positionManager),
		risk:      risk.NewGinHandlers(riskEngine),
		sizing: sizing.NewGinHandlers(sizer, func(ctx context.Context, userID string) (float64, error) {
			v, err := positionManager.Valuate(ctx, userID)
			if err != nil {
				return 0, err
			}
			return v.PortfolioValue, nil
		}),
		strategy:  strategy.NewGinHandlers(strategyManager),
		monitor:   monitor.NewGinHandlers(riskMonitor),
		emergency: emergency.NewGinHandlers(emergencySystem),
		market:    market.NewGinHandlers(prices, riskMonitor),
	}

	// Start background loops
	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()

	retry := tradingService.Retry()
	if n, err := retry.Rebuild(loopCtx); err != nil {
		zlog.Error().Err(err).Msg("Failed to rebuild retry tracking")
	} else if n > 0 {
		zlog.Info().Int("orders", n).Msg("Resumed retry tracking")
	}

	var loops sync.WaitGroup
	for _, start := range []func(context.Context){retry.Start, fillProcessor.Start, riskMonitor.Start} {
		loops.Add(1)
		go func(start func(context.Context)) {
			defer loops.Done()
			start(loopCtx)
		}(start)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg.JWTSecret, h)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	loopCancel()
	loops.Wait()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// Auth and metrics are public; everything else requires a JWT, and the
// emergency endpoints additionally require the emergency permission.
func setupRoutes(router *gin.Engine, jwtSecret string, h handlers) {
	router.GET("/metrics", metrics.GinHandler())

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		api := v1.Group("")
		api.Use(middleware.JWTAuth(jwtSecret))

		trade := api.Group("")
		trade.Use(middleware.RequirePermission(auth.PermissionTrade))
		{
			trade.POST("/signals", h.trading.ProcessSignalHandler())
			trade.POST("/orders", h.trading.SubmitOrderHandler())
			trade.GET("/orders", h.trading.GetOrdersHandler())
			trade.GET("/orders/:order_id", h.trading.GetOrderHandler())
			trade.PATCH("/orders/:order_id", h.trading.ModifyOrderHandler())
			trade.DELETE("/orders/:order_id", h.trading.CancelOrderHandler())
			trade.GET("/retries", h.trading.RetryStatusHandler())

			trade.GET("/positions", h.positions.GetPositionsHandler())
			trade.POST("/positions/:symbol/close", h.positions.ClosePositionHandler())
			trade.GET("/account", h.positions.GetValuationHandler())

			trade.GET("/risk/portfolio", h.risk.GetPortfolioRiskHandler())
			trade.GET("/risk/parameters", h.risk.GetParametersHandler())
			trade.PUT("/risk/parameters", h.risk.UpdateParametersHandler())
			trade.POST("/risk/validate", h.risk.ValidateOrderHandler())

			trade.POST("/sizing", h.sizing.CalculatePositionSizeHandler())

			trade.POST("/strategies", h.strategy.RegisterStrategyHandler())
			trade.GET("/strategies", h.strategy.GetStrategiesHandler())
			trade.GET("/strategies/:strategy_id", h.strategy.GetStrategyHandler())
			trade.POST("/strategies/:strategy_id/pause", h.strategy.PauseStrategyHandler())
			trade.POST("/strategies/:strategy_id/resume", h.strategy.ResumeStrategyHandler())
			trade.POST("/strategies/:strategy_id/stop", h.strategy.StopStrategyHandler())

			trade.GET("/alerts", h.monitor.GetAlertsHandler())
			trade.POST("/alerts/:alert_id/resolve", h.monitor.ResolveAlertHandler())
			trade.GET("/stop-losses", h.monitor.GetStopLossesHandler())
			trade.POST("/stop-losses", h.monitor.AddStopLossHandler())
			trade.DELETE("/stop-losses/:symbol", h.monitor.RemoveStopLossHandler())

			trade.GET("/prices", h.market.GetPricesHandler())
		}

		stop := api.Group("/emergency")
		stop.Use(middleware.RequirePermission(auth.PermissionEmergency))
		{
			stop.POST("/stop", h.emergency.ExecuteStopHandler())
			stop.POST("/panic", h.emergency.PanicStopHandler())
			stop.GET("/history", h.emergency.HistoryHandler())
			stop.GET("/active", h.emergency.ActiveStopsHandler())
			stop.GET("/status", h.monitor.EmergencyStatusHandler())
			stop.POST("/clear", h.monitor.ClearEmergencyHandler())
		}

		admin := api.Group("/admin")
		admin.Use(middleware.RequirePermission(auth.PermissionAdmin))
		{
			admin.POST("/prices", h.market.UpdatePricesHandler())
			admin.PUT("/sizing/regime", h.sizing.SetRegimeHandler())
		}
	}
}
