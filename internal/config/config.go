package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	tradeerrors "github.com/ksred/klear-guard/internal/errors"
)

// Config is the process-wide configuration, read once at start-up and passed
// to the services that need it.
type Config struct {
	Env          string
	Port         string
	Debug        bool
	DatabasePath string
	JWTSecret    string

	Retry     RetryConfig
	Fills     FillConfig
	Monitor   MonitorConfig
	Emergency EmergencyConfig
	Risk      RiskConfig
	Sizing    SizingConfig
}

type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	Multiplier   float64
	PollInterval time.Duration
}

type FillConfig struct {
	PollInterval time.Duration
}

type MonitorConfig struct {
	Interval                 time.Duration
	AlertRetention           time.Duration
	EmergencyPauseStrategies bool
}

type EmergencyConfig struct {
	HistorySize int
	Concurrency int
}

type RiskConfig struct {
	CacheTTL          time.Duration
	TradingHoursStart string // HH:MM, local time
	TradingHoursEnd   string
	VolatileThreshold float64 // daily volatility above which a symbol counts as volatile
	VaRPercent        float64
}

type SizingConfig struct {
	DefaultModel string
	Regime       string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("port", "8080")
	v.SetDefault("debug", false)
	v.SetDefault("database.path", "klear-guard.db")
	v.SetDefault("jwt.secret", "klear-secret-key")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.poll_interval", "5s")

	v.SetDefault("fills.poll_interval", "2s")

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.alert_retention", "24h")
	v.SetDefault("monitor.emergency_pause_strategies", false)

	v.SetDefault("emergency.history_size", 100)
	v.SetDefault("emergency.concurrency", 16)

	v.SetDefault("risk.cache_ttl", "5s")
	v.SetDefault("risk.trading_hours_start", "09:15")
	v.SetDefault("risk.trading_hours_end", "15:30")
	v.SetDefault("risk.volatile_threshold", 0.03)
	v.SetDefault("risk.var_percent", 0.05)

	v.SetDefault("sizing.default_model", "confidence_weighted")
	v.SetDefault("sizing.regime", "NORMAL")
}

// Load reads configuration from defaults, an optional YAML file at path, a
// .env file if present, and KLEAR_* environment variables, in increasing
// order of precedence.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, tradeerrors.Configuration("config", "load", fmt.Errorf("failed to read config file: %w", err))
			}
			log.Warn().Str("path", path).Msg("config file not found, using defaults")
		}
	}

	cfg := &Config{
		Env:          v.GetString("env"),
		Port:         v.GetString("port"),
		Debug:        v.GetBool("debug"),
		DatabasePath: v.GetString("database.path"),
		JWTSecret:    v.GetString("jwt.secret"),
		Retry: RetryConfig{
			MaxRetries:   v.GetInt("retry.max_retries"),
			BaseDelay:    v.GetDuration("retry.base_delay"),
			Multiplier:   v.GetFloat64("retry.multiplier"),
			PollInterval: v.GetDuration("retry.poll_interval"),
		},
		Fills: FillConfig{
			PollInterval: v.GetDuration("fills.poll_interval"),
		},
		Monitor: MonitorConfig{
			Interval:                 v.GetDuration("monitor.interval"),
			AlertRetention:           v.GetDuration("monitor.alert_retention"),
			EmergencyPauseStrategies: v.GetBool("monitor.emergency_pause_strategies"),
		},
		Emergency: EmergencyConfig{
			HistorySize: v.GetInt("emergency.history_size"),
			Concurrency: v.GetInt("emergency.concurrency"),
		},
		Risk: RiskConfig{
			CacheTTL:          v.GetDuration("risk.cache_ttl"),
			TradingHoursStart: v.GetString("risk.trading_hours_start"),
			TradingHoursEnd:   v.GetString("risk.trading_hours_end"),
			VolatileThreshold: v.GetFloat64("risk.volatile_threshold"),
			VaRPercent:        v.GetFloat64("risk.var_percent"),
		},
		Sizing: SizingConfig{
			DefaultModel: v.GetString("sizing.default_model"),
			Regime:       strings.ToUpper(v.GetString("sizing.regime")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, tradeerrors.Configuration("config", "validate", err)
	}
	return cfg, nil
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Retry.MaxRetries <= 0:
		return fmt.Errorf("retry.max_retries must be positive")
	case c.Retry.BaseDelay <= 0:
		return fmt.Errorf("retry.base_delay must be positive")
	case c.Retry.Multiplier < 1:
		return fmt.Errorf("retry.multiplier must be at least 1")
	case c.Retry.PollInterval <= 0, c.Monitor.Interval <= 0, c.Fills.PollInterval <= 0:
		return fmt.Errorf("poll intervals must be positive")
	case c.Emergency.HistorySize <= 0:
		return fmt.Errorf("emergency.history_size must be positive")
	case c.Emergency.Concurrency <= 0:
		return fmt.Errorf("emergency.concurrency must be positive")
	case c.Risk.VaRPercent <= 0 || c.Risk.VaRPercent >= 1:
		return fmt.Errorf("risk.var_percent must be in (0,1)")
	}
	if _, err := ParseClock(c.Risk.TradingHoursStart); err != nil {
		return fmt.Errorf("risk.trading_hours_start: %w", err)
	}
	if _, err := ParseClock(c.Risk.TradingHoursEnd); err != nil {
		return fmt.Errorf("risk.trading_hours_end: %w", err)
	}
	return nil
}

// IsProduction reports whether the process runs with ENV=production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseClock parses an HH:MM wall-clock time into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
