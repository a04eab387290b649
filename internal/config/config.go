// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every leaf overridable via CRYPTO_TRADING_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML
// document structure.
type Config struct {
	EnableLiveTrading bool                     `mapstructure:"enable_live_trading"`
	LogLevel          string                   `mapstructure:"log_level"`
	Exchanges         map[string]ExchangeConfig `mapstructure:"exchanges"`
	Trading           TradingConfig            `mapstructure:"trading"`
	Monitoring        MonitoringConfig         `mapstructure:"monitoring"`
	Store             StoreConfig              `mapstructure:"store"`
	Logging           LoggingConfig            `mapstructure:"logging"`
}

// ExchangeConfig holds one venue's credentials and rate-limit policy.
// ApiKey/Secret/Passphrase are almost always supplied via environment
// overrides rather than the YAML file itself.
type ExchangeConfig struct {
	ApiKey           string `mapstructure:"api_key"`
	Secret           string `mapstructure:"secret"`
	Passphrase       string `mapstructure:"passphrase"`
	Sandbox          bool   `mapstructure:"sandbox"`
	RateLimit        int    `mapstructure:"rate_limit"`
	EnableRateLimit  bool   `mapstructure:"enable_rate_limit"`
	PreferredVenue   bool   `mapstructure:"preferred_venue"`
}

// RiskManagementConfig sets the per-trade and account-level hard limits
// enforced by the risk gate before any order reaches execution.
type RiskManagementConfig struct {
	MaxPositionSize float64 `mapstructure:"max_position_size"`
	MaxRiskPerTrade float64 `mapstructure:"max_risk_per_trade"`
	StopLossPct     float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct   float64 `mapstructure:"take_profit_pct"`
	MaxDailyTrades  int     `mapstructure:"max_daily_trades"`
	MaxDrawdownPct  float64 `mapstructure:"max_drawdown_pct"`
	// MaxHoldHours force-closes a position after this many hours
	// regardless of price, independent of the stop-loss/take-profit
	// levels. 0 disables the time-based stop.
	MaxHoldHours float64 `mapstructure:"max_hold_hours"`
}

// TradingConfig selects which symbols and strategies are active and
// wires in the risk-management limits.
type TradingConfig struct {
	Symbols         []string             `mapstructure:"symbols"`
	Strategies      []string             `mapstructure:"strategies"`
	StrategyWeights map[string]float64   `mapstructure:"strategy_weights"`
	SignalThreshold float64              `mapstructure:"signal_threshold"`
	MaxPositions    int                  `mapstructure:"max_positions"`
	RiskManagement  RiskManagementConfig `mapstructure:"risk_management"`
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Endpoint string `mapstructure:"endpoint"`
}

// OpenTelemetryConfig controls the optional OTLP exporter.
type OpenTelemetryConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	ServiceName string            `mapstructure:"service_name"`
	Endpoint    string            `mapstructure:"endpoint"`
	Insecure    bool              `mapstructure:"insecure"`
	Headers     map[string]string `mapstructure:"headers"`
}

// HealthConfig names the liveness/readiness HTTP surface.
type HealthConfig struct {
	Port          int    `mapstructure:"port"`
	Endpoint      string `mapstructure:"endpoint"`
	LiveEndpoint  string `mapstructure:"live_endpoint"`
	ReadyEndpoint string `mapstructure:"ready_endpoint"`
}

// MonitoringConfig groups the optional observability surfaces. None of
// these are required for the engine to run; Metrics and OpenTelemetry
// stay disabled unless explicitly turned on.
type MonitoringConfig struct {
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	OpenTelemetry OpenTelemetryConfig `mapstructure:"opentelemetry"`
	Health        HealthConfig        `mapstructure:"health"`
}

// StoreConfig sets where portfolio state is persisted (JSON files) and
// how many rotated backups are kept.
type StoreConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	BackupCount   int    `mapstructure:"backup_count"`
}

// LoggingConfig selects slog's handler and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitBudget returns the configured requests-per-minute for the
// named exchange, or 0 if rate_limit is unset or enable_rate_limit is
// false (a zero budget, relied upon by exchange.NewRateLimiter as "no
// throttling requested").
func (c ExchangeConfig) RateLimitBudget() int {
	if !c.EnableRateLimit || c.RateLimit <= 0 {
		return 0
	}
	return c.RateLimit
}

// Load reads config from a YAML file with CRYPTO_TRADING_* env overrides.
// Every dotted path in the document is overridable, e.g.
// CRYPTO_TRADING_EXCHANGES__BINANCE__API_KEY overrides
// exchanges.binance.api_key (dots become double underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CRYPTO_TRADING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if raw := os.Getenv("CRYPTO_TRADING_ENABLE_LIVE_TRADING"); raw != "" {
		cfg.EnableLiveTrading = raw == "true" || raw == "1"
	}
	if level := os.Getenv("CRYPTO_TRADING_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. It does not
// validate individual exchange credentials — an adapter with missing
// credentials fails to construct in registry.Registry.Create, and
// engine.New returns that error, so the process does not start.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one entry under exchanges is required")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must not be empty")
	}
	if len(c.Trading.Strategies) == 0 {
		return fmt.Errorf("trading.strategies must not be empty")
	}
	if c.Trading.MaxPositions <= 0 {
		return fmt.Errorf("trading.max_positions must be > 0")
	}
	rm := c.Trading.RiskManagement
	if rm.MaxPositionSize <= 0 {
		return fmt.Errorf("trading.risk_management.max_position_size must be > 0")
	}
	if rm.MaxRiskPerTrade <= 0 {
		return fmt.Errorf("trading.risk_management.max_risk_per_trade must be > 0")
	}
	if rm.MaxDrawdownPct <= 0 || rm.MaxDrawdownPct >= 1 {
		return fmt.Errorf("trading.risk_management.max_drawdown_pct must be in (0, 1)")
	}
	if rm.MaxDailyTrades <= 0 {
		return fmt.Errorf("trading.risk_management.max_daily_trades must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Store.BackupCount <= 0 {
		c.Store.BackupCount = 5
	}
	return nil
}

// PersistencePollInterval is a 5-second polling interval. The engine's
// supervisory loops do not read it; each uses its own interval.
const PersistencePollInterval = 5 * time.Second
