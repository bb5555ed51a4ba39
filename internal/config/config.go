package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Agent     AgentConfig               `mapstructure:"agent"`
	Ensemble  EnsembleConfig            `mapstructure:"ensemble"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Risk      RiskConfig                `mapstructure:"risk"`
	Monitor   MonitorConfig             `mapstructure:"monitor"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Store     StoreConfig               `mapstructure:"store"`
	Memory    MemoryConfig              `mapstructure:"memory"`
	Market    MarketConfig              `mapstructure:"market"`
	Platform  PlatformConfig            `mapstructure:"platform"`
	Alerts    AlertsConfig              `mapstructure:"alerts"`
	Ops       OpsConfig                 `mapstructure:"ops"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// AgentConfig drives the autonomous loop.
type AgentConfig struct {
	AnalysisFrequency     time.Duration `mapstructure:"analysis_frequency"`
	AssetPairs            []string      `mapstructure:"asset_pairs"`
	MinConfidence         float64       `mapstructure:"min_confidence_threshold"` // 0-100
	MaxDailyTrades        int           `mapstructure:"max_daily_trades"`
	KillSwitchLossPct     float64       `mapstructure:"kill_switch_loss_pct"`
	ApprovalPolicy        string        `mapstructure:"approval_policy"` // always, never, on_new_asset
	ApprovalTimeout       time.Duration `mapstructure:"approval_timeout"`
	ApprovalTimeoutAction string        `mapstructure:"approval_timeout_action"` // reject, approve
	MaxRetries            int           `mapstructure:"max_retries"`
	DefaultSize           float64       `mapstructure:"default_size"`
}

// EnsembleConfig selects and tunes the aggregation strategy.
type EnsembleConfig struct {
	Strategy        string             `mapstructure:"strategy"` // single, weighted, majority, stacking, debate
	Providers       []string           `mapstructure:"providers"`
	Weights         map[string]float64 `mapstructure:"weights"`
	DebateRoles     map[string]string  `mapstructure:"debate_roles"` // bull, bear, judge -> provider name
	ProviderTimeout time.Duration      `mapstructure:"provider_timeout"`
	OverallTimeout  time.Duration      `mapstructure:"overall_timeout"`
	NATSURL         string             `mapstructure:"nats_url"`
}

// ProviderConfig describes one decision provider, keyed by name under
// the top-level providers map.
type ProviderConfig struct {
	Type        string        `mapstructure:"type"` // llm, nats, mock
	Endpoint    string        `mapstructure:"endpoint"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Stance      string        `mapstructure:"stance"` // "", bull, bear
}

// RiskConfig contains gatekeeper thresholds.
type RiskConfig struct {
	MaxDrawdownPct            float64 `mapstructure:"max_drawdown_pct"`
	MaxVaRPct                 float64 `mapstructure:"max_var_pct"`
	IntraCorrelationThreshold float64 `mapstructure:"intra_correlation_threshold"`
	MaxCorrelatedCount        int     `mapstructure:"max_correlated_count"`
	CrossCorrelationThreshold float64 `mapstructure:"cross_correlation_threshold"`
	CrossCorrelationMode      string  `mapstructure:"cross_correlation_mode"` // warn, block
	MaxPositionFraction       float64 `mapstructure:"max_position_fraction"`
	MaxLeverage               float64 `mapstructure:"max_leverage"`
	HighVolThreshold          float64 `mapstructure:"high_vol_threshold"`
	HighVolMinConfidence      float64 `mapstructure:"high_vol_min_confidence"`
}

// MonitorConfig tunes per-trade and portfolio monitoring.
type MonitorConfig struct {
	PerTradeStopLossPct    float64       `mapstructure:"per_trade_stop_loss_pct"`
	PerTradeTakeProfitPct  float64       `mapstructure:"per_trade_take_profit_pct"`
	PortfolioStopLossPct   float64       `mapstructure:"portfolio_stop_loss_pct"`
	PortfolioTakeProfitPct float64       `mapstructure:"portfolio_take_profit_pct"`
	MaxConcurrentTrackers  int           `mapstructure:"max_concurrent_trackers"`
	PnLCheckInterval       time.Duration `mapstructure:"pnl_check_interval"`
	PortfolioCheckInterval time.Duration `mapstructure:"portfolio_check_interval"`
	MaxPriceFailures       int           `mapstructure:"max_price_failures"`
	MaxCloseRetries        int           `mapstructure:"max_close_retries"`
}

// BreakerConfig tunes the platform circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// StoreConfig locates the decision store.
type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

// MemoryConfig tunes the outcome feedback loop.
type MemoryConfig struct {
	Path                string  `mapstructure:"path"`
	LearningRate        float64 `mapstructure:"learning_rate"`
	MinSamplesPerRegime int     `mapstructure:"min_samples_per_regime"`
}

// MarketConfig selects the market data provider stack.
type MarketConfig struct {
	Provider      string        `mapstructure:"provider"` // mock, binance
	CacheEnabled  bool          `mapstructure:"cache_enabled"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// PlatformConfig selects the trading platform adapter.
type PlatformConfig struct {
	Adapter        string  `mapstructure:"adapter"` // paper, binance
	InitialCapital float64 `mapstructure:"initial_capital"`
	APIKey         string  `mapstructure:"api_key"`
	SecretKey      string  `mapstructure:"secret_key"`
	Testnet        bool    `mapstructure:"testnet"`
	MakerFee       float64 `mapstructure:"maker_fee"`
	TakerFee       float64 `mapstructure:"taker_fee"`
	BaseSlippage   float64 `mapstructure:"base_slippage"`
	MarketImpact   float64 `mapstructure:"market_impact"`
	MaxSlippage    float64 `mapstructure:"max_slippage"`
}

// AlertsConfig configures outbound notifications.
type AlertsConfig struct {
	TelegramEnabled bool   `mapstructure:"telegram_enabled"`
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  int64  `mapstructure:"telegram_chat_id"`
}

// OpsConfig configures the operational HTTP surface.
type OpsConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MARKETMIND")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "marketmind")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Agent
	v.SetDefault("agent.analysis_frequency", "5m")
	v.SetDefault("agent.asset_pairs", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("agent.min_confidence_threshold", 60.0)
	v.SetDefault("agent.max_daily_trades", 10)
	v.SetDefault("agent.kill_switch_loss_pct", 10.0)
	v.SetDefault("agent.approval_policy", "never")
	v.SetDefault("agent.approval_timeout", "10m")
	v.SetDefault("agent.approval_timeout_action", "reject")
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.default_size", 0.01)

	// Ensemble
	v.SetDefault("ensemble.strategy", "weighted")
	v.SetDefault("ensemble.provider_timeout", "30s")
	v.SetDefault("ensemble.overall_timeout", "45s")
	v.SetDefault("ensemble.nats_url", "nats://localhost:4222")

	// Risk
	v.SetDefault("risk.max_drawdown_pct", 10.0)
	v.SetDefault("risk.max_var_pct", 5.0)
	v.SetDefault("risk.intra_correlation_threshold", 0.8)
	v.SetDefault("risk.max_correlated_count", 3)
	v.SetDefault("risk.cross_correlation_threshold", 0.9)
	v.SetDefault("risk.cross_correlation_mode", "warn")
	v.SetDefault("risk.max_position_fraction", 0.1)
	v.SetDefault("risk.max_leverage", 3.0)
	v.SetDefault("risk.high_vol_threshold", 0.05)
	v.SetDefault("risk.high_vol_min_confidence", 75.0)

	// Monitor
	v.SetDefault("monitor.per_trade_stop_loss_pct", 2.0)
	v.SetDefault("monitor.per_trade_take_profit_pct", 4.0)
	v.SetDefault("monitor.portfolio_stop_loss_pct", 5.0)
	v.SetDefault("monitor.portfolio_take_profit_pct", 10.0)
	v.SetDefault("monitor.max_concurrent_trackers", 5)
	v.SetDefault("monitor.pnl_check_interval", "10s")
	v.SetDefault("monitor.portfolio_check_interval", "30s")
	v.SetDefault("monitor.max_price_failures", 5)
	v.SetDefault("monitor.max_close_retries", 3)

	// Breaker
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "30s")

	// Store / memory
	v.SetDefault("store.dir", "./data/decisions")
	v.SetDefault("memory.path", "./data/memory.json")
	v.SetDefault("memory.learning_rate", 0.1)
	v.SetDefault("memory.min_samples_per_regime", 10)

	// Market
	v.SetDefault("market.provider", "mock")
	v.SetDefault("market.cache_enabled", false)
	v.SetDefault("market.redis_addr", "localhost:6379")
	v.SetDefault("market.cache_ttl", "30s")
	v.SetDefault("market.rate_per_second", 5.0)
	v.SetDefault("market.rate_burst", 10)

	// Platform
	v.SetDefault("platform.adapter", "paper")
	v.SetDefault("platform.initial_capital", 10000.0)
	v.SetDefault("platform.maker_fee", 0.001)
	v.SetDefault("platform.taker_fee", 0.001)
	v.SetDefault("platform.base_slippage", 0.0005)
	v.SetDefault("platform.market_impact", 0.0001)
	v.SetDefault("platform.max_slippage", 0.003)

	// Ops
	v.SetDefault("ops.host", "127.0.0.1")
	v.SetDefault("ops.port", 9180)
	v.SetDefault("ops.enable_metrics", true)
}
