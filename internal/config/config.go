package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Market     MarketConfig     `mapstructure:"market"`
	News       NewsConfig       `mapstructure:"news"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	WarRoom    WarRoomConfig    `mapstructure:"war_room"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Shadow     ShadowConfig     `mapstructure:"shadow"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	Learning   LearningConfig   `mapstructure:"learning"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
	RulesFile   string `mapstructure:"rules_file"`
	PersonaFile string `mapstructure:"persona_file"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// URL builds the postgres connection string.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig contains Redis settings for the market data cache
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	Temperature      float64       `mapstructure:"temperature"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	RequestsPerMin   int           `mapstructure:"requests_per_minute"`
	Burst            int           `mapstructure:"burst"`
	InterpretTimeout time.Duration `mapstructure:"interpret_timeout"`
	AgentTimeout     time.Duration `mapstructure:"agent_timeout"`
}

// BrokerConfig contains broker adapter settings
type BrokerConfig struct {
	Kind         string        `mapstructure:"kind"` // "paper" is the only bundled adapter
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Slippage     float64       `mapstructure:"slippage"`  // fraction, e.g. 0.0005
	TakerFee     float64       `mapstructure:"taker_fee"` // fraction, e.g. 0.001
}

// MarketConfig contains market data adapter settings
type MarketConfig struct {
	FeedURL      string        `mapstructure:"feed_url"`
	FeedAPIKey   string        `mapstructure:"feed_api_key"`
	PriceTimeout time.Duration `mapstructure:"price_timeout"`
	PriceTTL     time.Duration `mapstructure:"price_ttl"`
	VolTTL       time.Duration `mapstructure:"vol_ttl"`
	VolWindow    int           `mapstructure:"vol_window_days"`
	Regime       string        `mapstructure:"regime"`
	FedStance    string        `mapstructure:"fed_stance"`
}

// NewsConfig contains news poller settings
type NewsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Sources      []string      `mapstructure:"sources"`
	FeedURL      string        `mapstructure:"feed_url"`
	FeedAPIKey   string        `mapstructure:"feed_api_key"`
	Lookback     time.Duration `mapstructure:"lookback"`
}

// PipelineConfig contains signal pipeline settings
type PipelineConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	MinImpact     int           `mapstructure:"min_impact"`
}

// WarRoomConfig contains deliberation settings
type WarRoomConfig struct {
	Persona             string        `mapstructure:"persona"` // AGGRESSIVE, TRADING, LONG_TERM, DIVIDEND
	DeliberationTimeout time.Duration `mapstructure:"deliberation_timeout"`
	ConsensusFloor      float64       `mapstructure:"consensus_floor"`
	ReduceBandHigh      float64       `mapstructure:"reduce_band_high"`
	Agents              []string      `mapstructure:"agents"`
}

// RiskConfig contains validation and sizing limits
type RiskConfig struct {
	MaxPositionPct    float64       `mapstructure:"max_position_pct"`     // 0.30
	MaxAggregateRisk  float64       `mapstructure:"max_aggregate_risk"`   // 0.05
	MaxOpenPositions  int           `mapstructure:"max_open_positions"`   // 20
	DuplicateWindow   time.Duration `mapstructure:"duplicate_window"`     // 5m
	AccountRiskPct    float64       `mapstructure:"account_risk_pct"`     // 0.02
	NotionalCapPct    float64       `mapstructure:"notional_cap_pct"`     // 0.10
	DailyLossFastPct  float64       `mapstructure:"daily_loss_fast_pct"`  // -0.05
	VIXFastThreshold  float64       `mapstructure:"vix_fast_threshold"`   // 40
	VolHighThreshold  float64       `mapstructure:"vol_high_threshold"`   // 0.30
	VolMidThreshold   float64       `mapstructure:"vol_mid_threshold"`    // 0.20
}

// ShadowConfig contains shadow ledger settings
type ShadowConfig struct {
	InitialCash    float64       `mapstructure:"initial_cash"`
	MTMInterval    time.Duration `mapstructure:"mtm_interval"`
	StopScanEvery  time.Duration `mapstructure:"stop_scan_interval"`
	DriftTolerance float64       `mapstructure:"drift_tolerance"` // 0.001
}

// VerifyConfig contains outcome verification settings
type VerifyConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	RetryMax      int           `mapstructure:"retry_max"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// LearningConfig contains weight adjustment settings
type LearningConfig struct {
	MinSamples    int           `mapstructure:"min_samples"`    // 50
	Window        time.Duration `mapstructure:"window"`         // 30 days
	Step          float64       `mapstructure:"step"`           // 0.02
	FloorWeight   float64       `mapstructure:"floor_weight"`   // 0.05
	CeilingWeight float64       `mapstructure:"ceiling_weight"` // 0.25
	DailyCap      float64       `mapstructure:"daily_cap"`      // 0.05
	LowNIA        float64       `mapstructure:"low_nia"`        // 0.60
	HighNIA       float64       `mapstructure:"high_nia"`       // 0.80
	NewsAgent     string        `mapstructure:"news_agent"`
}

// SchedulerConfig contains job cadence overrides
type SchedulerConfig struct {
	SignalCycleEvery     time.Duration `mapstructure:"signal_cycle_interval"`
	BrokerReconcileEvery time.Duration `mapstructure:"broker_reconcile_interval"`
	PauseAfterFailures   int           `mapstructure:"pause_after_failures"`
}

// AlertsConfig contains operator alerting settings
type AlertsConfig struct {
	TelegramEnabled bool   `mapstructure:"telegram_enabled"`
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  int64  `mapstructure:"telegram_chat_id"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
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

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("WARROOM")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
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

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "WarRoom")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.rules_file", "./configs/rules.yaml")
	v.SetDefault("app.persona_file", "")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "warroom")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// LLM defaults
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("llm.burst", 10)
	v.SetDefault("llm.interpret_timeout", "10s")
	v.SetDefault("llm.agent_timeout", "8s")

	// Broker defaults
	v.SetDefault("broker.kind", "paper")
	v.SetDefault("broker.timeout", "5s")
	v.SetDefault("broker.retry_max", 3)
	v.SetDefault("broker.retry_backoff", "500ms")
	v.SetDefault("broker.slippage", 0.0005)
	v.SetDefault("broker.taker_fee", 0.001)

	// Market data defaults
	v.SetDefault("market.price_timeout", "3s")
	v.SetDefault("market.price_ttl", "5s")
	v.SetDefault("market.vol_ttl", "10m")
	v.SetDefault("market.vol_window_days", 30)
	v.SetDefault("market.regime", "neutral")
	v.SetDefault("market.fed_stance", "neutral")

	// News defaults
	v.SetDefault("news.poll_interval", "15m")
	v.SetDefault("news.fetch_timeout", "30s")
	v.SetDefault("news.sources", []string{"stub"})
	v.SetDefault("news.lookback", "24h")

	// Pipeline defaults
	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.cycle_timeout", "60s")
	v.SetDefault("pipeline.dedup_window", "30m")
	v.SetDefault("pipeline.min_confidence", 0.60)
	v.SetDefault("pipeline.min_impact", 5)

	// War Room defaults
	v.SetDefault("war_room.persona", "TRADING")
	v.SetDefault("war_room.deliberation_timeout", "12s")
	v.SetDefault("war_room.consensus_floor", 0.50)
	v.SetDefault("war_room.reduce_band_high", 0.70)
	v.SetDefault("war_room.agents", []string{
		"news_analyst", "fundamental", "technical", "sentiment", "risk_officer",
	})

	// Risk defaults
	v.SetDefault("risk.max_position_pct", 0.30)
	v.SetDefault("risk.max_aggregate_risk", 0.05)
	v.SetDefault("risk.max_open_positions", 20)
	v.SetDefault("risk.duplicate_window", "5m")
	v.SetDefault("risk.account_risk_pct", 0.02)
	v.SetDefault("risk.notional_cap_pct", 0.10)
	v.SetDefault("risk.daily_loss_fast_pct", -0.05)
	v.SetDefault("risk.vix_fast_threshold", 40.0)
	v.SetDefault("risk.vol_high_threshold", 0.30)
	v.SetDefault("risk.vol_mid_threshold", 0.20)

	// Shadow ledger defaults
	v.SetDefault("shadow.initial_cash", 100000.0)
	v.SetDefault("shadow.mtm_interval", "1m")
	v.SetDefault("shadow.stop_scan_interval", "10s")
	v.SetDefault("shadow.drift_tolerance", 0.001)

	// Verification defaults
	v.SetDefault("verify.check_interval", "1m")
	v.SetDefault("verify.retry_max", 3)
	v.SetDefault("verify.retry_backoff", "1m")

	// Learning defaults
	v.SetDefault("learning.min_samples", 50)
	v.SetDefault("learning.window", "720h") // 30 days
	v.SetDefault("learning.step", 0.02)
	v.SetDefault("learning.floor_weight", 0.05)
	v.SetDefault("learning.ceiling_weight", 0.25)
	v.SetDefault("learning.daily_cap", 0.05)
	v.SetDefault("learning.low_nia", 0.60)
	v.SetDefault("learning.high_nia", 0.80)
	v.SetDefault("learning.news_agent", "news_analyst")

	// Scheduler defaults
	v.SetDefault("scheduler.signal_cycle_interval", "1m")
	v.SetDefault("scheduler.broker_reconcile_interval", "1m")
	v.SetDefault("scheduler.pause_after_failures", 3)

	// Alerts defaults
	v.SetDefault("alerts.telegram_enabled", false)
	v.SetDefault("alerts.telegram_chat_id", 0)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
