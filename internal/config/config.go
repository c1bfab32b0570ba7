package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Escrow     GatewayConfig    `yaml:"escrow" mapstructure:"escrow"`
	Token      GatewayConfig    `yaml:"token" mapstructure:"token"`
	Validation GatewayConfig    `yaml:"validation" mapstructure:"validation"`
	Bounty     BountyConfig     `yaml:"bounty" mapstructure:"bounty"`
	Settle     SettleConfig     `yaml:"settle" mapstructure:"settle"`
	Funding    FundingConfig    `yaml:"funding" mapstructure:"funding"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Poll       PollConfig       `yaml:"poll" mapstructure:"poll"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the ledger database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// GatewayConfig holds connection settings for one chain gateway.
type GatewayConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey    string  `yaml:"api_key" mapstructure:"api_key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// BountyConfig overrides the default severity tier amounts. Values are
// decimal strings; missing tiers keep their defaults.
type BountyConfig struct {
	Tiers map[string]string `yaml:"tiers" mapstructure:"tiers"`
}

// SettleConfig configures the settlement orchestrator.
type SettleConfig struct {
	Actor            string `yaml:"actor" mapstructure:"actor"`
	DrainConcurrency int    `yaml:"drain_concurrency" mapstructure:"drain_concurrency"`
}

// FundingConfig configures the funding gate.
type FundingConfig struct {
	// EscrowAddress is the spender granted token allowances and the
	// destination of deposits.
	EscrowAddress string `yaml:"escrow_address" mapstructure:"escrow_address"`
	// MinDeposit is the default minimum pool balance, a decimal string.
	MinDeposit string `yaml:"min_deposit" mapstructure:"min_deposit"`
}

// RetryConfig holds raw retry policy knobs for gateway reads.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// PollConfig holds raw knobs for allowance/confirmation polling.
type PollConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	SoftWarnSecs     int     `yaml:"soft_warn_secs" mapstructure:"soft_warn_secs"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

// CircuitConfig holds raw circuit breaker knobs for the chain gateways.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port          int      `yaml:"port" mapstructure:"port"`
	CORSOrigins   []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	EventsHistory int      `yaml:"events_history" mapstructure:"events_history"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BOUNTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "bounty.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("escrow.rate_limit", 10.0)
	v.SetDefault("token.rate_limit", 10.0)
	v.SetDefault("validation.rate_limit", 10.0)
	v.SetDefault("settle.actor", "settlement-engine")
	v.SetDefault("settle.drain_concurrency", 4)
	v.SetDefault("funding.min_deposit", "50000")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("poll.max_attempts", 20)
	v.SetDefault("poll.initial_backoff_ms", 1000)
	v.SetDefault("poll.max_backoff_ms", 15000)
	v.SetDefault("poll.soft_warn_secs", 30)
	v.SetDefault("poll.multiplier", 1.5)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.events_history", 64)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
