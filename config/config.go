package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the full bot configuration, loaded from an optional JSON file and
// overridden by environment variables.
type Config struct {
	SymbolsConfig   SymbolsConfig   `json:"symbols"`
	TradingConfig   TradingConfig   `json:"trading"`
	ExecutionConfig ExecutionConfig `json:"execution"`
	RiskConfig      RiskConfig      `json:"risk"`
	FeedConfig      FeedConfig      `json:"feed"`
	ServerConfig    ServerConfig    `json:"server"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	PaperConfig     PaperConfig     `json:"paper"`
}

// SymbolsConfig names the instrument triple: the benchmark index plus the
// leveraged bull/bear ETFs traded against it.
type SymbolsConfig struct {
	Bull  string `json:"bull"`
	Bear  string `json:"bear"`
	Index string `json:"index"`
}

// TradingConfig holds ledger-level settings.
type TradingConfig struct {
	StartingAmount float64 `json:"starting_amount"`
	StateFile      string  `json:"state_file"`
	// TradeBear enables the bear leg; when false only the bull ETF is traded.
	TradeBear bool `json:"trade_bear"`
}

// ExecutionConfig holds order-placement settings.
type ExecutionConfig struct {
	// PricingMode is one of "market", "limit" (marketable limit) or "ioc".
	PricingMode string `json:"pricing_mode"`
	// MaxSlippagePercent bounds marketable-limit pricing away from the quote.
	MaxSlippagePercent float64 `json:"max_slippage_percent"`
	// OrphanToleranceShares: a liquidation remainder at or below this count is
	// parked as orphaned shares instead of failing the position switch.
	OrphanToleranceShares int64 `json:"orphan_tolerance_shares"`
	// FillPollSeconds is the order-status poll interval on the standard path.
	FillPollSeconds int `json:"fill_poll_seconds"`
	// FillPollMaxIterations bounds standard-path polling.
	FillPollMaxIterations int `json:"fill_poll_max_iterations"`
	// ChaseTimeoutSeconds: an open limit order older than this is cancelled
	// and chased with a market order.
	ChaseTimeoutSeconds int `json:"chase_timeout_seconds"`
	// MaxChaseDeviationPercent aborts an entry chase once price has moved
	// this far from the original quote.
	MaxChaseDeviationPercent float64 `json:"max_chase_deviation_percent"`
	// IOC machine-gun parameters.
	IOCRetryStepCents      float64 `json:"ioc_retry_step_cents"`
	IOCMaxRetries          int     `json:"ioc_max_retries"`
	IOCMaxDeviationPercent float64 `json:"ioc_max_deviation_percent"`
	IOCOffsetCents         float64 `json:"ioc_offset_cents"`
}

// RiskConfig holds trailing-stop parameters.
type RiskConfig struct {
	TrailingStopPercent float64 `json:"trailing_stop_percent"`
	CooldownSeconds     int     `json:"cooldown_seconds"`
}

// FeedConfig points at the upstream signal generator's websocket stream.
type FeedConfig struct {
	URL string `json:"url"`
	// ChannelSize bounds the tick channel; oldest ticks are dropped under load.
	ChannelSize int `json:"channel_size"`
}

// ServerConfig holds the status HTTP API settings.
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
	Debug          bool   `json:"debug"`
}

// DatabaseConfig holds the optional Postgres trade journal settings.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// PaperConfig seeds the simulated broker.
type PaperConfig struct {
	Quotes      map[string]float64 `json:"quotes"`
	SlippageBps int64              `json:"slippage_bps"`
}

// Load reads the config file named by CONFIG_FILE (default config.json, which
// may be absent) and applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	filename := getEnvOrDefault("CONFIG_FILE", "config.json")
	if _, err := os.Stat(filename); err == nil {
		file, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := json.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		SymbolsConfig: SymbolsConfig{Bull: "TQQQ", Bear: "SQQQ", Index: "QQQ"},
		TradingConfig: TradingConfig{
			StartingAmount: 10000,
			StateFile:      "trading_state.json",
			TradeBear:      true,
		},
		ExecutionConfig: ExecutionConfig{
			PricingMode:              "ioc",
			MaxSlippagePercent:       0.1,
			OrphanToleranceShares:    2,
			FillPollSeconds:          1,
			FillPollMaxIterations:    120,
			ChaseTimeoutSeconds:      10,
			MaxChaseDeviationPercent: 0.5,
			IOCRetryStepCents:        1,
			IOCMaxRetries:            5,
			IOCMaxDeviationPercent:   0.25,
			IOCOffsetCents:           2,
		},
		RiskConfig: RiskConfig{TrailingStopPercent: 0.002, CooldownSeconds: 300},
		FeedConfig: FeedConfig{ChannelSize: 64},
		ServerConfig: ServerConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: "*",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "trading_bot",
			Database: "trading_bot",
			SSLMode:  "disable",
		},
		LoggingConfig: LoggingConfig{Level: "info"},
		PaperConfig: PaperConfig{
			Quotes: map[string]float64{
				"QQQ":  520.00,
				"TQQQ": 85.00,
				"SQQQ": 7.50,
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.SymbolsConfig.Bull = getEnvOrDefault("SYMBOL_BULL", cfg.SymbolsConfig.Bull)
	cfg.SymbolsConfig.Bear = getEnvOrDefault("SYMBOL_BEAR", cfg.SymbolsConfig.Bear)
	cfg.SymbolsConfig.Index = getEnvOrDefault("SYMBOL_INDEX", cfg.SymbolsConfig.Index)

	cfg.TradingConfig.StartingAmount = getEnvFloatOrDefault("STARTING_AMOUNT", cfg.TradingConfig.StartingAmount)
	cfg.TradingConfig.StateFile = getEnvOrDefault("STATE_FILE", cfg.TradingConfig.StateFile)

	cfg.ExecutionConfig.PricingMode = getEnvOrDefault("PRICING_MODE", cfg.ExecutionConfig.PricingMode)

	cfg.RiskConfig.TrailingStopPercent = getEnvFloatOrDefault("TRAILING_STOP_PERCENT", cfg.RiskConfig.TrailingStopPercent)
	cfg.RiskConfig.CooldownSeconds = getEnvIntOrDefault("STOP_COOLDOWN_SECONDS", cfg.RiskConfig.CooldownSeconds)

	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)

	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", strconv.FormatBool(cfg.ServerConfig.Enabled)) == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)

	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", strconv.FormatBool(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", strconv.FormatBool(cfg.LoggingConfig.Pretty)) == "true"
}

// Validate rejects configurations the trading core cannot run under.
func (c *Config) Validate() error {
	if c.SymbolsConfig.Bull == "" || c.SymbolsConfig.Index == "" {
		return fmt.Errorf("config: bull and index symbols are required")
	}
	if c.TradingConfig.TradeBear && c.SymbolsConfig.Bear == "" {
		return fmt.Errorf("config: trade_bear enabled but no bear symbol configured")
	}
	if c.TradingConfig.StartingAmount <= 0 {
		return fmt.Errorf("config: starting_amount must be positive")
	}
	switch c.ExecutionConfig.PricingMode {
	case "market", "limit", "ioc":
	default:
		return fmt.Errorf("config: unknown pricing_mode %q", c.ExecutionConfig.PricingMode)
	}
	if c.ExecutionConfig.OrphanToleranceShares < 0 {
		return fmt.Errorf("config: orphan_tolerance_shares must be >= 0")
	}
	if c.FeedConfig.ChannelSize <= 0 {
		c.FeedConfig.ChannelSize = 64
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
