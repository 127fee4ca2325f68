package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ExchangeConfig       ExchangeConfig       `json:"exchange"`
	TradingConfig        TradingConfig        `json:"trading"`
	RiskConfig           RiskConfig           `json:"risk"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	ServerConfig         ServerConfig         `json:"server"`
	AuthConfig           AuthConfig           `json:"auth"`
	VaultConfig          VaultConfig          `json:"vault"`
	LoggingConfig        LoggingConfig        `json:"logging"`
}

// ExchangeConfig holds exchange connectivity configuration.
// PaperTrading selects the simulated execution engine; live mode requires
// API credentials (from config, environment, or Vault).
type ExchangeConfig struct {
	APIKey       string `json:"api_key"`
	SecretKey    string `json:"secret_key"`
	BaseURL      string `json:"base_url"`
	TestNet      bool   `json:"testnet"`
	PaperTrading bool   `json:"paper_trading"`
}

// TradingConfig holds the engine's trading parameters.
type TradingConfig struct {
	Symbols           []string `json:"symbols"`
	Interval          string   `json:"interval"`           // kline interval, e.g. "15m"
	EvaluateSeconds   int      `json:"evaluate_seconds"`   // strategy evaluation period
	MonitorSeconds    int      `json:"monitor_seconds"`    // position monitor period
	ReconcileSeconds  int      `json:"reconcile_seconds"`  // ledger reconciliation period
	MaxOpenPositions  int      `json:"max_open_positions"`
	DefaultLeverage   int      `json:"default_leverage"`
	MaxLeverage       int      `json:"max_leverage"`
	DefaultMarginType string   `json:"default_margin_type"` // CROSSED or ISOLATED
	InitialBalance    float64  `json:"initial_balance"`     // paper trading wallet, USDT
}

// RiskConfig holds risk management configuration.
type RiskConfig struct {
	MaxRiskPerTrade       float64 `json:"max_risk_per_trade"`      // % of equity risked per trade
	MaxDailyDrawdown      float64 `json:"max_daily_drawdown"`      // % daily loss before halting entries
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate"` // e.g. 0.004
	TakerFeeRate          float64 `json:"taker_fee_rate"`          // e.g. 0.0004
	MakerFeeRate          float64 `json:"maker_fee_rate"`          // e.g. 0.0002
	UseTrailingStop       bool    `json:"use_trailing_stop"`
	TrailingStopPercent   float64 `json:"trailing_stop_percent"`
	TrailingActivation    float64 `json:"trailing_activation"` // profit % before trailing arms
}

type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the live-state mirror.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ProductionMode  bool   `json:"production_mode"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // seconds
}

// AuthConfig holds API authentication configuration. Auth is disabled when
// no admin password hash is configured.
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	AdminPasswordHash   string        `json:"admin_password_hash"` // bcrypt hash
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON vs console output
}

// Load reads config.json if present and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		// No config file: start in paper mode rather than failing the
		// live-credentials check.
		cfg = &Config{}
		cfg.ExchangeConfig.PaperTrading = true
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Credentials from
// the environment take precedence over the config file.
func applyEnvOverrides(cfg *Config) {
	// Exchange
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	if v := os.Getenv("EXCHANGE_TESTNET"); v != "" {
		cfg.ExchangeConfig.TestNet = v == "true"
	}
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		cfg.ExchangeConfig.PaperTrading = v == "true"
	}

	// Trading
	if cfg.TradingConfig.Interval == "" {
		cfg.TradingConfig.Interval = "15m"
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		cfg.TradingConfig.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	cfg.TradingConfig.EvaluateSeconds = getEnvIntOrDefault("TRADING_EVALUATE_SECONDS", defaultInt(cfg.TradingConfig.EvaluateSeconds, 10))
	cfg.TradingConfig.MonitorSeconds = getEnvIntOrDefault("TRADING_MONITOR_SECONDS", defaultInt(cfg.TradingConfig.MonitorSeconds, 5))
	cfg.TradingConfig.ReconcileSeconds = getEnvIntOrDefault("TRADING_RECONCILE_SECONDS", defaultInt(cfg.TradingConfig.ReconcileSeconds, 60))
	cfg.TradingConfig.MaxOpenPositions = getEnvIntOrDefault("TRADING_MAX_OPEN_POSITIONS", defaultInt(cfg.TradingConfig.MaxOpenPositions, 5))
	cfg.TradingConfig.DefaultLeverage = getEnvIntOrDefault("TRADING_DEFAULT_LEVERAGE", defaultInt(cfg.TradingConfig.DefaultLeverage, 5))
	cfg.TradingConfig.MaxLeverage = getEnvIntOrDefault("TRADING_MAX_LEVERAGE", defaultInt(cfg.TradingConfig.MaxLeverage, 20))
	cfg.TradingConfig.DefaultMarginType = getEnvOrDefault("TRADING_DEFAULT_MARGIN_TYPE", defaultStr(cfg.TradingConfig.DefaultMarginType, "CROSSED"))
	cfg.TradingConfig.InitialBalance = getEnvFloatOrDefault("TRADING_INITIAL_BALANCE", defaultFloat(cfg.TradingConfig.InitialBalance, 10000))

	// Risk
	cfg.RiskConfig.MaxRiskPerTrade = getEnvFloatOrDefault("RISK_MAX_PER_TRADE", defaultFloat(cfg.RiskConfig.MaxRiskPerTrade, 1.0))
	cfg.RiskConfig.MaxDailyDrawdown = getEnvFloatOrDefault("RISK_MAX_DAILY_DRAWDOWN", defaultFloat(cfg.RiskConfig.MaxDailyDrawdown, 5.0))
	cfg.RiskConfig.MaintenanceMarginRate = getEnvFloatOrDefault("RISK_MAINTENANCE_MARGIN_RATE", defaultFloat(cfg.RiskConfig.MaintenanceMarginRate, 0.004))
	cfg.RiskConfig.TakerFeeRate = getEnvFloatOrDefault("RISK_TAKER_FEE_RATE", defaultFloat(cfg.RiskConfig.TakerFeeRate, 0.0004))
	cfg.RiskConfig.MakerFeeRate = getEnvFloatOrDefault("RISK_MAKER_FEE_RATE", defaultFloat(cfg.RiskConfig.MakerFeeRate, 0.0002))
	cfg.RiskConfig.TrailingStopPercent = getEnvFloatOrDefault("RISK_TRAILING_STOP_PERCENT", defaultFloat(cfg.RiskConfig.TrailingStopPercent, 1.0))
	cfg.RiskConfig.TrailingActivation = getEnvFloatOrDefault("RISK_TRAILING_ACTIVATION", defaultFloat(cfg.RiskConfig.TrailingActivation, 1.5))

	// Circuit breaker
	if v := os.Getenv("CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.CircuitBreakerConfig.Enabled = v == "true"
	}
	cfg.CircuitBreakerConfig.MaxLossPerHour = getEnvFloatOrDefault("CIRCUIT_MAX_LOSS_PER_HOUR", defaultFloat(cfg.CircuitBreakerConfig.MaxLossPerHour, 3.0))
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", defaultInt(cfg.CircuitBreakerConfig.MaxConsecutiveLosses, 5))
	cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", defaultInt(cfg.CircuitBreakerConfig.CooldownMinutes, 30))
	cfg.CircuitBreakerConfig.MaxTradesPerMinute = getEnvIntOrDefault("CIRCUIT_MAX_TRADES_PER_MINUTE", defaultInt(cfg.CircuitBreakerConfig.MaxTradesPerMinute, 10))
	cfg.CircuitBreakerConfig.MaxDailyLoss = getEnvFloatOrDefault("CIRCUIT_MAX_DAILY_LOSS", defaultFloat(cfg.CircuitBreakerConfig.MaxDailyLoss, 5.0))
	cfg.CircuitBreakerConfig.MaxDailyTrades = getEnvIntOrDefault("CIRCUIT_MAX_DAILY_TRADES", defaultInt(cfg.CircuitBreakerConfig.MaxDailyTrades, 100))

	// Database
	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Database, "perpbot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	if v := os.Getenv("SERVER_PRODUCTION"); v != "" {
		cfg.ServerConfig.ProductionMode = v == "true"
	}
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultStr(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthConfig.Enabled = v == "true"
	}
	cfg.AuthConfig.AdminPasswordHash = getEnvOrDefault("AUTH_ADMIN_PASSWORD_HASH", cfg.AuthConfig.AdminPasswordHash)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", defaultDuration(cfg.AuthConfig.AccessTokenDuration, time.Hour))

	// Vault
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.VaultConfig.SecretPath, "perp-bot/api-keys"))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}
}

// Validate checks configuration bounds before startup.
func (c *Config) Validate() error {
	if c.TradingConfig.DefaultLeverage < 1 || c.TradingConfig.DefaultLeverage > 125 {
		return fmt.Errorf("default_leverage must be between 1 and 125, got %d", c.TradingConfig.DefaultLeverage)
	}
	if c.TradingConfig.MaxLeverage < c.TradingConfig.DefaultLeverage {
		return fmt.Errorf("max_leverage %d is below default_leverage %d", c.TradingConfig.MaxLeverage, c.TradingConfig.DefaultLeverage)
	}
	if c.RiskConfig.MaxRiskPerTrade <= 0 || c.RiskConfig.MaxRiskPerTrade > 100 {
		return fmt.Errorf("max_risk_per_trade must be in (0,100], got %.2f", c.RiskConfig.MaxRiskPerTrade)
	}
	if !c.ExchangeConfig.PaperTrading && c.ExchangeConfig.APIKey == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("live trading requires exchange API credentials (config, environment, or vault)")
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled but AUTH_JWT_SECRET is not set")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func defaultStr(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func defaultDuration(v, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return v
}
