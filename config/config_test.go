package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.ExchangeConfig.PaperTrading {
		t.Error("missing config file should default to paper trading")
	}
	if len(cfg.TradingConfig.Symbols) == 0 {
		t.Error("no default symbols")
	}
	if cfg.TradingConfig.DefaultLeverage != 5 {
		t.Errorf("default leverage = %d, want 5", cfg.TradingConfig.DefaultLeverage)
	}
	if cfg.RiskConfig.MaxRiskPerTrade != 1.0 {
		t.Errorf("max risk per trade = %v, want 1.0", cfg.RiskConfig.MaxRiskPerTrade)
	}
	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.ServerConfig.Port)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"exchange": {"paper_trading": true},
		"trading": {
			"symbols": ["SOLUSDT"],
			"interval": "5m",
			"default_leverage": 8,
			"max_leverage": 25,
			"initial_balance": 2500
		},
		"risk": {"max_risk_per_trade": 0.5}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.TradingConfig.Symbols) != 1 || cfg.TradingConfig.Symbols[0] != "SOLUSDT" {
		t.Errorf("symbols = %v", cfg.TradingConfig.Symbols)
	}
	if cfg.TradingConfig.Interval != "5m" {
		t.Errorf("interval = %q, want 5m", cfg.TradingConfig.Interval)
	}
	if cfg.TradingConfig.DefaultLeverage != 8 {
		t.Errorf("leverage = %d, want 8", cfg.TradingConfig.DefaultLeverage)
	}
	if cfg.TradingConfig.InitialBalance != 2500 {
		t.Errorf("initial balance = %v, want 2500", cfg.TradingConfig.InitialBalance)
	}
	if cfg.RiskConfig.MaxRiskPerTrade != 0.5 {
		t.Errorf("max risk = %v, want 0.5", cfg.RiskConfig.MaxRiskPerTrade)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAPER_TRADING", "true")
	t.Setenv("TRADING_DEFAULT_LEVERAGE", "12")
	t.Setenv("RISK_MAX_PER_TRADE", "2.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TradingConfig.DefaultLeverage != 12 {
		t.Errorf("leverage = %d, want 12 from env", cfg.TradingConfig.DefaultLeverage)
	}
	if cfg.RiskConfig.MaxRiskPerTrade != 2.5 {
		t.Errorf("max risk = %v, want 2.5 from env", cfg.RiskConfig.MaxRiskPerTrade)
	}
	if cfg.LoggingConfig.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LoggingConfig.Level)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"leverage too high", func(c *Config) { c.TradingConfig.DefaultLeverage = 200 }},
		{"max below default leverage", func(c *Config) {
			c.TradingConfig.DefaultLeverage = 20
			c.TradingConfig.MaxLeverage = 10
		}},
		{"zero risk per trade", func(c *Config) { c.RiskConfig.MaxRiskPerTrade = 0 }},
		{"live without credentials", func(c *Config) { c.ExchangeConfig.PaperTrading = false }},
		{"auth without secret", func(c *Config) {
			c.AuthConfig.Enabled = true
			c.AuthConfig.JWTSecret = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
