// Package config reads startup configuration from the environment, the
// way the teacher's own config.go does: godotenv.Load, then os.Getenv with
// typed defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every environment input spec.md §6 names: datastore DSN,
// SMTP credentials, scheduler cadence overrides, and the engine's tunable
// defaults (boundary_buffer, milestone_steps).
type Config struct {
	// HTTP
	Port    int
	DevMode bool

	// Datastore
	DatabasePath string

	// Logging
	LogLevel string

	// SMTP (alert dispatcher email channel)
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string

	// Market data
	MarketDataQuoteURL  string
	MarketDataChartURL  string
	MarketDataStreamURL string
	MarketDataMode      string // "http" or "ws"

	// Scheduler cadence overrides (spec.md §4.6)
	MonitorInterval        time.Duration
	PriceCacheInterval     time.Duration
	PortfolioRevalInterval time.Duration
	AlertDispatchInterval  time.Duration
	RebalanceScanInterval  time.Duration

	// Engine tunables
	BoundaryBufferPct  decimal.Decimal
	MilestoneSteps     []decimal.Decimal
	RebalanceThreshold decimal.Decimal
}

// Load reads configuration from environment variables, loading a .env
// file first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:    getEnvAsInt("HTTP_PORT", 8080),
		DevMode: getEnvAsBool("DEV_MODE", false),

		DatabasePath: getEnv("DATABASE_PATH", "./data/gridtrader.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "alerts@gridtrader.local"),
		SMTPTo:       getEnvAsList("SMTP_TO", nil),

		MarketDataQuoteURL:  getEnv("MARKET_DATA_QUOTE_URL", "https://query1.finance.yahoo.com/v7/finance/quote"),
		MarketDataChartURL:  getEnv("MARKET_DATA_CHART_URL", "https://query1.finance.yahoo.com/v8/finance/chart"),
		MarketDataStreamURL: getEnv("MARKET_DATA_STREAM_URL", ""),
		MarketDataMode:      getEnv("MARKET_DATA_MODE", "http"),

		MonitorInterval:        getEnvAsDuration("MONITOR_INTERVAL", 2*time.Minute),
		PriceCacheInterval:     getEnvAsDuration("PRICE_CACHE_INTERVAL", 5*time.Minute),
		PortfolioRevalInterval: getEnvAsDuration("PORTFOLIO_REVAL_INTERVAL", 10*time.Minute),
		AlertDispatchInterval:  getEnvAsDuration("ALERT_DISPATCH_INTERVAL", 30*time.Second),
		RebalanceScanInterval:  getEnvAsDuration("REBALANCE_SCAN_INTERVAL", 15*time.Minute),

		BoundaryBufferPct:  getEnvAsDecimal("BOUNDARY_BUFFER_PCT", decimal.NewFromFloat(0.005)),
		MilestoneSteps:     getEnvAsDecimalList("MILESTONE_STEPS", []decimal.Decimal{decimal.NewFromInt(5000), decimal.NewFromInt(15000), decimal.NewFromInt(30000)}),
		RebalanceThreshold: getEnvAsDecimal("REBALANCE_THRESHOLD", decimal.NewFromFloat(0.4)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required configuration is present.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.MarketDataMode != "http" && c.MarketDataMode != "ws" {
		return fmt.Errorf("MARKET_DATA_MODE must be 'http' or 'ws', got %q", c.MarketDataMode)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsDecimalList(key string, defaultValue []decimal.Decimal) []decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		d, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
