// Package config loads the engine configuration from environment variables
// with sensible defaults, building the per-component config structs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/exchange"
	"github.com/quantfold/execution-engine/internal/orders"
	"github.com/quantfold/execution-engine/internal/position"
	"github.com/quantfold/execution-engine/internal/risk"
)

// Config holds configuration for the engine process.
type Config struct {
	ServiceName string

	// gRPC server port
	GRPCPort int

	// HTTP server port (healthz/statusz)
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Kafka brokers (comma-separated). Empty disables the outbox bridge.
	KafkaBrokers string

	// JournalPath is the SQLite journal location.
	JournalPath string

	Bus      bus.Config
	Breaker  breaker.Config
	Orders   orders.Config
	Position position.Config
	Limits   risk.LimitsConfig
	Paper    exchange.PaperConfig
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig(serviceName string) *Config {
	cfg := &Config{
		ServiceName:  serviceName,
		GRPCPort:     getEnvAsInt("PORT_GRPC", 50051),
		HTTPPort:     getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:     getEnvAsString("LOG_LEVEL", "info"),
		KafkaBrokers: getEnvAsString("KAFKA_BROKERS", ""),
		JournalPath:  getEnvAsString("JOURNAL_PATH", "data/journal.db"),
		Bus:          bus.DefaultConfig(),
		Breaker:      breaker.DefaultConfig(),
		Orders:       orders.DefaultConfig(),
		Position:     position.DefaultConfig(),
		Limits:       risk.DefaultLimitsConfig(),
		Paper:        exchange.DefaultPaperConfig(),
	}

	cfg.Bus.SubscriberQueueSize = getEnvAsInt("BUS_QUEUE_SIZE", cfg.Bus.SubscriberQueueSize)
	cfg.Bus.DeadLetterCapacity = getEnvAsInt("BUS_DEAD_LETTER_CAPACITY", cfg.Bus.DeadLetterCapacity)

	cfg.Breaker.FailureThreshold = getEnvAsInt("BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.FailureWindow = getEnvAsDuration("BREAKER_FAILURE_WINDOW", cfg.Breaker.FailureWindow)
	cfg.Breaker.RecoveryTimeout = getEnvAsDuration("BREAKER_RECOVERY_TIMEOUT", cfg.Breaker.RecoveryTimeout)

	cfg.Orders.MaxInFlight = getEnvAsInt("ORDERS_MAX_IN_FLIGHT", cfg.Orders.MaxInFlight)
	cfg.Orders.RetryQueueCapacity = getEnvAsInt("ORDERS_RETRY_QUEUE_CAPACITY", cfg.Orders.RetryQueueCapacity)
	cfg.Orders.RetryQueueTTL = getEnvAsDuration("ORDERS_RETRY_QUEUE_TTL", cfg.Orders.RetryQueueTTL)
	cfg.Orders.PollInterval = getEnvAsDuration("ORDERS_POLL_INTERVAL", cfg.Orders.PollInterval)
	cfg.Orders.SubmitBackoff = getEnvAsDuration("ORDERS_SUBMIT_BACKOFF", cfg.Orders.SubmitBackoff)

	cfg.Position.Interval = getEnvAsDuration("RECONCILE_INTERVAL", cfg.Position.Interval)
	cfg.Position.MarginAlertThreshold = getEnvAsDecimal("MARGIN_ALERT_THRESHOLD", cfg.Position.MarginAlertThreshold)

	cfg.Limits.MaxOrderNotional = getEnvAsDecimal("RISK_MAX_ORDER_NOTIONAL", cfg.Limits.MaxOrderNotional)
	cfg.Limits.MaxSymbolExposure = getEnvAsDecimal("RISK_MAX_SYMBOL_EXPOSURE", cfg.Limits.MaxSymbolExposure)
	cfg.Limits.DailyLossLimit = getEnvAsDecimal("RISK_DAILY_LOSS_LIMIT", cfg.Limits.DailyLossLimit)

	cfg.Paper.FillDelay = getEnvAsDuration("PAPER_FILL_DELAY", cfg.Paper.FillDelay)

	return cfg
}

// GRPCAddr returns the gRPC server address.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Brokers returns the Kafka broker list, or nil when streaming is disabled.
func (c *Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
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
