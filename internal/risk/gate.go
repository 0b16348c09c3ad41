// Package risk validates prospective orders before they reach the order
// manager. The gate is called synchronously; a rejection short-circuits
// submission without any exchange call.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/model"
)

// OrderIntent is the prospective order handed to the gate.
type OrderIntent struct {
	Symbol   string
	Side     model.OrderSide
	Type     model.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Notional returns quantity * price.
func (i OrderIntent) Notional() decimal.Decimal {
	return i.Quantity.Mul(i.Price)
}

// Gate approves or rejects an order intent. Reasons explain a rejection.
type Gate interface {
	Validate(intent OrderIntent) (approved bool, reasons []string)
}

// AllowAll approves everything. Useful for tests and tooling.
type AllowAll struct{}

func (AllowAll) Validate(OrderIntent) (bool, []string) { return true, nil }

// LimitsConfig holds the budget, concentration and daily-loss limits.
type LimitsConfig struct {
	// MaxOrderNotional caps the notional of a single order. Zero disables.
	MaxOrderNotional decimal.Decimal
	// MaxSymbolExposure caps accumulated filled notional per symbol. Zero disables.
	MaxSymbolExposure decimal.Decimal
	// DailyLossLimit stops new orders once realized losses for the UTC day
	// reach this amount. Zero disables.
	DailyLossLimit decimal.Decimal
}

// DefaultLimitsConfig returns the default risk limits.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxOrderNotional:  decimal.NewFromInt(50000),
		MaxSymbolExposure: decimal.NewFromInt(200000),
		DailyLossLimit:    decimal.NewFromInt(10000),
	}
}

// Limits is a Gate enforcing budget, concentration and daily-loss limits.
// Exposure and loss state is owned by the gate and fed through RecordFill
// and RecordRealizedPnL; no other component mutates it.
type Limits struct {
	cfg    LimitsConfig
	logger *zap.Logger

	mu           sync.Mutex
	exposure     map[string]decimal.Decimal
	realizedLoss decimal.Decimal
	lossDay      time.Time
}

// NewLimits creates a limits gate.
func NewLimits(cfg LimitsConfig, logger *zap.Logger) *Limits {
	return &Limits{
		cfg:      cfg,
		logger:   logger,
		exposure: make(map[string]decimal.Decimal),
	}
}

// Validate checks the intent against all configured limits. All violated
// limits are reported, not just the first.
func (l *Limits) Validate(intent OrderIntent) (bool, []string) {
	var reasons []string

	if intent.Symbol == "" {
		reasons = append(reasons, "symbol cannot be empty")
	}
	if intent.Quantity.Sign() <= 0 {
		reasons = append(reasons, "quantity must be greater than 0")
	}
	if intent.Type == model.TypeLimit && intent.Price.Sign() <= 0 {
		reasons = append(reasons, "limit order price must be greater than 0")
	}

	notional := intent.Notional()
	if !l.cfg.MaxOrderNotional.IsZero() && notional.GreaterThan(l.cfg.MaxOrderNotional) {
		reasons = append(reasons, fmt.Sprintf("order notional %s exceeds limit %s",
			notional, l.cfg.MaxOrderNotional))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.MaxSymbolExposure.IsZero() {
		total := l.exposure[intent.Symbol].Add(notional)
		if total.GreaterThan(l.cfg.MaxSymbolExposure) {
			reasons = append(reasons, fmt.Sprintf("symbol exposure %s would exceed limit %s",
				total, l.cfg.MaxSymbolExposure))
		}
	}

	if !l.cfg.DailyLossLimit.IsZero() {
		l.rollDay()
		if l.realizedLoss.GreaterThanOrEqual(l.cfg.DailyLossLimit) {
			reasons = append(reasons, fmt.Sprintf("daily loss %s reached limit %s",
				l.realizedLoss, l.cfg.DailyLossLimit))
		}
	}

	if len(reasons) > 0 {
		l.logger.Warn("order rejected by risk gate",
			zap.String("symbol", intent.Symbol),
			zap.Strings("reasons", reasons),
		)
		return false, reasons
	}
	return true, nil
}

// RecordFill adds filled notional to the symbol's exposure.
func (l *Limits) RecordFill(symbol string, notional decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exposure[symbol] = l.exposure[symbol].Add(notional)
}

// ReleaseExposure subtracts notional when a position closes.
func (l *Limits) ReleaseExposure(symbol string, notional decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.exposure[symbol].Sub(notional)
	if remaining.Sign() <= 0 {
		delete(l.exposure, symbol)
		return
	}
	l.exposure[symbol] = remaining
}

// RecordRealizedPnL accumulates losses toward the daily cutoff. Profits
// reduce the accumulated loss, floored at zero.
func (l *Limits) RecordRealizedPnL(pnl decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()
	l.realizedLoss = l.realizedLoss.Sub(pnl)
	if l.realizedLoss.Sign() < 0 {
		l.realizedLoss = decimal.Zero
	}
}

// rollDay resets the loss counter on UTC day change. Caller holds the lock.
func (l *Limits) rollDay() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if !l.lossDay.Equal(today) {
		l.lossDay = today
		l.realizedLoss = decimal.Zero
	}
}
