// Package exchange defines the abstract exchange collaborator the execution
// core talks to, plus a simulated implementation for local runs and tests.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/quantfold/execution-engine/internal/model"
)

// ErrTransient marks a failure the core may retry (timeouts, 5xx, rate
// limits). The core treats every exchange failure identically for breaker and
// retry purposes, so implementations wrap everything retryable in it.
var ErrTransient = errors.New("transient exchange error")

// OrderSpec is the request to place one order.
type OrderSpec struct {
	Symbol   string
	Side     model.OrderSide
	Type     model.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// OrderStatusInfo is the exchange's view of a placed order.
type OrderStatusInfo struct {
	Status         model.OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// Position is one position as reported by the exchange. The exchange is the
// authoritative source; the core's local copy is a reconciled cache.
type Position struct {
	Symbol            string
	Side              model.PositionSide
	Size              decimal.Decimal
	EntryPrice        decimal.Decimal
	CurrentPrice      decimal.Decimal
	LiquidationPrice  decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	Margin            decimal.Decimal
	MaintenanceMargin decimal.Decimal
	Leverage          int
}

// Client is the exchange API surface the core depends on. All methods may
// fail with a transient error; implementations are out of scope for the core.
type Client interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (exchangeOrderID string, err error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error)
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderStatusInfo, error)
	ListPositions(ctx context.Context) ([]Position, error)
}
