package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType represents the execution type of an order.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
//
// PENDING -> SUBMITTED -> {FILLED | PARTIALLY_FILLED -> FILLED} | CANCELLED | FAILED
// FILLED, CANCELLED and FAILED are terminal.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusFailed          OrderStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

// rank orders statuses by forward progress. Terminal states share the top rank
// so no terminal state can be replaced by another.
func (s OrderStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSubmitted:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCancelled, StatusFailed:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is forward progress.
// Duplicate or stale statuses from the exchange must be idempotent no-ops.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Order is a single order owned by the order manager.
type Order struct {
	OrderID         string          `json:"order_id"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Type            OrderType       `json:"order_type"`
	Status          OrderStatus     `json:"status"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"average_fill_price,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a copy of the order safe to hand across component boundaries.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}
