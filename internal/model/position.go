package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Position is the local cache of an exchange position. The exchange is
// authoritative; mutable fields are overwritten on every reconciliation pass.
type Position struct {
	Symbol            string          `json:"symbol"`
	Side              PositionSide    `json:"side"`
	Size              decimal.Decimal `json:"size"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	LiquidationPrice  decimal.Decimal `json:"liquidation_price"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	Margin            decimal.Decimal `json:"margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	Leverage          int             `json:"leverage"`
	OpenedAt          time.Time       `json:"opened_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MarginRatio returns (margin + unrealized pnl) / maintenance margin.
// A ratio below the configured threshold signals elevated liquidation risk.
// Returns false when maintenance margin is zero.
func (p *Position) MarginRatio() (decimal.Decimal, bool) {
	if p.MaintenanceMargin.IsZero() {
		return decimal.Zero, false
	}
	return p.Margin.Add(p.UnrealizedPnL).Div(p.MaintenanceMargin), true
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}
