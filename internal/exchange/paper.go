package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/model"
)

// PaperConfig holds paper exchange tuning knobs.
type PaperConfig struct {
	// FillDelay is how long after placement an order reports FILLED.
	FillDelay time.Duration
	// PartialFillDelay, when positive and smaller than FillDelay, makes the
	// order report a half fill in between.
	PartialFillDelay time.Duration
	// Leverage applied to simulated positions.
	Leverage int
}

// DefaultPaperConfig returns the default paper exchange configuration.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		FillDelay:        500 * time.Millisecond,
		PartialFillDelay: 0,
		Leverage:         10,
	}
}

type paperOrder struct {
	spec      OrderSpec
	placedAt  time.Time
	cancelled bool
}

// Paper is an in-process simulated exchange. Orders fill after a fixed delay
// at their limit price and build net positions per symbol, which makes the
// engine runnable end to end without real exchange credentials.
type Paper struct {
	cfg    PaperConfig
	logger *zap.Logger

	mu        sync.Mutex
	orders    map[string]*paperOrder
	positions map[string]*Position
	applied   map[string]bool
}

// NewPaper creates a paper exchange.
func NewPaper(cfg PaperConfig, logger *zap.Logger) *Paper {
	return &Paper{
		cfg:       cfg,
		logger:    logger,
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*Position),
		applied:   make(map[string]bool),
	}
}

// PlaceOrder accepts any well-formed order and assigns an exchange ID.
func (p *Paper) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	if spec.Quantity.Sign() <= 0 {
		return "", fmt.Errorf("quantity must be positive")
	}

	id := "px-" + uuid.New().String()
	p.mu.Lock()
	p.orders[id] = &paperOrder{spec: spec, placedAt: time.Now()}
	p.mu.Unlock()

	p.logger.Debug("paper order placed",
		zap.String("exchange_order_id", id),
		zap.String("symbol", spec.Symbol),
		zap.String("side", string(spec.Side)),
	)
	return id, nil
}

// CancelOrder cancels an order that has not filled yet.
func (p *Paper) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.orders[exchangeOrderID]
	if !ok {
		return false, fmt.Errorf("unknown order %s", exchangeOrderID)
	}
	if time.Since(ord.placedAt) >= p.cfg.FillDelay {
		return false, nil
	}
	ord.cancelled = true
	return true, nil
}

// GetOrderStatus reports the simulated lifecycle of an order.
func (p *Paper) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderStatusInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.orders[exchangeOrderID]
	if !ok {
		return OrderStatusInfo{}, fmt.Errorf("unknown order %s", exchangeOrderID)
	}

	if ord.cancelled {
		return OrderStatusInfo{Status: model.StatusCancelled}, nil
	}

	age := time.Since(ord.placedAt)
	if age >= p.cfg.FillDelay {
		p.applyFill(exchangeOrderID, ord)
		return OrderStatusInfo{
			Status:         model.StatusFilled,
			FilledQuantity: ord.spec.Quantity,
			AvgFillPrice:   ord.spec.Price,
		}, nil
	}
	if p.cfg.PartialFillDelay > 0 && age >= p.cfg.PartialFillDelay {
		return OrderStatusInfo{
			Status:         model.StatusPartiallyFilled,
			FilledQuantity: ord.spec.Quantity.Div(decimal.NewFromInt(2)),
			AvgFillPrice:   ord.spec.Price,
		}, nil
	}
	return OrderStatusInfo{Status: model.StatusSubmitted}, nil
}

// ListPositions returns the simulated net positions.
func (p *Paper) ListPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// SetPosition seeds or overwrites a simulated position. Used by tools and
// tests to stage reconciliation scenarios.
func (p *Paper) SetPosition(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[pos.Symbol] = &pos
}

// RemovePosition drops a simulated position, mimicking an external close.
func (p *Paper) RemovePosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
}

// applyFill folds a filled order into the net position for its symbol.
// Caller holds the lock.
func (p *Paper) applyFill(id string, ord *paperOrder) {
	if p.applied[id] {
		return
	}
	p.applied[id] = true

	signed := ord.spec.Quantity
	if ord.spec.Side == model.SideSell {
		signed = signed.Neg()
	}

	pos, ok := p.positions[ord.spec.Symbol]
	if !ok {
		p.positions[ord.spec.Symbol] = p.newPosition(ord.spec, signed)
		return
	}

	current := pos.Size
	if pos.Side == model.PositionShort {
		current = current.Neg()
	}
	net := current.Add(signed)

	if net.IsZero() {
		delete(p.positions, ord.spec.Symbol)
		return
	}

	side := model.PositionLong
	if net.Sign() < 0 {
		side = model.PositionShort
	}
	pos.Side = side
	pos.Size = net.Abs()
	pos.CurrentPrice = ord.spec.Price
	notional := pos.Size.Mul(pos.CurrentPrice)
	pos.Margin = notional.Div(decimal.NewFromInt(int64(p.cfg.Leverage)))
	pos.MaintenanceMargin = notional.Mul(decimal.NewFromFloat(0.05))
}

func (p *Paper) newPosition(spec OrderSpec, signed decimal.Decimal) *Position {
	side := model.PositionLong
	if signed.Sign() < 0 {
		side = model.PositionShort
	}
	size := signed.Abs()
	notional := size.Mul(spec.Price)
	return &Position{
		Symbol:            spec.Symbol,
		Side:              side,
		Size:              size,
		EntryPrice:        spec.Price,
		CurrentPrice:      spec.Price,
		UnrealizedPnL:     decimal.Zero,
		Margin:            notional.Div(decimal.NewFromInt(int64(p.cfg.Leverage))),
		MaintenanceMargin: notional.Mul(decimal.NewFromFloat(0.05)),
		Leverage:          p.cfg.Leverage,
	}
}
