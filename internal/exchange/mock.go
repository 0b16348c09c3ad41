package exchange

import (
	"context"
	"sync"
)

// Mock is a scriptable Client for tests. Function fields default to
// succeeding no-ops; call counters record invocations.
type Mock struct {
	mu sync.Mutex

	PlaceOrderFn     func(ctx context.Context, spec OrderSpec) (string, error)
	CancelOrderFn    func(ctx context.Context, symbol, exchangeOrderID string) (bool, error)
	GetOrderStatusFn func(ctx context.Context, symbol, exchangeOrderID string) (OrderStatusInfo, error)
	ListPositionsFn  func(ctx context.Context) ([]Position, error)

	placeCalls  int
	cancelCalls int
	statusCalls int
	listCalls   int
}

func (m *Mock) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	m.mu.Lock()
	m.placeCalls++
	fn := m.PlaceOrderFn
	m.mu.Unlock()
	if fn == nil {
		return "px-mock", nil
	}
	return fn(ctx, spec)
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	m.mu.Lock()
	m.cancelCalls++
	fn := m.CancelOrderFn
	m.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(ctx, symbol, exchangeOrderID)
}

func (m *Mock) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderStatusInfo, error) {
	m.mu.Lock()
	m.statusCalls++
	fn := m.GetOrderStatusFn
	m.mu.Unlock()
	if fn == nil {
		return OrderStatusInfo{}, nil
	}
	return fn(ctx, symbol, exchangeOrderID)
}

func (m *Mock) ListPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	m.listCalls++
	fn := m.ListPositionsFn
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

// PlaceCalls returns how many times PlaceOrder was invoked.
func (m *Mock) PlaceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls
}

// CancelCalls returns how many times CancelOrder was invoked.
func (m *Mock) CancelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}

// StatusCalls returns how many times GetOrderStatus was invoked.
func (m *Mock) StatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

// ListCalls returns how many times ListPositions was invoked.
func (m *Mock) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}
