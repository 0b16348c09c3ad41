package exchange

import (
	"context"
	"fmt"

	"github.com/quantfold/execution-engine/internal/chaos"
)

// ChaosClient wraps a Client with deterministic failure injection. The core
// sees injected faults as ordinary transient errors, which exercises the
// breaker and retry queue without a flaky real exchange.
type ChaosClient struct {
	inner    Client
	injector *chaos.Injector
}

// WithChaos wraps client with the given injector.
func WithChaos(client Client, injector *chaos.Injector) *ChaosClient {
	return &ChaosClient{inner: client, injector: injector}
}

func (c *ChaosClient) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	if err := c.fault(ctx, "place_order"); err != nil {
		return "", err
	}
	return c.inner.PlaceOrder(ctx, spec)
}

func (c *ChaosClient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (bool, error) {
	if err := c.fault(ctx, "cancel_order"); err != nil {
		return false, err
	}
	return c.inner.CancelOrder(ctx, symbol, exchangeOrderID)
}

func (c *ChaosClient) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderStatusInfo, error) {
	if err := c.fault(ctx, "get_order_status"); err != nil {
		return OrderStatusInfo{}, err
	}
	return c.inner.GetOrderStatus(ctx, symbol, exchangeOrderID)
}

func (c *ChaosClient) ListPositions(ctx context.Context) ([]Position, error) {
	if err := c.fault(ctx, "list_positions"); err != nil {
		return nil, err
	}
	return c.inner.ListPositions(ctx)
}

func (c *ChaosClient) fault(ctx context.Context, op string) error {
	if err := c.injector.MaybeDelay(ctx, op); err != nil {
		return err
	}
	if c.injector.MaybeFail(op) {
		return fmt.Errorf("%w: injected %s failure", ErrTransient, op)
	}
	return nil
}
