package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/exchange"
	"github.com/quantfold/execution-engine/internal/model"
	"github.com/quantfold/execution-engine/internal/risk"
)

var errExchangeDown = fmt.Errorf("%w: 503", exchange.ErrTransient)

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) handle(ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) byTopic(topic string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	bus     *bus.Bus
	brk     *breaker.Breaker
	mock    *exchange.Mock
	manager *Manager
	rec     *eventRecorder
}

func newFixture(t *testing.T, cfg Config, brkCfg breaker.Config) *fixture {
	t.Helper()
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	t.Cleanup(b.Close)

	rec := &eventRecorder{}
	for _, topic := range []string{bus.TopicOrderCreated, bus.TopicOrderFilled, bus.TopicOrderCancelled} {
		cancel := b.Subscribe(topic, bus.AtLeastOnce, rec.handle)
		t.Cleanup(cancel)
	}

	mock := &exchange.Mock{}
	brk := breaker.New(brkCfg, zap.NewNop())
	m := NewManager(cfg, zap.NewNop(), b, brk, mock, risk.AllowAll{})

	return &fixture{bus: b, brk: brk, mock: mock, manager: m, rec: rec}
}

func testManagerConfig() Config {
	cfg := DefaultConfig()
	cfg.SubmitAttempts = 3
	cfg.SubmitBackoff = 5 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.CleanupInterval = 20 * time.Millisecond
	cfg.CallTimeout = time.Second
	return cfg
}

func testBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 5,
		FailureWindow:    time.Second,
		RecoveryTimeout:  50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func buyRequest(qty int64) Request {
	return Request{
		Symbol:   "BTC_USDT",
		Side:     model.SideBuy,
		Type:     model.TypeLimit,
		Quantity: decimal.NewFromInt(qty),
		Price:    decimal.NewFromInt(50000),
	}
}

func TestSubmitSuccessThenFill(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		return "px-1", nil
	}
	f.mock.GetOrderStatusFn = func(ctx context.Context, symbol, id string) (exchange.OrderStatusInfo, error) {
		return exchange.OrderStatusInfo{
			Status:         model.StatusFilled,
			FilledQuantity: decimal.NewFromInt(1),
			AvgFillPrice:   decimal.NewFromInt(50000),
		}, nil
	}

	f.manager.Start()
	defer f.manager.Stop()

	order, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.NoError(t, err)
	require.Equal(t, model.StatusSubmitted, order.Status)
	assert.Equal(t, "px-1", order.ExchangeOrderID)

	waitFor(t, func() bool {
		created := f.rec.byTopic(bus.TopicOrderCreated)
		return len(created) == 1 && created[0].Payload["status"] == "submitted"
	})

	waitFor(t, func() bool {
		o, ok := f.manager.GetOrder(order.OrderID)
		return ok && o.Status == model.StatusFilled
	})

	o, _ := f.manager.GetOrder(order.OrderID)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(1)))

	// Exactly one fill event, even across multiple poll ticks.
	time.Sleep(60 * time.Millisecond)
	filled := f.rec.byTopic(bus.TopicOrderFilled)
	require.Len(t, filled, 1)
	assert.Equal(t, "filled", filled[0].Payload["status"])
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())

	_, err := f.manager.Submit(context.Background(), Request{
		Symbol:   "BTC_USDT",
		Side:     model.SideBuy,
		Type:     model.TypeLimit,
		Quantity: decimal.Zero,
		Price:    decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Zero(t, f.mock.PlaceCalls(), "invalid orders never reach the exchange")
}

type rejectingGate struct{}

func (rejectingGate) Validate(risk.OrderIntent) (bool, []string) {
	return false, []string{"daily loss limit reached"}
}

func TestRiskGateRejectionShortCircuits(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())
	f.manager.gate = rejectingGate{}

	_, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.ErrorIs(t, err, ErrRejected)
	assert.Zero(t, f.mock.PlaceCalls(), "rejected orders never reach the exchange")

	waitFor(t, func() bool {
		created := f.rec.byTopic(bus.TopicOrderCreated)
		return len(created) == 1 && created[0].Payload["status"] == "rejected"
	})
}

func TestSubmitCapacityExceeded(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxInFlight = 1
	f := newFixture(t, cfg, testBreakerConfig())

	_, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.NoError(t, err)

	order, err := f.manager.Submit(context.Background(), buyRequest(2))
	require.ErrorIs(t, err, ErrCapacity)
	require.NotNil(t, order)
	assert.Equal(t, model.StatusFailed, order.Status)
	assert.Equal(t, "queue full", order.ErrorMessage)

	waitFor(t, func() bool {
		for _, ev := range f.rec.byTopic(bus.TopicOrderCreated) {
			if ev.Payload["status"] == "failed" && ev.Payload["reason"] == "queue full" {
				return true
			}
		}
		return false
	})
}

func TestTransientErrorRetriedThenSucceeds(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())

	var calls int
	var mu sync.Mutex
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return "", errExchangeDown
		}
		return "px-retry", nil
	}

	order, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, order.Status)
	assert.Equal(t, 3, f.mock.PlaceCalls())
}

func TestTransientErrorsExhaustAttempts(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		return "", errExchangeDown
	}

	order, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.NoError(t, err, "transient failures surface via events, not errors")
	assert.Equal(t, model.StatusFailed, order.Status)
	assert.Contains(t, order.ErrorMessage, "503")
	assert.Equal(t, 3, f.mock.PlaceCalls())

	waitFor(t, func() bool {
		for _, ev := range f.rec.byTopic(bus.TopicOrderCreated) {
			if ev.Payload["status"] == "failed" {
				return true
			}
		}
		return false
	})
}

func TestBreakerOpenQueuesAndDrainsOnRecovery(t *testing.T) {
	cfg := testManagerConfig()
	cfg.SubmitAttempts = 1
	f := newFixture(t, cfg, testBreakerConfig())

	var mu sync.Mutex
	failing := true
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return "", errExchangeDown
		}
		return "px-ok", nil
	}

	// Five failed submissions open the breaker.
	for i := 0; i < 5; i++ {
		_, err := f.manager.Submit(context.Background(), buyRequest(1))
		require.NoError(t, err)
	}
	require.Equal(t, breaker.StateOpen, f.brk.State())
	require.Equal(t, 5, f.mock.PlaceCalls())

	// Sixth submission is queued without a network call.
	queued, err := f.manager.Submit(context.Background(), buyRequest(6))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, queued.Status)
	assert.Equal(t, 5, f.mock.PlaceCalls(), "no call while breaker open")
	assert.Equal(t, 1, f.manager.Counts().Queued)

	// Exchange recovers; after the recovery timeout the next submission
	// succeeds and automatically drains the queued order.
	mu.Lock()
	failing = false
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)

	fresh, err := f.manager.Submit(context.Background(), buyRequest(7))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSubmitted, fresh.Status)

	drained, ok := f.manager.GetOrder(queued.OrderID)
	require.True(t, ok)
	assert.Equal(t, model.StatusSubmitted, drained.Status)
	assert.Equal(t, 0, f.manager.Counts().Queued)
	assert.Equal(t, 7, f.mock.PlaceCalls())
}

func TestCancelledQueuedOrderNotResubmitted(t *testing.T) {
	cfg := testManagerConfig()
	cfg.SubmitAttempts = 1
	f := newFixture(t, cfg, testBreakerConfig())

	var mu sync.Mutex
	failing := true
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return "", errExchangeDown
		}
		return "px-ok", nil
	}

	for i := 0; i < 5; i++ {
		_, err := f.manager.Submit(context.Background(), buyRequest(1))
		require.NoError(t, err)
	}
	require.Equal(t, breaker.StateOpen, f.brk.State())

	queued, err := f.manager.Submit(context.Background(), buyRequest(6))
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, queued.Status)

	// Cancelled while it sits in the retry queue; no exchange ID yet, so
	// the cancel never reaches the exchange.
	require.NoError(t, f.manager.Cancel(context.Background(), queued.OrderID))
	assert.Zero(t, f.mock.CancelCalls())

	mu.Lock()
	failing = false
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)

	// Recovery drains the queue, but the cancelled order must stay
	// cancelled and must not be placed.
	_, err = f.manager.Submit(context.Background(), buyRequest(7))
	require.NoError(t, err)

	assert.Equal(t, 6, f.mock.PlaceCalls(), "cancelled order never reaches the exchange")
	cancelled, ok := f.manager.GetOrder(queued.OrderID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.manager.Counts().Queued)
}

func TestQueuedOrderExpiresPastTTL(t *testing.T) {
	cfg := testManagerConfig()
	cfg.SubmitAttempts = 1
	cfg.RetryQueueTTL = 20 * time.Millisecond
	f := newFixture(t, cfg, testBreakerConfig())

	var mu sync.Mutex
	failing := true
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return "", errExchangeDown
		}
		return "px-ok", nil
	}

	for i := 0; i < 5; i++ {
		_, _ = f.manager.Submit(context.Background(), buyRequest(1))
	}
	queued, err := f.manager.Submit(context.Background(), buyRequest(6))
	require.NoError(t, err)

	mu.Lock()
	failing = false
	mu.Unlock()
	time.Sleep(60 * time.Millisecond) // recovery timeout and queue TTL both elapse

	_, err = f.manager.Submit(context.Background(), buyRequest(7))
	require.NoError(t, err)

	expired, ok := f.manager.GetOrder(queued.OrderID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, expired.Status)
	assert.Equal(t, "retry TTL expired", expired.ErrorMessage)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())

	var mu sync.Mutex
	status := model.StatusFilled
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		return "px-1", nil
	}
	f.mock.GetOrderStatusFn = func(ctx context.Context, symbol, id string) (exchange.OrderStatusInfo, error) {
		mu.Lock()
		defer mu.Unlock()
		return exchange.OrderStatusInfo{
			Status:         status,
			FilledQuantity: decimal.NewFromInt(1),
		}, nil
	}

	f.manager.Start()
	defer f.manager.Stop()

	order, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.NoError(t, err)

	waitFor(t, func() bool {
		o, _ := f.manager.GetOrder(order.OrderID)
		return o.Status == model.StatusFilled
	})

	// A stale SUBMITTED response must not regress the terminal state.
	mu.Lock()
	status = model.StatusSubmitted
	mu.Unlock()
	time.Sleep(60 * time.Millisecond)

	o, _ := f.manager.GetOrder(order.OrderID)
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.Len(t, f.rec.byTopic(bus.TopicOrderFilled), 1, "no duplicate fill events")
}

func TestPartialFillProgressApplied(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())

	var mu sync.Mutex
	info := exchange.OrderStatusInfo{
		Status:         model.StatusPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(1),
		AvgFillPrice:   decimal.NewFromInt(50000),
	}
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		return "px-1", nil
	}
	f.mock.GetOrderStatusFn = func(ctx context.Context, symbol, id string) (exchange.OrderStatusInfo, error) {
		mu.Lock()
		defer mu.Unlock()
		return info, nil
	}

	order, err := f.manager.Submit(context.Background(), buyRequest(3))
	require.NoError(t, err)

	f.manager.pollTick()
	o, _ := f.manager.GetOrder(order.OrderID)
	require.Equal(t, model.StatusPartiallyFilled, o.Status)
	require.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(1)))

	// The fill grows across polls; the quantity must track it even though
	// the status does not change.
	mu.Lock()
	info.FilledQuantity = decimal.NewFromInt(2)
	mu.Unlock()
	f.manager.pollTick()
	o, _ = f.manager.GetOrder(order.OrderID)
	assert.Equal(t, model.StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(2)), "fill progress applied, got %s", o.FilledQuantity)

	// A stale smaller fill does not roll progress back.
	mu.Lock()
	info.FilledQuantity = decimal.NewFromInt(1)
	mu.Unlock()
	f.manager.pollTick()
	o, _ = f.manager.GetOrder(order.OrderID)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(2)))

	// Still exactly one partial-fill lifecycle event.
	waitFor(t, func() bool {
		return len(f.rec.byTopic(bus.TopicOrderFilled)) >= 1
	})
	assert.Len(t, f.rec.byTopic(bus.TopicOrderFilled), 1)

	mu.Lock()
	info.Status = model.StatusFilled
	info.FilledQuantity = decimal.NewFromInt(3)
	mu.Unlock()
	f.manager.pollTick()
	o, _ = f.manager.GetOrder(order.OrderID)
	assert.Equal(t, model.StatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(3)))

	waitFor(t, func() bool {
		return len(f.rec.byTopic(bus.TopicOrderFilled)) == 2
	})
}

func TestNoOrdersLostAcrossOutcomes(t *testing.T) {
	cfg := testManagerConfig()
	cfg.SubmitAttempts = 1
	f := newFixture(t, cfg, testBreakerConfig())

	var mu sync.Mutex
	calls := 0
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%2 == 0 {
			return "", errExchangeDown
		}
		return fmt.Sprintf("px-%d", calls), nil
	}

	accepted := 0
	for i := 0; i < 8; i++ {
		_, err := f.manager.Submit(context.Background(), buyRequest(1))
		require.NoError(t, err)
		accepted++
	}

	counts := f.manager.Counts()
	assert.Equal(t, accepted, counts.Total, "every accepted submit is accounted for")
	assert.Zero(t, counts.Queued)
}

func TestCancelSubmittedOrder(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		return "px-1", nil
	}

	order, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.NoError(t, err)

	require.NoError(t, f.manager.Cancel(context.Background(), order.OrderID))
	assert.Equal(t, 1, f.mock.CancelCalls())

	cancelled, _ := f.manager.GetOrder(order.OrderID)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	waitFor(t, func() bool {
		return len(f.rec.byTopic(bus.TopicOrderCancelled)) == 1
	})

	err = f.manager.Cancel(context.Background(), order.OrderID)
	require.ErrorIs(t, err, ErrTerminal)

	err = f.manager.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownOrder)
}

func TestCleanupPurgesOldTerminalOrders(t *testing.T) {
	cfg := testManagerConfig()
	cfg.TerminalRetention = 10 * time.Millisecond
	f := newFixture(t, cfg, testBreakerConfig())
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		return "", errExchangeDown
	}

	order, err := f.manager.Submit(context.Background(), buyRequest(1))
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, order.Status)

	time.Sleep(20 * time.Millisecond)
	removed := f.manager.cleanupTick(time.Now())
	assert.Equal(t, 1, removed)

	_, ok := f.manager.GetOrder(order.OrderID)
	assert.False(t, ok)
}

func TestPollSkipsBatchWhileBreakerOpen(t *testing.T) {
	f := newFixture(t, testManagerConfig(), testBreakerConfig())
	f.mock.PlaceOrderFn = func(ctx context.Context, spec exchange.OrderSpec) (string, error) {
		return "px-1", nil
	}
	f.mock.GetOrderStatusFn = func(ctx context.Context, symbol, id string) (exchange.OrderStatusInfo, error) {
		return exchange.OrderStatusInfo{}, errExchangeDown
	}

	for i := 0; i < 3; i++ {
		_, err := f.manager.Submit(context.Background(), buyRequest(1))
		require.NoError(t, err)
	}

	// Drive the breaker open with failed status calls.
	for i := 0; i < 3; i++ {
		f.manager.pollTick()
	}
	require.Equal(t, breaker.StateOpen, f.brk.State())

	before := f.mock.StatusCalls()
	f.manager.pollTick()
	assert.Equal(t, before, f.mock.StatusCalls(), "open breaker skips the whole batch")
}
