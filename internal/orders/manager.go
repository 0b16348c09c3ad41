// Package orders owns the order lifecycle: submission through the circuit
// breaker, background status polling, retry queueing while the exchange is
// unavailable, and cleanup of terminal orders.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/exchange"
	"github.com/quantfold/execution-engine/internal/model"
	"github.com/quantfold/execution-engine/internal/risk"
)

var (
	// ErrCapacity is returned when the in-flight order count is at capacity.
	ErrCapacity = errors.New("too many in-flight orders")
	// ErrRejected is returned when the risk gate rejects the order.
	ErrRejected = errors.New("order rejected by risk gate")
	// ErrInvalid is returned for malformed submission requests.
	ErrInvalid = errors.New("invalid order request")
	// ErrUnknownOrder is returned for operations on an unknown order ID.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrTerminal is returned when cancelling an already terminal order.
	ErrTerminal = errors.New("order already in terminal state")
)

// Config holds order manager tuning knobs.
type Config struct {
	// MaxInFlight bounds the number of non-terminal orders.
	MaxInFlight int
	// RetryQueueCapacity bounds the queue of orders deferred while the
	// breaker is open.
	RetryQueueCapacity int
	// RetryQueueTTL discards queued orders not retried within this window.
	RetryQueueTTL time.Duration
	// SubmitAttempts is the total submission attempts on transient errors.
	SubmitAttempts int
	// SubmitBackoff is the initial retry backoff, doubled per attempt.
	SubmitBackoff time.Duration
	// DrainBatch is how many queued orders one successful submission drains.
	DrainBatch int
	// PollInterval drives the background status polling loop.
	PollInterval time.Duration
	// CleanupInterval drives the terminal-order sweep.
	CleanupInterval time.Duration
	// TerminalRetention keeps terminal orders around for this long before
	// the sweep purges them.
	TerminalRetention time.Duration
	// CallTimeout bounds each individual exchange call. Never expose a
	// shorter user-facing timeout; slow calls are not failed calls.
	CallTimeout time.Duration
	// StatsInterval drives the periodic stats log.
	StatsInterval time.Duration
}

// DefaultConfig returns the default order manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:        1000,
		RetryQueueCapacity: 1000,
		RetryQueueTTL:      5 * time.Minute,
		SubmitAttempts:     3,
		SubmitBackoff:      time.Second,
		DrainBatch:         10,
		PollInterval:       2 * time.Second,
		CleanupInterval:    60 * time.Second,
		TerminalRetention:  time.Hour,
		CallTimeout:        10 * time.Second,
		StatsInterval:      30 * time.Second,
	}
}

// Request is an order submission request.
type Request struct {
	Symbol   string
	Side     model.OrderSide
	Type     model.OrderType
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Manager owns all orders by ID. Cross-component communication happens via
// bus events; the orders map is mutated only under the manager's own lock.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	bus    *bus.Bus
	brk    *breaker.Breaker
	client exchange.Client
	gate   risk.Gate

	mu     sync.Mutex
	orders map[string]*model.Order

	queue *retryQueue

	stop chan struct{}
	wg   sync.WaitGroup

	submittedCount int64
	failedCount    int64
	queuedCount    int64
	filledCount    int64
}

// NewManager creates an order manager.
func NewManager(cfg Config, logger *zap.Logger, b *bus.Bus, brk *breaker.Breaker, client exchange.Client, gate risk.Gate) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		bus:    b,
		brk:    brk,
		client: client,
		gate:   gate,
		orders: make(map[string]*model.Order),
		queue:  newRetryQueue(cfg.RetryQueueCapacity, cfg.RetryQueueTTL),
		stop:   make(chan struct{}),
	}
}

// Start launches the background polling, cleanup and stats loops.
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.pollLoop()
	go m.cleanupLoop()
	go m.statsLoop()
}

// Stop signals the background loops and waits for them. In-flight exchange
// calls finish or fail naturally; no new ticks are scheduled after Stop.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Submit validates, registers and submits one order. Validation and capacity
// errors are returned synchronously; transient exchange failures and breaker
// outages are absorbed into the retry machinery and surfaced via events.
func (m *Manager) Submit(ctx context.Context, req Request) (*model.Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	intent := risk.OrderIntent{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    req.Price,
	}
	if approved, reasons := m.gate.Validate(intent); !approved {
		m.publishOrderEvent(bus.TopicOrderCreated, &model.Order{
			OrderID:   uuid.New().String(),
			Symbol:    req.Symbol,
			Side:      req.Side,
			Quantity:  req.Quantity,
			Price:     req.Price,
			Type:      req.Type,
			Status:    model.StatusFailed,
			CreatedAt: time.Now(),
		}, map[string]any{"status": "rejected", "reasons": strings.Join(reasons, "; ")})
		return nil, fmt.Errorf("%w: %s", ErrRejected, strings.Join(reasons, "; "))
	}

	order := &model.Order{
		OrderID:   uuid.New().String(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Type:      req.Type,
		Status:    model.StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	if m.inFlightLocked() >= m.cfg.MaxInFlight {
		m.mu.Unlock()
		order.Status = model.StatusFailed
		order.ErrorMessage = "queue full"
		m.storeOrder(order)
		atomic.AddInt64(&m.failedCount, 1)
		m.publishOrderEvent(bus.TopicOrderCreated, order, map[string]any{"status": "failed", "reason": "queue full"})
		return order.Clone(), fmt.Errorf("%w: capacity %d", ErrCapacity, m.cfg.MaxInFlight)
	}
	m.orders[order.OrderID] = order
	m.mu.Unlock()

	m.submit(ctx, order)
	return m.snapshot(order.OrderID), nil
}

// submit runs the breaker-wrapped placement with bounded retries.
func (m *Manager) submit(ctx context.Context, order *model.Order) {
	spec := exchange.OrderSpec{
		Symbol:   order.Symbol,
		Side:     order.Side,
		Type:     order.Type,
		Quantity: order.Quantity,
		Price:    order.Price,
	}

	backoff := m.cfg.SubmitBackoff
	for attempt := 1; ; attempt++ {
		var exchangeOrderID string
		err := m.brk.Call(ctx, func(callCtx context.Context) error {
			callCtx, cancel := context.WithTimeout(callCtx, m.cfg.CallTimeout)
			defer cancel()
			id, placeErr := m.client.PlaceOrder(callCtx, spec)
			if placeErr != nil {
				return placeErr
			}
			exchangeOrderID = id
			return nil
		})

		if err == nil {
			m.markSubmitted(order, exchangeOrderID)
			m.drainQueue(ctx)
			return
		}

		if errors.Is(err, breaker.ErrOpen) {
			// Never retried inline: retrying would defeat the breaker.
			m.enqueueForRetry(order)
			return
		}

		if attempt >= m.cfg.SubmitAttempts {
			m.markFailed(order, err)
			return
		}

		m.logger.Warn("order submission failed, retrying",
			zap.String("order_id", order.OrderID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			m.markFailed(order, ctx.Err())
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// enqueueForRetry defers the order until the exchange recovers. A transient
// outage is not bubbled to the caller as a hard failure while a retry path
// exists; only a full retry queue turns into a terminal failure.
func (m *Manager) enqueueForRetry(order *model.Order) {
	if err := m.queue.push(order); err != nil {
		order.ErrorMessage = "retry queue full"
		m.markFailed(order, err)
		return
	}
	atomic.AddInt64(&m.queuedCount, 1)
	m.logger.Info("exchange unavailable, order queued for retry",
		zap.String("order_id", order.OrderID),
		zap.Int("queue_depth", m.queue.len()),
	)
}

// drainQueue retries a bounded batch of queued orders after a successful
// submission, so a recovered connection catches up before new pressure lands.
func (m *Manager) drainQueue(ctx context.Context) {
	for i := 0; i < m.cfg.DrainBatch; i++ {
		m.failExpired()
		order := m.queue.pop()
		if order == nil {
			break
		}

		// Cancelled or otherwise settled while it sat in the queue.
		m.mu.Lock()
		terminal := order.Status.Terminal()
		m.mu.Unlock()
		if terminal {
			continue
		}

		var exchangeOrderID string
		err := m.brk.Call(ctx, func(callCtx context.Context) error {
			callCtx, cancel := context.WithTimeout(callCtx, m.cfg.CallTimeout)
			defer cancel()
			id, placeErr := m.client.PlaceOrder(callCtx, exchange.OrderSpec{
				Symbol:   order.Symbol,
				Side:     order.Side,
				Type:     order.Type,
				Quantity: order.Quantity,
				Price:    order.Price,
			})
			if placeErr != nil {
				return placeErr
			}
			exchangeOrderID = id
			return nil
		})

		if err == nil {
			m.markSubmitted(order, exchangeOrderID)
			continue
		}

		// Put it back and stop; the next successful submission or recovery
		// drains again.
		if pushErr := m.queue.push(order); pushErr != nil {
			order.ErrorMessage = "retry queue full"
			m.markFailed(order, pushErr)
		}
		return
	}
	m.failExpired()
}

// failExpired fails orders the retry queue aged out.
func (m *Manager) failExpired() {
	for _, order := range m.queue.takeExpired() {
		m.mu.Lock()
		terminal := order.Status.Terminal()
		if !terminal {
			order.ErrorMessage = "retry TTL expired"
		}
		m.mu.Unlock()
		if terminal {
			continue
		}
		m.markFailed(order, errors.New("retry TTL expired"))
	}
}

// Cancel cancels a non-terminal order through the breaker.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if order.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, orderID, order.Status)
	}
	exchangeOrderID := order.ExchangeOrderID
	symbol := order.Symbol
	m.mu.Unlock()

	// Not yet acknowledged by the exchange: nothing to cancel remotely.
	if exchangeOrderID == "" {
		m.transition(order, model.StatusCancelled, order.FilledQuantity, order.AvgFillPrice)
		return nil
	}

	err := m.brk.Call(ctx, func(callCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(callCtx, m.cfg.CallTimeout)
		defer cancel()
		ok, cancelErr := m.client.CancelOrder(callCtx, symbol, exchangeOrderID)
		if cancelErr != nil {
			return cancelErr
		}
		if !ok {
			return fmt.Errorf("exchange refused cancel for %s", exchangeOrderID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	m.transition(order, model.StatusCancelled, order.FilledQuantity, order.AvgFillPrice)
	return nil
}

// pollLoop queries the exchange for every acknowledged, non-terminal order.
func (m *Manager) pollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pollTick()
		}
	}
}

func (m *Manager) pollTick() {
	m.mu.Lock()
	batch := make([]*model.Order, 0)
	for _, o := range m.orders {
		if o.Status == model.StatusSubmitted || o.Status == model.StatusPartiallyFilled {
			batch = append(batch, o)
		}
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, order := range batch {
		var info exchange.OrderStatusInfo
		err := m.brk.Call(ctx, func(callCtx context.Context) error {
			callCtx, cancel := context.WithTimeout(callCtx, m.cfg.CallTimeout)
			defer cancel()
			statusInfo, statusErr := m.client.GetOrderStatus(callCtx, order.Symbol, order.ExchangeOrderID)
			if statusErr != nil {
				return statusErr
			}
			info = statusInfo
			return nil
		})

		if errors.Is(err, breaker.ErrOpen) {
			// Skip the remaining batch for this tick; the next tick retries.
			m.logger.Debug("breaker open, skipping status poll batch")
			return
		}
		if err != nil {
			m.logger.Warn("status poll failed",
				zap.String("order_id", order.OrderID),
				zap.Error(err),
			)
			continue
		}

		m.transition(order, info.Status, info.FilledQuantity, info.AvgFillPrice)
	}
}

// transition applies a status observation. Transitions are forward-only:
// stale or duplicate exchange responses are idempotent no-ops. A repeated
// PARTIALLY_FILLED observation with a larger fill advances the filled
// quantity without re-emitting a lifecycle event.
func (m *Manager) transition(order *model.Order, next model.OrderStatus, filled, avgPrice decimal.Decimal) {
	m.mu.Lock()
	if !order.Status.CanTransitionTo(next) {
		if order.Status == model.StatusPartiallyFilled && next == model.StatusPartiallyFilled &&
			filled.GreaterThan(order.FilledQuantity) {
			m.applyFillLocked(order, filled, avgPrice)
		}
		m.mu.Unlock()
		return
	}
	order.Status = next
	m.applyFillLocked(order, filled, avgPrice)
	snapshot := order.Clone()
	m.mu.Unlock()

	switch next {
	case model.StatusFilled:
		atomic.AddInt64(&m.filledCount, 1)
		m.publishOrderEvent(bus.TopicOrderFilled, snapshot, map[string]any{"status": "filled"})
	case model.StatusPartiallyFilled:
		m.publishOrderEvent(bus.TopicOrderFilled, snapshot, map[string]any{"status": "partially_filled"})
	case model.StatusCancelled:
		m.publishOrderEvent(bus.TopicOrderCancelled, snapshot, map[string]any{"status": "cancelled"})
	}

	m.logger.Info("order status transition",
		zap.String("order_id", snapshot.OrderID),
		zap.String("status", string(next)),
		zap.String("filled_quantity", snapshot.FilledQuantity.String()),
	)
}

// applyFillLocked records fill progress, clamped to the order quantity.
// Caller holds the lock.
func (m *Manager) applyFillLocked(order *model.Order, filled, avgPrice decimal.Decimal) {
	if filled.GreaterThan(order.Quantity) {
		filled = order.Quantity
	}
	order.FilledQuantity = filled
	if !avgPrice.IsZero() {
		order.AvgFillPrice = avgPrice
	}
	order.UpdatedAt = time.Now()
}

func (m *Manager) markSubmitted(order *model.Order, exchangeOrderID string) {
	m.mu.Lock()
	if !order.Status.CanTransitionTo(model.StatusSubmitted) {
		m.mu.Unlock()
		return
	}
	order.ExchangeOrderID = exchangeOrderID
	order.Status = model.StatusSubmitted
	order.UpdatedAt = time.Now()
	snapshot := order.Clone()
	m.storeOrderLocked(order)
	m.mu.Unlock()

	atomic.AddInt64(&m.submittedCount, 1)
	m.publishOrderEvent(bus.TopicOrderCreated, snapshot, map[string]any{"status": "submitted"})
}

func (m *Manager) markFailed(order *model.Order, cause error) {
	m.mu.Lock()
	if !order.Status.CanTransitionTo(model.StatusFailed) {
		m.mu.Unlock()
		return
	}
	order.Status = model.StatusFailed
	if order.ErrorMessage == "" {
		order.ErrorMessage = cause.Error()
	}
	order.UpdatedAt = time.Now()
	snapshot := order.Clone()
	m.storeOrderLocked(order)
	m.mu.Unlock()

	atomic.AddInt64(&m.failedCount, 1)
	m.publishOrderEvent(bus.TopicOrderCreated, snapshot, map[string]any{
		"status": "failed",
		"reason": snapshot.ErrorMessage,
	})
}

// cleanupLoop purges terminal orders past the retention window, bounding
// memory without external archival on the hot path.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			removed := m.cleanupTick(time.Now())
			if removed > 0 {
				m.logger.Info("purged terminal orders", zap.Int("removed", removed))
			}
		}
	}
}

func (m *Manager) cleanupTick(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, o := range m.orders {
		if o.Status.Terminal() && now.Sub(o.UpdatedAt) > m.cfg.TerminalRetention {
			delete(m.orders, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) statsLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			counts := m.Counts()
			m.logger.Info("order manager stats",
				zap.Int("in_flight", counts.InFlight),
				zap.Int("queued", counts.Queued),
				zap.Int64("submitted", counts.Submitted),
				zap.Int64("filled", counts.Filled),
				zap.Int64("failed", counts.Failed),
				zap.Int64("queue_rejected", counts.QueueRejected),
			)
		}
	}
}

// GetOrder returns a copy of the order, if known.
func (m *Manager) GetOrder(orderID string) (*model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Counts is a point-in-time snapshot of order manager counters.
type Counts struct {
	Total         int   `json:"total"`
	InFlight      int   `json:"in_flight"`
	Queued        int   `json:"queued"`
	Submitted     int64 `json:"submitted"`
	Filled        int64 `json:"filled"`
	Failed        int64 `json:"failed"`
	QueueRejected int64 `json:"queue_rejected"`
}

// Counts returns current order counters.
func (m *Manager) Counts() Counts {
	m.mu.Lock()
	total := len(m.orders)
	inFlight := m.inFlightLocked()
	m.mu.Unlock()

	return Counts{
		Total:         total,
		InFlight:      inFlight,
		Queued:        m.queue.len(),
		Submitted:     atomic.LoadInt64(&m.submittedCount),
		Filled:        atomic.LoadInt64(&m.filledCount),
		Failed:        atomic.LoadInt64(&m.failedCount),
		QueueRejected: m.queue.rejectedCount(),
	}
}

// inFlightLocked counts non-terminal orders plus queued retries. Caller
// holds the lock.
func (m *Manager) inFlightLocked() int {
	n := 0
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) storeOrder(order *model.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeOrderLocked(order)
}

func (m *Manager) storeOrderLocked(order *model.Order) {
	m.orders[order.OrderID] = order
}

func (m *Manager) snapshot(orderID string) *model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		return o.Clone()
	}
	return nil
}

func (m *Manager) publishOrderEvent(topic string, order *model.Order, extra map[string]any) {
	payload := map[string]any{
		"order_id":        order.OrderID,
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"order_type":      string(order.Type),
		"quantity":        order.Quantity.String(),
		"price":           order.Price.String(),
		"filled_quantity": order.FilledQuantity.String(),
	}
	if order.ExchangeOrderID != "" {
		payload["exchange_order_id"] = order.ExchangeOrderID
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.bus.Publish(topic, payload)
}

func validate(req Request) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalid)
	}
	if req.Quantity.Sign() <= 0 {
		return fmt.Errorf("%w: quantity must be greater than 0", ErrInvalid)
	}
	if req.Type == model.TypeLimit && req.Price.Sign() <= 0 {
		return fmt.Errorf("%w: limit price must be greater than 0", ErrInvalid)
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalid)
	}
	return nil
}
