// Package engine wires the execution core together: signals into order
// submissions, fills and closures into the risk gate's state, dead letters
// into the journal, and breaker state into the health surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/journal"
	"github.com/quantfold/execution-engine/internal/model"
	"github.com/quantfold/execution-engine/internal/observability"
	"github.com/quantfold/execution-engine/internal/orders"
	"github.com/quantfold/execution-engine/internal/position"
	"github.com/quantfold/execution-engine/internal/risk"
)

// Config holds engine coordinator tuning knobs.
type Config struct {
	// DeadLetterDrainInterval drives the dead-letter to journal drain task.
	DeadLetterDrainInterval time.Duration
	// DeadLetterDrainBatch bounds one drain pass.
	DeadLetterDrainBatch int
	// HealthProbeInterval drives the breaker-to-readiness probe.
	HealthProbeInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		DeadLetterDrainInterval: 5 * time.Second,
		DeadLetterDrainBatch:    100,
		HealthProbeInterval:     time.Second,
	}
}

// Engine is the coordination layer on top of the core components. It owns no
// order or position state itself; everything flows through bus subscriptions.
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	bus        *bus.Bus
	brk        *breaker.Breaker
	manager    *orders.Manager
	reconciler *position.Reconciler
	limits     *risk.Limits
	store      *journal.Store
	health     *observability.HealthChecker

	start   time.Time
	cancels []func()
	stop    chan struct{}
	done    chan struct{}
}

// New creates the engine coordinator. The limits gate, journal store and
// health checker are each optional; the corresponding wiring is skipped when
// nil.
func New(cfg Config, logger *zap.Logger, b *bus.Bus, brk *breaker.Breaker,
	manager *orders.Manager, reconciler *position.Reconciler,
	limits *risk.Limits, store *journal.Store, health *observability.HealthChecker) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		bus:        b,
		brk:        brk,
		manager:    manager,
		reconciler: reconciler,
		limits:     limits,
		store:      store,
		health:     health,
		start:      time.Now(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start subscribes the engine's handlers and launches its background tasks.
func (e *Engine) Start() {
	e.cancels = append(e.cancels,
		e.bus.Subscribe(bus.TopicSignalGenerated, bus.AtLeastOnce, e.handleSignal))

	if e.limits != nil {
		e.cancels = append(e.cancels,
			e.bus.Subscribe(bus.TopicOrderFilled, bus.AtLeastOnce, e.handleFill),
			e.bus.Subscribe(bus.TopicPositionClosed, bus.AtLeastOnce, e.handlePositionClosed),
		)
	}

	go e.backgroundLoop()
}

// Stop cancels subscriptions and stops the background tasks.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
}

// handleSignal turns a trading signal into an order submission. Signals that
// fail validation, risk checks or capacity are logged and consumed; retrying
// them would produce the same rejection.
func (e *Engine) handleSignal(ev bus.Event) error {
	req, err := requestFromSignal(ev)
	if err != nil {
		e.logger.Warn("malformed signal dropped",
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return nil
	}

	_, err = e.manager.Submit(context.Background(), req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orders.ErrInvalid),
		errors.Is(err, orders.ErrRejected),
		errors.Is(err, orders.ErrCapacity):
		e.logger.Warn("signal not converted to order",
			zap.String("event_id", ev.EventID),
			zap.String("symbol", req.Symbol),
			zap.Error(err),
		)
		return nil
	default:
		return err
	}
}

// handleFill feeds filled notional into the risk gate's exposure tracking.
func (e *Engine) handleFill(ev bus.Event) error {
	symbol, _ := ev.Payload["symbol"].(string)
	filled, err := payloadDecimal(ev.Payload, "filled_quantity")
	if err != nil {
		return nil
	}
	price, err := payloadDecimal(ev.Payload, "price")
	if err != nil {
		return nil
	}
	if symbol == "" || filled.Sign() <= 0 {
		return nil
	}
	e.limits.RecordFill(symbol, filled.Mul(price))
	return nil
}

// handlePositionClosed releases the closed position's exposure and rolls its
// final PnL into the daily-loss tracking.
func (e *Engine) handlePositionClosed(ev bus.Event) error {
	symbol, _ := ev.Payload["symbol"].(string)
	if symbol == "" {
		return nil
	}

	if size, err := payloadDecimal(ev.Payload, "size"); err == nil {
		if entry, err := payloadDecimal(ev.Payload, "entry_price"); err == nil {
			e.limits.ReleaseExposure(symbol, size.Mul(entry))
		}
	}
	if pnl, err := payloadDecimal(ev.Payload, "unrealized_pnl"); err == nil {
		e.limits.RecordRealizedPnL(pnl)
	}
	return nil
}

// backgroundLoop runs the dead-letter drain and health probe tasks.
func (e *Engine) backgroundLoop() {
	defer close(e.done)

	drain := time.NewTicker(e.cfg.DeadLetterDrainInterval)
	defer drain.Stop()
	probe := time.NewTicker(e.cfg.HealthProbeInterval)
	defer probe.Stop()

	for {
		select {
		case <-e.stop:
			e.drainDeadLetters()
			return
		case <-drain.C:
			e.drainDeadLetters()
		case <-probe.C:
			if e.health != nil {
				e.health.SetExchangeReady(e.brk.State() != breaker.StateOpen)
			}
		}
	}
}

// drainDeadLetters persists dead letters so they survive the in-memory queue.
func (e *Engine) drainDeadLetters() {
	if e.store == nil {
		return
	}

	letters := e.bus.DrainDeadLetters(e.cfg.DeadLetterDrainBatch)
	if len(letters) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved := 0
	for _, dl := range letters {
		if _, err := e.store.AppendDeadLetter(ctx, dl); err != nil {
			e.logger.Error("failed to journal dead letter",
				zap.String("topic", dl.Topic),
				zap.String("event_id", dl.Event.EventID),
				zap.Error(err),
			)
			continue
		}
		saved++
	}
	e.logger.Info("drained dead letters to journal",
		zap.Int("drained", len(letters)),
		zap.Int("saved", saved),
	)
}

// Status builds the /statusz document.
func (e *Engine) Status() observability.Status {
	status := observability.Status{
		Service:       "execution-engine",
		UptimeSeconds: observability.Uptime(e.start),
		Breaker:       e.brk.GetSnapshot(),
		Orders:        e.manager.Counts(),
		Bus:           e.bus.StatsSnapshot(),
	}
	if e.reconciler != nil {
		status.Positions = len(e.reconciler.Positions())
		status.Reconciler = e.reconciler.Stats()
	}
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if lag, err := e.store.UnpublishedCount(ctx); err == nil {
			status.JournalLag = lag
		}
	}
	return status
}

func requestFromSignal(ev bus.Event) (orders.Request, error) {
	symbol, _ := ev.Payload["symbol"].(string)
	sideStr, _ := ev.Payload["side"].(string)
	typeStr, _ := ev.Payload["order_type"].(string)
	if typeStr == "" {
		typeStr = string(model.TypeLimit)
	}

	quantity, err := payloadDecimal(ev.Payload, "quantity")
	if err != nil {
		return orders.Request{}, err
	}
	price, err := payloadDecimal(ev.Payload, "price")
	if err != nil {
		return orders.Request{}, err
	}

	return orders.Request{
		Symbol:   symbol,
		Side:     model.OrderSide(sideStr),
		Type:     model.OrderType(typeStr),
		Quantity: quantity,
		Price:    price,
	}, nil
}

func payloadDecimal(payload map[string]any, key string) (decimal.Decimal, error) {
	switch v := payload[key].(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, fmt.Errorf("missing or invalid field %q", key)
	}
}
