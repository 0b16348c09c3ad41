// Package position keeps a local cache of exchange positions and reconciles
// it against the exchange on a fixed interval. The exchange is authoritative:
// local state never wins a disagreement, it is overwritten.
package position

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/exchange"
	"github.com/quantfold/execution-engine/internal/model"
)

// Config holds reconciler tuning knobs.
type Config struct {
	// Interval between reconciliation passes.
	Interval time.Duration
	// MarginAlertThreshold triggers a risk alert when a position's margin
	// ratio drops below it.
	MarginAlertThreshold decimal.Decimal
	// CallTimeout bounds the position listing call.
	CallTimeout time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:             10 * time.Second,
		MarginAlertThreshold: decimal.NewFromFloat(0.15),
		CallTimeout:          10 * time.Second,
	}
}

// Stats is a point-in-time snapshot of reconciler counters.
type Stats struct {
	Passes      int64     `json:"passes"`
	Skipped     int64     `json:"skipped"`
	Divergences int64     `json:"divergences"`
	LastPass    time.Time `json:"last_pass"`
}

// Reconciler periodically pulls the exchange's position list through the
// circuit breaker and converges the local cache onto it. Divergences are
// reported as bus events, never as errors.
type Reconciler struct {
	cfg    Config
	logger *zap.Logger
	bus    *bus.Bus
	brk    *breaker.Breaker
	client exchange.Client

	mu        sync.Mutex
	positions map[string]*model.Position

	running atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup

	passes      int64
	skipped     int64
	divergences int64
	lastPass    atomic.Int64
}

// NewReconciler creates a position reconciler.
func NewReconciler(cfg Config, logger *zap.Logger, b *bus.Bus, brk *breaker.Breaker, client exchange.Client) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		logger:    logger,
		bus:       b,
		brk:       brk,
		client:    client,
		positions: make(map[string]*model.Position),
		stop:      make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop signals the loop and waits for it.
func (r *Reconciler) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.ReconcileNow(context.Background())
		}
	}
}

// ReconcileNow runs one reconciliation pass. Passes are single-flight: if a
// previous pass is still running, this one is skipped rather than stacked.
func (r *Reconciler) ReconcileNow(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		atomic.AddInt64(&r.skipped, 1)
		r.logger.Warn("previous reconciliation pass still running, skipping")
		return
	}
	defer r.running.Store(false)

	var listed []exchange.Position
	err := r.brk.Call(ctx, func(callCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(callCtx, r.cfg.CallTimeout)
		defer cancel()
		positions, listErr := r.client.ListPositions(callCtx)
		if listErr != nil {
			return listErr
		}
		listed = positions
		return nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		atomic.AddInt64(&r.skipped, 1)
		r.logger.Debug("breaker open, keeping stale position cache")
		return
	}
	if err != nil {
		atomic.AddInt64(&r.skipped, 1)
		r.logger.Warn("position listing failed, keeping stale position cache", zap.Error(err))
		return
	}

	r.apply(listed)
	atomic.AddInt64(&r.passes, 1)
	r.lastPass.Store(time.Now().UnixMilli())
}

// apply converges the local cache onto the exchange's listing and emits the
// resulting lifecycle and risk events.
func (r *Reconciler) apply(listed []exchange.Position) {
	now := time.Now()
	bySymbol := make(map[string]exchange.Position, len(listed))
	for _, p := range listed {
		bySymbol[p.Symbol] = p
	}

	type emission struct {
		topic   string
		payload map[string]any
	}
	var emissions []emission

	r.mu.Lock()

	// Local positions the exchange no longer reports were closed externally,
	// most likely a liquidation or a manual close.
	for symbol, local := range r.positions {
		if _, ok := bySymbol[symbol]; ok {
			continue
		}
		delete(r.positions, symbol)
		atomic.AddInt64(&r.divergences, 1)

		payload := positionPayload(local)
		payload["reason"] = "liquidation_or_external"
		emissions = append(emissions, emission{bus.TopicPositionClosed, payload})

		if ratio, ok := local.MarginRatio(); ok && ratio.LessThan(r.cfg.MarginAlertThreshold) {
			emissions = append(emissions, emission{bus.TopicRiskAlert, map[string]any{
				"severity":     "critical",
				"symbol":       symbol,
				"message":      "position disappeared with low margin ratio, likely liquidated",
				"margin_ratio": ratio.String(),
			}})
		}
	}

	for symbol, ex := range bySymbol {
		local, ok := r.positions[symbol]
		if !ok {
			// Exchange reports a position the core never opened. Adopt it;
			// it may have come from another client or manual trading.
			adopted := fromExchange(ex, now)
			r.positions[symbol] = adopted
			atomic.AddInt64(&r.divergences, 1)

			payload := positionPayload(adopted)
			payload["reason"] = "external"
			emissions = append(emissions, emission{bus.TopicPositionOpened, payload})
		} else {
			changed := local.Side != ex.Side ||
				!local.Size.Equal(ex.Size) ||
				!local.EntryPrice.Equal(ex.EntryPrice) ||
				!local.CurrentPrice.Equal(ex.CurrentPrice) ||
				!local.UnrealizedPnL.Equal(ex.UnrealizedPnL) ||
				!local.Margin.Equal(ex.Margin)

			local.Side = ex.Side
			local.Size = ex.Size
			local.EntryPrice = ex.EntryPrice
			local.CurrentPrice = ex.CurrentPrice
			local.LiquidationPrice = ex.LiquidationPrice
			local.UnrealizedPnL = ex.UnrealizedPnL
			local.Margin = ex.Margin
			local.MaintenanceMargin = ex.MaintenanceMargin
			local.Leverage = ex.Leverage
			local.UpdatedAt = now

			if changed {
				emissions = append(emissions, emission{bus.TopicPositionUpdated, positionPayload(local)})
			}
		}

		live := r.positions[symbol]
		if ratio, ok := live.MarginRatio(); ok && ratio.LessThan(r.cfg.MarginAlertThreshold) {
			emissions = append(emissions, emission{bus.TopicRiskAlert, map[string]any{
				"severity":     "high",
				"symbol":       symbol,
				"message":      "margin ratio below threshold",
				"margin_ratio": ratio.String(),
				"threshold":    r.cfg.MarginAlertThreshold.String(),
			}})
		}
	}

	r.mu.Unlock()

	for _, e := range emissions {
		r.bus.Publish(e.topic, e.payload)
	}
}

// GetPosition returns a copy of the cached position for a symbol, if any.
func (r *Reconciler) GetPosition(symbol string) (*model.Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Positions returns a copy of all cached positions.
func (r *Reconciler) Positions() []*model.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p.Clone())
	}
	return out
}

// Stats returns current reconciler counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Passes:      atomic.LoadInt64(&r.passes),
		Skipped:     atomic.LoadInt64(&r.skipped),
		Divergences: atomic.LoadInt64(&r.divergences),
		LastPass:    time.UnixMilli(r.lastPass.Load()),
	}
}

func fromExchange(ex exchange.Position, now time.Time) *model.Position {
	return &model.Position{
		Symbol:            ex.Symbol,
		Side:              ex.Side,
		Size:              ex.Size,
		EntryPrice:        ex.EntryPrice,
		CurrentPrice:      ex.CurrentPrice,
		LiquidationPrice:  ex.LiquidationPrice,
		UnrealizedPnL:     ex.UnrealizedPnL,
		Margin:            ex.Margin,
		MaintenanceMargin: ex.MaintenanceMargin,
		Leverage:          ex.Leverage,
		OpenedAt:          now,
		UpdatedAt:         now,
	}
}

func positionPayload(p *model.Position) map[string]any {
	return map[string]any{
		"symbol":         p.Symbol,
		"side":           string(p.Side),
		"size":           p.Size.String(),
		"entry_price":    p.EntryPrice.String(),
		"current_price":  p.CurrentPrice.String(),
		"unrealized_pnl": p.UnrealizedPnL.String(),
		"margin":         p.Margin.String(),
	}
}
