package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/chaos"
	"github.com/quantfold/execution-engine/internal/config"
	"github.com/quantfold/execution-engine/internal/engine"
	"github.com/quantfold/execution-engine/internal/exchange"
	"github.com/quantfold/execution-engine/internal/journal"
	"github.com/quantfold/execution-engine/internal/logging"
	"github.com/quantfold/execution-engine/internal/orders"
	"github.com/quantfold/execution-engine/internal/position"
	"github.com/quantfold/execution-engine/internal/risk"
)

var symbols = []string{"BTC_USDT", "ETH_USDT", "SOL_USDT"}

// signalgen drives a full in-process execution core with a deterministic
// signal stream. With CHAOS_ENABLED=true it doubles as a soak harness for the
// breaker and retry queue.
func main() {
	var (
		count    = flag.Int("count", 50, "Number of signals to generate")
		dupPct   = flag.Int("dup-pct", 30, "Percentage of duplicate signals (0-100)")
		seed     = flag.Int64("seed", 42, "Random seed for deterministic generation")
		interval = flag.Duration("interval", 50*time.Millisecond, "Delay between signals")
		settle   = flag.Duration("settle", 5*time.Second, "How long to wait for fills after the last signal")
		dataDir  = flag.String("data-dir", "", "Journal directory (default: temp)")
	)
	flag.Parse()

	logger, err := logging.NewLogger("signalgen", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	dir := *dataDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "signalgen")
		if err != nil {
			logger.Fatal("failed to create temp dir", zap.Error(err))
		}
		defer os.RemoveAll(dir)
	}

	store, err := journal.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}
	defer store.Close()

	cfg := config.LoadConfig("signalgen")
	cfg.Paper.FillDelay = 200 * time.Millisecond
	cfg.Orders.PollInterval = 100 * time.Millisecond
	cfg.Position.Interval = 500 * time.Millisecond

	logger.Info("starting signal generator",
		zap.Int("count", *count),
		zap.Int("dup_pct", *dupPct),
		zap.Int64("seed", *seed),
		zap.String("data_dir", dir),
	)

	// Build the full core in-process.
	eventBus := bus.New(cfg.Bus, logger)
	brk := breaker.New(cfg.Breaker, logger)

	var client exchange.Client = exchange.NewPaper(cfg.Paper, logger)
	chaosCfg := chaos.LoadConfig()
	if chaosCfg.Enabled {
		client = exchange.WithChaos(client, chaos.New(chaosCfg, logger))
		logger.Info("chaos injection enabled", zap.String("profile", chaosCfg.Profile))
	}

	limits := risk.NewLimits(cfg.Limits, logger)
	manager := orders.NewManager(cfg.Orders, logger, eventBus, brk, client, limits)
	reconciler := position.NewReconciler(cfg.Position, logger, eventBus, brk, client)

	sink := journal.NewSink(store, logger)
	sink.Attach(eventBus,
		bus.TopicSignalGenerated,
		bus.TopicOrderCreated,
		bus.TopicOrderFilled,
		bus.TopicOrderCancelled,
		bus.TopicPositionOpened,
		bus.TopicPositionUpdated,
		bus.TopicPositionClosed,
		bus.TopicRiskAlert,
	)

	eng := engine.New(engine.DefaultConfig(), logger, eventBus, brk, manager, reconciler, limits, store, nil)

	manager.Start()
	reconciler.Start()
	eng.Start()

	// Generate signals. Duplicates repeat a previously emitted signal payload
	// to exercise the core's idempotent handling downstream.
	rng := rand.New(rand.NewSource(*seed))
	var emitted []map[string]any
	unique, dups := 0, 0

	for i := 0; i < *count; i++ {
		var payload map[string]any
		if rng.Intn(100) < *dupPct && len(emitted) > 0 {
			payload = emitted[rng.Intn(len(emitted))]
			dups++
		} else {
			symbol := symbols[rng.Intn(len(symbols))]
			side := "BUY"
			if rng.Intn(2) == 1 {
				side = "SELL"
			}
			price := decimal.NewFromFloat(100 + rng.Float64()*50).Round(2)
			payload = map[string]any{
				"symbol":     symbol,
				"side":       side,
				"order_type": "LIMIT",
				"quantity":   "1",
				"price":      price.String(),
			}
			emitted = append(emitted, payload)
			unique++
		}

		eventBus.Publish(bus.TopicSignalGenerated, payload)
		time.Sleep(*interval)
	}

	logger.Info("signal stream complete, settling",
		zap.Int("unique", unique),
		zap.Int("duplicates", dups),
	)
	time.Sleep(*settle)

	counts := manager.Counts()
	busStats := eventBus.StatsSnapshot()
	brkSnap := brk.GetSnapshot()

	eng.Stop()
	reconciler.Stop()
	manager.Stop()
	eventBus.Close()
	sink.Detach()

	journaled, _ := store.Count(context.Background())

	fmt.Printf("\n=== Signal Generator Summary ===\n")
	fmt.Printf("Signals: %d (unique %d, duplicates %d)\n", *count, unique, dups)
	fmt.Printf("Orders: total %d, submitted %d, filled %d, failed %d\n",
		counts.Total, counts.Submitted, counts.Filled, counts.Failed)
	fmt.Printf("Retry queue: depth %d, rejected %d\n", counts.Queued, counts.QueueRejected)
	fmt.Printf("Breaker: %s (failures %d)\n", brkSnap.State, brkSnap.FailureCount)
	fmt.Printf("Bus: published %d, delivered %d, dead letters %d\n",
		busStats.Published, busStats.Delivered, busStats.DeadLetters)
	fmt.Printf("Journaled events: %d\n", journaled)
	fmt.Printf("Positions: %d\n", len(reconciler.Positions()))
	fmt.Printf("\n")

	if counts.Failed > 0 && !chaosCfg.Enabled {
		os.Exit(1)
	}
}
