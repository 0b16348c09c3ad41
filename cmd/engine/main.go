package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/chaos"
	"github.com/quantfold/execution-engine/internal/config"
	"github.com/quantfold/execution-engine/internal/engine"
	"github.com/quantfold/execution-engine/internal/exchange"
	"github.com/quantfold/execution-engine/internal/journal"
	"github.com/quantfold/execution-engine/internal/logging"
	"github.com/quantfold/execution-engine/internal/observability"
	"github.com/quantfold/execution-engine/internal/orders"
	"github.com/quantfold/execution-engine/internal/position"
	"github.com/quantfold/execution-engine/internal/risk"
	"github.com/quantfold/execution-engine/internal/stream"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("execution-engine")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting execution-engine service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("journal_path", cfg.JournalPath),
	)

	// Open the event journal
	store, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}
	defer store.Close()
	logger.Info("journal opened", zap.String("path", cfg.JournalPath))

	// Event bus and circuit breaker
	eventBus := bus.New(cfg.Bus, logger)
	brk := breaker.New(cfg.Breaker, logger)

	// Exchange client: the paper exchange, optionally wrapped with chaos
	// injection for failure-mode testing.
	var client exchange.Client = exchange.NewPaper(cfg.Paper, logger)
	chaosCfg := chaos.LoadConfig()
	if chaosCfg.Enabled {
		injector := chaos.New(chaosCfg, logger)
		client = exchange.WithChaos(client, injector)
		logger.Info("chaos injection enabled", zap.String("profile", chaosCfg.Profile))
	}

	// Risk gate, order manager, position reconciler
	limits := risk.NewLimits(cfg.Limits, logger)
	manager := orders.NewManager(cfg.Orders, logger, eventBus, brk, client, limits)
	reconciler := position.NewReconciler(cfg.Position, logger, eventBus, brk, client)

	// Journal every core topic
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

	// Engine coordinator and health surface
	var eng *engine.Engine
	healthChecker := observability.NewHealthChecker(logger, func() observability.Status {
		return eng.Status()
	})
	eng = engine.New(engine.DefaultConfig(), logger, eventBus, brk, manager, reconciler, limits, store, healthChecker)

	// Optional Kafka outbox bridge
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	defer cancelBridge()

	bridgeErrCh := make(chan error, 1)
	var producer *stream.Producer
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err = stream.NewProducer(brokers, logger)
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		defer producer.Close()

		bridge := stream.NewBridge(store, producer, logger)
		go func() {
			if err := bridge.Run(bridgeCtx); err != nil && err != context.Canceled {
				bridgeErrCh <- err
			}
		}()
	} else {
		logger.Info("no kafka brokers configured, outbox bridge disabled")
	}

	// Create gRPC server
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start HTTP health server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Start the core
	manager.Start()
	reconciler.Start()
	eng.Start()
	logger.Info("execution core started")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-bridgeErrCh:
		logger.Error("outbox bridge error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	eng.Stop()
	reconciler.Stop()
	manager.Stop()
	cancelBridge()
	eventBus.Close()
	sink.Detach()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("execution-engine service stopped")
}
