// Package observability exposes the engine's health and status surface: a
// gRPC health service plus HTTP /healthz and /statusz endpoints.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/quantfold/execution-engine/internal/breaker"
	"github.com/quantfold/execution-engine/internal/bus"
	"github.com/quantfold/execution-engine/internal/orders"
	"github.com/quantfold/execution-engine/internal/position"
)

// Status is the /statusz document.
type Status struct {
	Service       string           `json:"service"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Breaker       breaker.Snapshot `json:"breaker"`
	Orders        orders.Counts    `json:"orders"`
	Bus           bus.Stats        `json:"bus"`
	Positions     int              `json:"positions"`
	Reconciler    position.Stats   `json:"reconciler"`
	JournalLag    int64            `json:"journal_lag"`
}

// StatusSource supplies a point-in-time status document.
type StatusSource func() Status

// HealthChecker manages health checks for both gRPC and HTTP, plus the
// /statusz introspection endpoint.
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger
	status     StatusSource

	mu            sync.RWMutex
	ready         bool
	exchangeReady bool
}

// NewHealthChecker creates a health checker. The status source may be nil,
// in which case /statusz serves an empty document.
func NewHealthChecker(logger *zap.Logger, status StatusSource) *HealthChecker {
	return &HealthChecker{
		grpcHealth:    health.NewServer(),
		logger:        logger,
		status:        status,
		ready:         true,
		exchangeReady: true,
	}
}

// RegisterGRPC registers the health service with the gRPC server.
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// StartHTTPServer starts the HTTP health server. Blocks until shutdown.
func (h *HealthChecker) StartHTTPServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/statusz", h.handleStatusz)

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown flips readiness to NOT_READY and stops the HTTP server.
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetExchangeReady records whether the exchange is currently reachable. The
// engine flips this off while the circuit breaker is open.
func (h *HealthChecker) SetExchangeReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exchangeReady = ready
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready && h.exchangeReady
	h.mu.RUnlock()

	if ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}

func (h *HealthChecker) handleStatusz(w http.ResponseWriter, r *http.Request) {
	var status Status
	if h.status != nil {
		status = h.status()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Warn("failed to encode status", zap.Error(err))
	}
}

// Uptime is a helper for status sources.
func Uptime(start time.Time) int64 {
	return int64(time.Since(start).Seconds())
}
