// Package query serves the history and statistics HTTP API: latest
// readings (KV cache with store fallback), paged history, anomaly
// listings, aggregates, sensor health, retention cleanup, plus the
// health and metrics endpoints.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirineelayeb/ai-robot-health-monitoring/component"
	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/metric"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// LatestCache is the read side of the latest-reading cache, satisfied
// by *kvlatest.Cache. Nil disables the cache and every latest lookup
// goes to the store.
type LatestCache interface {
	Get(ctx context.Context, robotID string) (*telemetry.Record, error)
	RobotIDs(ctx context.Context) ([]string, error)
}

// Deps holds runtime dependencies for the query server.
type Deps struct {
	Name            string
	Addr            string
	Store           store.Store
	Cache           LatestCache
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	// RetentionDays bounds the cleanup endpoint's default cutoff.
	RetentionDays int
}

// Server is the HTTP query component.
type Server struct {
	name    string
	addr    string
	store   store.Store
	cache   LatestCache
	logger  *slog.Logger
	metrics *metric.Metrics

	retentionDays int

	httpServer *http.Server
	listener   net.Listener

	running   atomic.Bool
	startTime time.Time

	requestsTotal  atomic.Int64
	requestsFailed atomic.Int64
	lastActivity   atomic.Value // time.Time
}

var _ component.LifecycleComponent = (*Server)(nil)

// New creates the query server. The metrics registry, when present,
// both records request metrics and backs the /metrics endpoint.
func New(deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "query.Server", "New", "validate store")
	}
	if deps.Addr == "" {
		deps.Addr = ":8080"
	}
	name := deps.Name
	if name == "" {
		name = "query-api"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", name)
	}
	if deps.RetentionDays <= 0 {
		deps.RetentionDays = 30
	}

	s := &Server{
		name:          name,
		addr:          deps.Addr,
		store:         deps.Store,
		cache:         deps.Cache,
		logger:        logger,
		retentionDays: deps.RetentionDays,
	}
	if deps.MetricsRegistry != nil {
		s.metrics = deps.MetricsRegistry.CoreMetrics()
	}
	s.lastActivity.Store(time.Time{})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/telemetry/latest", s.instrument(s.handleLatestAll))
	mux.HandleFunc("GET /api/telemetry/latest/{robotID}", s.instrument(s.handleLatest))
	mux.HandleFunc("GET /api/telemetry/history", s.instrument(s.handleHistory))
	mux.HandleFunc("GET /api/telemetry/anomalies", s.instrument(s.handleAnomalies))
	mux.HandleFunc("GET /api/telemetry/stats", s.instrument(s.handleStats))
	mux.HandleFunc("GET /api/telemetry/count", s.instrument(s.handleCount))
	mux.HandleFunc("GET /api/telemetry/sensor-health", s.instrument(s.handleSensorHealth))
	mux.HandleFunc("DELETE /api/telemetry/cleanup", s.instrument(s.handleCleanup))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if deps.MetricsRegistry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(
			deps.MetricsRegistry.PrometheusRegistry(),
			promhttp.HandlerOpts{},
		))
	}

	s.httpServer = &http.Server{
		Addr:              deps.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Meta returns component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.name,
		Type:        "gateway",
		Description: fmt.Sprintf("telemetry query API on %s", s.addr),
		Version:     "1.0.0",
	}
}

// Health reports server and backing-store health.
func (s *Server) Health() component.HealthStatus {
	healthy := s.running.Load()
	var lastError string

	if healthy {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			healthy = false
			lastError = "store unreachable"
		}
	}

	return component.HealthStatus{
		Healthy:    healthy,
		LastCheck:  time.Now(),
		ErrorCount: int(s.requestsFailed.Load()),
		LastError:  lastError,
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow reports request throughput since start.
func (s *Server) DataFlow() component.FlowMetrics {
	total := s.requestsTotal.Load()
	lastActivity, _ := s.lastActivity.Load().(time.Time)

	var perSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		perSecond = float64(total) / uptime
	}
	if total > 0 {
		errorRate = float64(s.requestsFailed.Load()) / float64(total)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates wiring.
func (s *Server) Initialize() error {
	if s.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, s.name, "Initialize", "store check")
	}
	return nil
}

// Start binds the listener and serves in the background. A bind
// failure is fatal at startup.
func (s *Server) Start(_ context.Context) error {
	if s.running.Load() {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, s.name, "Start", "bind listener")
	}
	s.listener = ln
	s.running.Store(true)
	s.startTime = time.Now()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("query API listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, s.name, "Stop", "drain http server")
	}
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		s.lastActivity.Store(time.Now())
		next(w, r)
	}
}
