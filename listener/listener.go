// Package listener subscribes the telemetry input subject and feeds
// each payload into the ingestion pipeline. Invalid payloads are
// dropped; repeated drop logging is collapsed behind a latch that a
// reconnect resets. When the transport's reconnect ceiling is
// exhausted the listener stops for good and surfaces a fatal error.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirineelayeb/ai-robot-health-monitoring/component"
	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/metric"
	"github.com/sirineelayeb/ai-robot-health-monitoring/natsclient"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// Ingestor is the pipeline seam, satisfied by *pipeline.Pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte) (*telemetry.Record, error)
}

// Deps holds runtime dependencies for the listener.
type Deps struct {
	Name            string
	Subject         string
	NATSClient      *natsclient.Client
	Ingestor        Ingestor
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	// OnFatal is invoked when the transport is permanently lost.
	OnFatal func(error)
}

// Listener is the telemetry input component.
type Listener struct {
	name       string
	subject    string
	natsClient *natsclient.Client
	ingestor   Ingestor
	logger     *slog.Logger
	onFatal    func(error)

	running   atomic.Bool
	failed    atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	received   atomic.Int64
	bytes      atomic.Int64
	dropped    atomic.Int64
	errorCount atomic.Int64
	lastError  atomic.Value // string
	lastSeen   atomic.Value // time.Time

	// dropLogged collapses repeated drop logging until a reconnect
	dropLogged atomic.Bool

	metrics *metric.Metrics
}

var _ component.LifecycleComponent = (*Listener)(nil)

// New creates a listener.
func New(deps Deps) (*Listener, error) {
	if deps.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Listener", "New", "validate subject")
	}
	if deps.NATSClient == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Listener", "New", "validate NATS client")
	}
	if deps.Ingestor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Listener", "New", "validate ingestor")
	}

	name := deps.Name
	if name == "" {
		name = "telemetry-listener"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", name)
	}

	l := &Listener{
		name:       name,
		subject:    deps.Subject,
		natsClient: deps.NATSClient,
		ingestor:   deps.Ingestor,
		logger:     logger,
		onFatal:    deps.OnFatal,
	}
	if deps.MetricsRegistry != nil {
		l.metrics = deps.MetricsRegistry.CoreMetrics()
	}
	l.lastError.Store("")
	l.lastSeen.Store(time.Time{})
	return l, nil
}

// Meta returns component metadata.
func (l *Listener) Meta() component.Metadata {
	return component.Metadata{
		Name:        l.name,
		Type:        "input",
		Description: fmt.Sprintf("telemetry listener on %s", l.subject),
		Version:     "1.0.0",
	}
}

// Health reports the listener's health. A listener that hit the
// reconnect ceiling is unhealthy until restarted.
func (l *Listener) Health() component.HealthStatus {
	lastError, _ := l.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    l.running.Load() && !l.failed.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(l.errorCount.Load()),
		LastError:  lastError,
		Uptime:     time.Since(l.startTime),
	}
}

// DataFlow reports throughput since start.
func (l *Listener) DataFlow() component.FlowMetrics {
	messages := l.received.Load()
	lastSeen, _ := l.lastSeen.Load().(time.Time)

	var perSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(l.startTime).Seconds(); uptime > 0 {
		perSecond = float64(messages) / uptime
		bytesPerSecond = float64(l.bytes.Load()) / uptime
	}
	if messages > 0 {
		errorRate = float64(l.errorCount.Load()) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastSeen,
	}
}

// Initialize validates the listener's wiring.
func (l *Listener) Initialize() error {
	if l.natsClient == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, l.name, "Initialize", "NATS client check")
	}
	return nil
}

// Start subscribes the input subject. Idempotent.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	if err := l.natsClient.Subscribe(subCtx, l.subject, l.handleMessage); err != nil {
		cancel()
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err),
			l.name, "Start", "subscribe subject")
	}

	l.cancel = cancel
	l.running.Store(true)
	l.failed.Store(false)
	l.startTime = time.Now()
	if l.metrics != nil {
		l.metrics.RecordComponentStatus(l.name, 1)
	}
	l.logger.Info("listening for telemetry", "subject", l.subject)
	return nil
}

// Stop cancels the subscription.
func (l *Listener) Stop(_ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.running.Store(false)
	if l.metrics != nil {
		l.metrics.RecordComponentStatus(l.name, 0)
	}
	l.logger.Info("listener stopped", "subject", l.subject)
	return nil
}

// HandleReconnected resets the drop-log latch so the next bad payload
// after a reconnect is logged in full again.
func (l *Listener) HandleReconnected() {
	l.dropLogged.Store(false)
	l.failed.Store(false)
	l.logger.Info("transport reconnected", "subject", l.subject)
}

// HandleConnectionLost marks the listener permanently failed and
// surfaces the error. Called when the reconnect ceiling is exhausted.
func (l *Listener) HandleConnectionLost(err error) {
	l.failed.Store(true)
	l.running.Store(false)
	if err != nil {
		l.lastError.Store(err.Error())
	}
	l.errorCount.Add(1)
	if l.metrics != nil {
		l.metrics.RecordComponentStatus(l.name, 0)
		l.metrics.RecordError(l.name, "connection_lost")
	}
	l.logger.Error("transport permanently lost", "error", err)
	if l.onFatal != nil {
		l.onFatal(err)
	}
}

func (l *Listener) handleMessage(ctx context.Context, data []byte) {
	l.received.Add(1)
	l.bytes.Add(int64(len(data)))
	l.lastSeen.Store(time.Now())

	if _, err := l.ingestor.Ingest(ctx, data); err != nil {
		l.errorCount.Add(1)
		l.lastError.Store(err.Error())

		if errors.IsInvalid(err) {
			l.dropped.Add(1)
			// Log the first drop in full; collapse the rest until a
			// reconnect resets the latch.
			if l.dropLogged.CompareAndSwap(false, true) {
				l.logger.Warn("invalid payload dropped, further drops logged at debug",
					"subject", l.subject,
					"error", err)
			} else {
				l.logger.Debug("invalid payload dropped", "error", err)
			}
			return
		}

		l.logger.Warn("ingest failed", "subject", l.subject, "error", err)
	}
}

// Dropped returns how many payloads were rejected since start.
func (l *Listener) Dropped() int64 {
	return l.dropped.Load()
}
