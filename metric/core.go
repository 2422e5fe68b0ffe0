package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "robotmonitor"

// Metrics contains the service-level metrics shared by all components.
// Domain-specific collectors live next to the component that owns them
// and are registered through MetricsRegistry.Register.
type Metrics struct {
	ComponentStatus      *prometheus.GaugeVec
	ReadingsReceived     *prometheus.CounterVec
	ReadingsProcessed    *prometheus.CounterVec
	ReadingsPublished    *prometheus.CounterVec
	ProcessingDuration   *prometheus.HistogramVec
	ClassificationsTotal *prometheus.CounterVec
	AnomaliesTotal       *prometheus.CounterVec
	ErrorsTotal          *prometheus.CounterVec
	HealthCheckStatus    *prometheus.GaugeVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all service metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "component",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		ReadingsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "received_total",
				Help:      "Total number of telemetry readings received",
			},
			[]string{"component", "robot_id"},
		),

		ReadingsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "processed_total",
				Help:      "Total number of telemetry readings processed",
			},
			[]string{"component", "status"},
		),

		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "readings",
				Name:      "published_total",
				Help:      "Total number of readings published to fanout subjects",
			},
			[]string{"component", "subject"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Reading processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		ClassificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "classification",
				Name:      "total",
				Help:      "Total number of classifications by resulting status",
			},
			[]string{"status"},
		),

		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "classification",
				Name:      "anomalies_total",
				Help:      "Total number of readings flagged as anomalies",
			},
			[]string{"robot_id"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordComponentStatus updates component status metric
func (c *Metrics) RecordComponentStatus(component string, status int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordReadingReceived increments received reading counter
func (c *Metrics) RecordReadingReceived(component, robotID string) {
	c.ReadingsReceived.WithLabelValues(component, robotID).Inc()
}

// RecordReadingProcessed increments processed reading counter
func (c *Metrics) RecordReadingProcessed(component, status string) {
	c.ReadingsProcessed.WithLabelValues(component, status).Inc()
}

// RecordReadingPublished increments published reading counter
func (c *Metrics) RecordReadingPublished(component, subject string) {
	c.ReadingsPublished.WithLabelValues(component, subject).Inc()
}

// RecordProcessingDuration records processing time
func (c *Metrics) RecordProcessingDuration(component, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordClassification increments classification counter by resulting status
func (c *Metrics) RecordClassification(status string) {
	c.ClassificationsTotal.WithLabelValues(status).Inc()
}

// RecordAnomaly increments the anomaly counter for a robot
func (c *Metrics) RecordAnomaly(robotID string) {
	c.AnomaliesTotal.WithLabelValues(robotID).Inc()
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
