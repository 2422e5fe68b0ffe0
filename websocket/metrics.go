package websocket

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sirineelayeb/ai-robot-health-monitoring/metric"
)

// serverMetrics holds the stream-specific collectors. Nil when no
// registry is configured.
type serverMetrics struct {
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	bytesSent         prometheus.Counter
	clientsConnected  prometheus.Gauge
	connectionsTotal  prometheus.Counter
	disconnectsTotal  *prometheus.CounterVec
	broadcastDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
}

func newServerMetrics(registry metric.MetricsRegistrar, name string) (*serverMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &serverMetrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Messages received from the bus for streaming",
		}, []string{"subject"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Messages delivered to WebSocket clients",
		}, []string{"subject"}),

		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Bytes delivered to WebSocket clients",
		}),

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Currently connected clients",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Client connections accepted since start",
		}),

		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Client disconnections by reason",
		}, []string{"reason"}),

		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan a message out to all clients",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"subject"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotmonitor",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Stream server errors by type",
		}, []string{"error_type"}),
	}

	for metricName, collector := range map[string]prometheus.Collector{
		"messages_received":  m.messagesReceived,
		"messages_sent":      m.messagesSent,
		"bytes_sent":         m.bytesSent,
		"clients_connected":  m.clientsConnected,
		"connections_total":  m.connectionsTotal,
		"disconnects_total":  m.disconnectsTotal,
		"broadcast_duration": m.broadcastDuration,
		"errors_total":       m.errorsTotal,
	} {
		if err := registry.Register(name, metricName, collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *serverMetrics) observeBroadcast(subject string, start time.Time) {
	if m == nil {
		return
	}
	m.broadcastDuration.WithLabelValues(subject).Observe(time.Since(start).Seconds())
}

func (m *serverMetrics) recordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(errorType).Inc()
}
