package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())

	// Core metrics must be gatherable without touching any label values
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families, "runtime collectors should produce metric families")
}

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "test_registrations_total",
		Help:      "test counter",
	})

	err := registry.Register("listener", "registrations", counter)
	require.NoError(t, err)

	// Same component/metric key is rejected
	err = registry.Register("listener", "registrations", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, registry.Unregister("listener", "registrations"))
	assert.False(t, registry.Unregister("listener", "registrations"))
}

func TestRegisterPrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	opts := prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflicting_total",
		Help:      "test counter",
	}

	require.NoError(t, registry.Register("a", "first", prometheus.NewCounter(opts)))

	// Distinct registry key but identical prometheus identity
	err := registry.Register("b", "second", prometheus.NewCounter(opts))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCoreMetricRecorders(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordComponentStatus("listener", 2)
	m.RecordReadingReceived("listener", "robot-001")
	m.RecordReadingProcessed("pipeline", "success")
	m.RecordReadingPublished("fanout", "telemetry.all")
	m.RecordProcessingDuration("pipeline", "ingest", 5*time.Millisecond)
	m.RecordClassification("CRITICAL")
	m.RecordAnomaly("robot-001")
	m.RecordError("listener", "parse")
	m.RecordHealthStatus("listener", true)
	m.RecordNATSStatus(true)
	m.RecordNATSRTT(3 * time.Millisecond)
	m.RecordNATSReconnect()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["robotmonitor_readings_received_total"])
	assert.True(t, names["robotmonitor_classification_total"])
	assert.True(t, names["robotmonitor_nats_connected"])
}
