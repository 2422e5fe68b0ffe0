package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sirineelayeb/ai-robot-health-monitoring/config"
	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/natsclient"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

type recordingStore struct {
	mu      sync.Mutex
	records []*telemetry.Record
}

func (r *recordingStore) Create(_ context.Context, record *telemetry.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recordingStore) snapshot() []*telemetry.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*telemetry.Record(nil), r.records...)
}

func (r *recordingStore) Find(context.Context, store.Filter) ([]*telemetry.Record, error) {
	return nil, nil
}
func (r *recordingStore) Count(context.Context, store.Filter) (int64, error) { return 0, nil }
func (r *recordingStore) Latest(context.Context, string) (*telemetry.Record, error) {
	return nil, errors.ErrRecordNotFound
}
func (r *recordingStore) Stats(context.Context, time.Time) (*store.Stats, error) {
	return &store.Stats{}, nil
}
func (r *recordingStore) SensorHealth(context.Context) ([]store.SensorHealth, error) {
	return nil, nil
}
func (r *recordingStore) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }
func (r *recordingStore) Ping(context.Context) error                                { return nil }
func (r *recordingStore) Close()                                                    {}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startNATS(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:latest",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"-js"},
			WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestServiceEndToEnd(t *testing.T) {
	url := startNATS(t)

	cfg := config.Default()
	cfg.NATS.URL = url
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.WebSocketAddr = "127.0.0.1:0"

	recorded := &recordingStore{}
	m, err := New(cfg, slogDiscard(), WithStoreFactory(
		func(context.Context, string) (store.Store, error) { return recorded, nil },
	))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(runCtx) }()

	// A second client publishes readings and observes the fanout.
	client, err := natsclient.NewClient(url)
	require.NoError(t, err)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	require.NoError(t, client.Connect(connectCtx))
	connectCancel()
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	})

	broadcasts := make(chan []byte, 16)
	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	require.NoError(t, client.Subscribe(subCtx, cfg.Fanout.GlobalSubject, func(_ context.Context, data []byte) {
		broadcasts <- data
	}))

	payload := []byte(`{
		"robot_id": "robot-001",
		"temperature": 85,
		"battery_level": 50,
		"cpu_load": 30,
		"motor_current": 4,
		"velocity": 1,
		"pc_cpu_load": 20,
		"pc_memory_load": 30,
		"pc_disk_usage": 40,
		"pc_network_sent": 100,
		"pc_network_recv": 200,
		"pc_temperature": 35
	}`)

	// Retry until the listener subscription is live.
	require.Eventually(t, func() bool {
		if err := client.Publish(context.Background(), cfg.Ingest.Subject, payload); err != nil {
			return false
		}
		return len(recorded.snapshot()) > 0
	}, 20*time.Second, 200*time.Millisecond)

	records := recorded.snapshot()
	require.NotEmpty(t, records)
	first := records[0]
	assert.Equal(t, "robot-001", first.RobotID)
	assert.Equal(t, telemetry.StatusCritical, first.Status)
	assert.True(t, first.IsAnomaly)

	select {
	case data := <-broadcasts:
		var got telemetry.Record
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "robot-001", got.RobotID)
	case <-time.After(10 * time.Second):
		t.Fatal("no broadcast on the global subject")
	}

	assert.True(t, m.Healthy())

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("service did not shut down")
	}
}
