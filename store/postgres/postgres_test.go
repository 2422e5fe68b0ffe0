package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "robotmonitor",
				"POSTGRES_PASSWORD": "robotmonitor",
				"POSTGRES_DB":       "telemetry",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://robotmonitor:robotmonitor@%s:%s/telemetry?sslmode=disable", host, port.Port())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	s, err := New(ctx, startPostgres(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func makeRecord(robotID string, createdAt time.Time, status telemetry.Status, anomaly bool) *telemetry.Record {
	ts := createdAt
	rec := &telemetry.Record{
		ID:        uuid.NewString(),
		CreatedAt: createdAt,
		Sample: telemetry.Sample{
			RobotID:       robotID,
			Timestamp:     &ts,
			BatteryLevel:  fptr(50),
			Temperature:   fptr(40),
			MotorCurrent:  fptr(3),
			CPULoad:       fptr(40),
			Velocity:      fptr(1),
			EncoderOK:     bptr(true),
			LidarOK:       bptr(true),
			CameraOK:      bptr(true),
			PCCPULoad:     fptr(20),
			PCMemoryLoad:  fptr(30),
			PCDiskUsage:   fptr(40),
			PCNetworkSent: fptr(100),
			PCNetworkRecv: fptr(200),
			PCTemperature: fptr(35),
		},
		Classification: telemetry.Classification{
			Status:          status,
			Issues:          []string{},
			DetectionMethod: telemetry.DetectionNormal,
		},
	}
	if anomaly {
		rec.IsAnomaly = true
		rec.AnomalyType = telemetry.AnomalyMotorOverheating
		rec.Issues = []string{"temperature"}
		rec.DetectionMethod = telemetry.DetectionRuleBased
		rec.Temperature = fptr(85)
	}
	return rec
}

func TestCreateAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	older := makeRecord("robot-001", now.Add(-time.Minute), telemetry.StatusNormal, false)
	newer := makeRecord("robot-001", now, telemetry.StatusCritical, true)

	require.NoError(t, s.Create(ctx, older))
	require.NoError(t, s.Create(ctx, newer))

	got, err := s.Latest(ctx, "robot-001")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.Equal(t, telemetry.StatusCritical, got.Status)
	assert.True(t, got.IsAnomaly)
	assert.Equal(t, telemetry.AnomalyMotorOverheating, got.AnomalyType)
	assert.Equal(t, []string{"temperature"}, got.Issues)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 85.0, *got.Temperature)
}

func TestLatestNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Latest(context.Background(), "no-such-robot")
	assert.ErrorIs(t, err, errors.ErrRecordNotFound)
}

func TestCreateRejectsMissingID(t *testing.T) {
	s := newTestStore(t)

	rec := makeRecord("robot-001", time.Now().UTC(), telemetry.StatusNormal, false)
	rec.ID = ""
	err := s.Create(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestDuplicatePayloadsAreDistinctRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := makeRecord("robot-001", now, telemetry.StatusNormal, false)
	second := makeRecord("robot-001", now, telemetry.StatusNormal, false)

	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.Create(ctx, second))

	count, err := s.Count(ctx, store.Filter{RobotID: "robot-001"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestFindFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, makeRecord("robot-001", now.Add(-2*time.Hour), telemetry.StatusNormal, false)))
	require.NoError(t, s.Create(ctx, makeRecord("robot-001", now, telemetry.StatusCritical, true)))
	require.NoError(t, s.Create(ctx, makeRecord("robot-002", now, telemetry.StatusWarning, false)))

	t.Run("by robot", func(t *testing.T) {
		records, err := s.Find(ctx, store.Filter{RobotID: "robot-002"})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "robot-002", records[0].RobotID)
	})

	t.Run("anomalies only", func(t *testing.T) {
		records, err := s.Find(ctx, store.Filter{AnomaliesOnly: true})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].IsAnomaly)
	})

	t.Run("by status", func(t *testing.T) {
		records, err := s.Find(ctx, store.Filter{Status: telemetry.StatusWarning})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, telemetry.StatusWarning, records[0].Status)
	})

	t.Run("time window", func(t *testing.T) {
		records, err := s.Find(ctx, store.Filter{Since: now.Add(-time.Hour)})
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("newest first with paging", func(t *testing.T) {
		records, err := s.Find(ctx, store.Filter{RobotID: "robot-001", Limit: 1})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, telemetry.StatusCritical, records[0].Status)

		records, err = s.Find(ctx, store.Filter{RobotID: "robot-001", Limit: 1, Skip: 1})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, telemetry.StatusNormal, records[0].Status)
	})
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, makeRecord("robot-001", now, telemetry.StatusNormal, false)))
	require.NoError(t, s.Create(ctx, makeRecord("robot-001", now, telemetry.StatusCritical, true)))
	require.NoError(t, s.Create(ctx, makeRecord("robot-002", now, telemetry.StatusWarning, false)))
	// Outside the window
	require.NoError(t, s.Create(ctx, makeRecord("robot-002", now.Add(-48*time.Hour), telemetry.StatusCritical, true)))

	stats, err := s.Stats(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalRecords)
	assert.Equal(t, int64(1), stats.TotalAnomalies)
	assert.Equal(t, int64(1), stats.CriticalCount)
	assert.Equal(t, int64(1), stats.WarningCount)
	assert.Equal(t, 50.0, stats.AvgBattery)
	assert.Equal(t, 85.0, stats.MaxTemperature)
}

func TestStatsEmptyWindow(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalRecords)
	assert.Equal(t, 0.0, stats.AvgBattery)
}

func TestSensorHealth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	healthy := makeRecord("robot-001", now.Add(-time.Minute), telemetry.StatusNormal, false)
	require.NoError(t, s.Create(ctx, healthy))

	faulty := makeRecord("robot-001", now, telemetry.StatusWarning, false)
	faulty.LidarOK = bptr(false)
	faulty.Issues = []string{"sensor"}
	require.NoError(t, s.Create(ctx, faulty))

	summaries, err := s.SensorHealth(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	sh := summaries[0]
	assert.Equal(t, "robot-001", sh.RobotID)
	assert.True(t, sh.EncoderOK)
	assert.False(t, sh.LidarOK, "latest reading has a lidar fault")
	assert.Equal(t, int64(1), sh.FaultyLastHour)
}

func TestDeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, makeRecord("robot-001", now.Add(-72*time.Hour), telemetry.StatusNormal, false)))
	require.NoError(t, s.Create(ctx, makeRecord("robot-001", now.Add(-48*time.Hour), telemetry.StatusNormal, false)))
	require.NoError(t, s.Create(ctx, makeRecord("robot-001", now, telemetry.StatusNormal, false)))

	deleted, err := s.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err := s.Count(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
