package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
)

func validSample() *Sample {
	return &Sample{
		RobotID:       "robot-001",
		BatteryLevel:  Float(85),
		Temperature:   Float(42),
		MotorCurrent:  Float(3.2),
		CPULoad:       Float(40),
		Velocity:      Float(1.1),
		PCCPULoad:     Float(35),
		PCMemoryLoad:  Float(50),
		PCDiskUsage:   Float(60),
		PCNetworkSent: Float(1024),
		PCNetworkRecv: Float(2048),
		PCTemperature: Float(55),
	}
}

func TestNormalizeDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := validSample()
	require.NoError(t, s.Normalize(now))

	require.NotNil(t, s.Timestamp)
	assert.Equal(t, now, *s.Timestamp)
	require.NotNil(t, s.EncoderOK)
	assert.True(t, *s.EncoderOK)
	require.NotNil(t, s.LidarOK)
	assert.True(t, *s.LidarOK)
	require.NotNil(t, s.CameraOK)
	assert.True(t, *s.CameraOK)
}

func TestNormalizeKeepsProvidedValues(t *testing.T) {
	ts := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)

	s := validSample()
	s.Timestamp = Time(ts)
	s.LidarOK = Bool(false)

	require.NoError(t, s.Normalize(time.Now()))
	assert.Equal(t, ts, *s.Timestamp)
	assert.False(t, *s.LidarOK)
}

func TestNormalizeMissingRobotID(t *testing.T) {
	s := validSample()
	s.RobotID = ""

	err := s.Normalize(time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNormalizeMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Sample)
		want   string
	}{
		{"battery", func(s *Sample) { s.BatteryLevel = nil }, "battery_level"},
		{"temperature", func(s *Sample) { s.Temperature = nil }, "temperature"},
		{"motor_current", func(s *Sample) { s.MotorCurrent = nil }, "motor_current"},
		{"cpu_load", func(s *Sample) { s.CPULoad = nil }, "cpu_load"},
		{"velocity", func(s *Sample) { s.Velocity = nil }, "velocity"},
		{"pc_metrics", func(s *Sample) { s.PCDiskUsage = nil }, "pc_disk_usage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSample()
			tt.mutate(s)

			err := s.Normalize(time.Now())
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUnmarshalTimestampFormats(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"rfc3339", `{"robot_id":"r1","timestamp":"2026-03-01T12:00:00Z"}`, false},
		{"rfc3339_nano", `{"robot_id":"r1","timestamp":"2026-03-01T12:00:00.123456789Z"}`, false},
		{"bare_iso8601", `{"robot_id":"r1","timestamp":"2026-03-01T12:00:00.123456"}`, false},
		{"garbage", `{"robot_id":"r1","timestamp":"yesterday"}`, true},
		{"absent", `{"robot_id":"r1"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Sample
			err := json.Unmarshal([]byte(tt.payload), &s)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.name != "absent" {
				require.NotNil(t, s.Timestamp)
				assert.Equal(t, 2026, s.Timestamp.Year())
			}
		})
	}
}

func TestParseSample(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload := `{
			"robot_id": "robot-001",
			"battery_level": 85, "temperature": 42, "motor_current": 3.2,
			"cpu_load": 40, "velocity": 1.1,
			"pc_cpu_load": 35, "pc_memory_load": 50, "pc_disk_usage": 60,
			"pc_network_sent": 1024, "pc_network_recv": 2048, "pc_temperature": 55
		}`
		s, err := ParseSample([]byte(payload))
		require.NoError(t, err)
		assert.Equal(t, "robot-001", s.RobotID)
		require.NotNil(t, s.BatteryLevel)
		assert.Equal(t, 85.0, *s.BatteryLevel)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseSample([]byte(`{not json`))
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrTransportParse)
	})

	t.Run("wrong types", func(t *testing.T) {
		_, err := ParseSample([]byte(`{"robot_id":"r1","battery_level":"full"}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrTransportParse)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := ParseSample([]byte(`{"robot_id":"r1","battery_level":150}`))
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrTransportParse)
	})

	t.Run("missing robot_id", func(t *testing.T) {
		_, err := ParseSample([]byte(`{"battery_level":85}`))
		require.Error(t, err)
	})
}

func TestRecordRoundTrip(t *testing.T) {
	s := validSample()
	require.NoError(t, s.Normalize(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	rec := Record{
		ID:        "0d7b3f6e-0000-4000-8000-000000000001",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
		Sample:    *s,
		Classification: Classification{
			Status:          StatusCritical,
			Issues:          []string{"temperature"},
			IsAnomaly:       true,
			AnomalyType:     AnomalyMotorOverheating,
			DetectionMethod: DetectionRuleBased,
		},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)
	assert.Equal(t, rec.RobotID, got.RobotID)
	assert.Equal(t, StatusCritical, got.Status)
	assert.True(t, got.IsAnomaly)
	assert.Equal(t, AnomalyMotorOverheating, got.AnomalyType)
	require.NotNil(t, got.BatteryLevel)
	assert.Equal(t, 85.0, *got.BatteryLevel)
}
