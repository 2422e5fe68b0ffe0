// Package telemetry defines the wire and storage types for robot telemetry:
// the raw Sample received from the transport, the Classification derived from
// it, and the persisted Record combining both.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
)

// Sample is one raw telemetry reading from a robot before classification.
// Required numeric fields are pointers so that absence on the wire is
// detectable; Normalize resolves defaults and reports missing fields.
type Sample struct {
	RobotID   string     `json:"robot_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// Robot sensors
	BatteryLevel *float64 `json:"battery_level"`
	Temperature  *float64 `json:"temperature"` // motor temperature
	MotorCurrent *float64 `json:"motor_current"`
	CPULoad      *float64 `json:"cpu_load"`
	Velocity     *float64 `json:"velocity"`

	// Sensor health, defaults to healthy when omitted
	EncoderOK *bool `json:"encoder_ok,omitempty"`
	LidarOK   *bool `json:"lidar_ok,omitempty"`
	CameraOK  *bool `json:"camera_ok,omitempty"`

	// Host machine metrics
	PCCPULoad     *float64 `json:"pc_cpu_load"`
	PCMemoryLoad  *float64 `json:"pc_memory_load"`
	PCDiskUsage   *float64 `json:"pc_disk_usage"`
	PCNetworkSent *float64 `json:"pc_network_sent"`
	PCNetworkRecv *float64 `json:"pc_network_recv"`
	PCTemperature *float64 `json:"pc_temperature"`
}

// UnmarshalJSON accepts timestamps both with and without a timezone
// suffix; producers send bare ISO-8601 UTC strings.
func (s *Sample) UnmarshalJSON(data []byte) error {
	type alias Sample
	aux := &struct {
		Timestamp string `json:"timestamp,omitempty"`
		*alias
	}{alias: (*alias)(s)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if aux.Timestamp == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, aux.Timestamp); err == nil {
			s.Timestamp = &ts
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", aux.Timestamp)
}

// requiredNumerics maps wire field names to their pointers for presence checks
func (s *Sample) requiredNumerics() []struct {
	name  string
	value *float64
} {
	return []struct {
		name  string
		value *float64
	}{
		{"battery_level", s.BatteryLevel},
		{"temperature", s.Temperature},
		{"motor_current", s.MotorCurrent},
		{"cpu_load", s.CPULoad},
		{"velocity", s.Velocity},
		{"pc_cpu_load", s.PCCPULoad},
		{"pc_memory_load", s.PCMemoryLoad},
		{"pc_disk_usage", s.PCDiskUsage},
		{"pc_network_sent", s.PCNetworkSent},
		{"pc_network_recv", s.PCNetworkRecv},
		{"pc_temperature", s.PCTemperature},
	}
}

// Normalize validates required fields and applies defaults: sensor flags
// default to healthy, the timestamp defaults to now. The sample is usable
// by the evaluator only after Normalize returns nil.
func (s *Sample) Normalize(now time.Time) error {
	if s.RobotID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("robot_id is required"),
			"Sample", "Normalize", "validate identity")
	}

	var missing []string
	for _, f := range s.requiredNumerics() {
		if f.value == nil {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: missing required fields: %s", errors.ErrValidation, strings.Join(missing, ", ")),
			"Sample", "Normalize", "validate required fields")
	}

	if s.Timestamp == nil || s.Timestamp.IsZero() {
		ts := now
		s.Timestamp = &ts
	}

	healthy := true
	if s.EncoderOK == nil {
		v := healthy
		s.EncoderOK = &v
	}
	if s.LidarOK == nil {
		v := healthy
		s.LidarOK = &v
	}
	if s.CameraOK == nil {
		v := healthy
		s.CameraOK = &v
	}

	return nil
}

// Metrics returns the dereferenced sensor values. Valid only after Normalize.
func (s *Sample) Metrics() SampleMetrics {
	return SampleMetrics{
		BatteryLevel: *s.BatteryLevel,
		Temperature:  *s.Temperature,
		MotorCurrent: *s.MotorCurrent,
		CPULoad:      *s.CPULoad,
		Velocity:     *s.Velocity,
		EncoderOK:    *s.EncoderOK,
		LidarOK:      *s.LidarOK,
		CameraOK:     *s.CameraOK,
	}
}

// SampleMetrics is the flattened view the evaluator consumes
type SampleMetrics struct {
	BatteryLevel float64
	Temperature  float64
	MotorCurrent float64
	CPULoad      float64
	Velocity     float64
	EncoderOK    bool
	LidarOK      bool
	CameraOK     bool
}

// Float returns a pointer to v, for building samples in code
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }

// Time returns a pointer to v
func Time(v time.Time) *time.Time { return &v }
