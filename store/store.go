// Package store defines the persistence contract for classified
// telemetry records. Implementations live in subpackages; the
// interface is what the pipeline and query service program against.
package store

import (
	"context"
	"time"

	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// DefaultLimit caps a query when the caller asks for nothing specific.
const DefaultLimit = 50

// MaxLimit caps a query regardless of what the caller asks for.
const MaxLimit = 1000

// Filter narrows history queries. Zero values mean "no constraint".
type Filter struct {
	RobotID       string
	Status        telemetry.Status
	AnomaliesOnly bool
	Since         time.Time
	Until         time.Time
	Limit         int
	Skip          int
}

// Normalize clamps paging values into the allowed range.
func (f *Filter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Skip < 0 {
		f.Skip = 0
	}
}

// Stats is the aggregate over a time window.
type Stats struct {
	TotalRecords   int64   `json:"totalRecords"`
	TotalAnomalies int64   `json:"totalAnomalies"`
	CriticalCount  int64   `json:"criticalCount"`
	WarningCount   int64   `json:"warningCount"`
	AvgBattery     float64 `json:"avgBattery"`
	MinBattery     float64 `json:"minBattery"`
	MaxBattery     float64 `json:"maxBattery"`
	AvgTemperature float64 `json:"avgTemperature"`
	MaxTemperature float64 `json:"maxTemperature"`
	AvgVelocity    float64 `json:"avgVelocity"`
	MaxVelocity    float64 `json:"maxVelocity"`
	AvgCPULoad     float64 `json:"avgCpuLoad"`
	MaxCPULoad     float64 `json:"maxCpuLoad"`
	AvgMotorCurr   float64 `json:"avgMotorCurrent"`
	MaxMotorCurr   float64 `json:"maxMotorCurrent"`
}

// SensorHealth summarizes one robot's sensor state: the latest flags
// plus how many readings in the trailing hour carried any fault.
type SensorHealth struct {
	RobotID         string    `json:"robot_id"`
	EncoderOK       bool      `json:"encoder_ok"`
	LidarOK         bool      `json:"lidar_ok"`
	CameraOK        bool      `json:"camera_ok"`
	FaultyLastHour  int64     `json:"faulty_readings_last_hour"`
	LastSeen        time.Time `json:"last_seen"`
}

// Store is the persistence contract for telemetry records.
type Store interface {
	// Create persists one record. The record's ID and CreatedAt must
	// already be set; duplicate payloads are distinct records.
	Create(ctx context.Context, record *telemetry.Record) error

	// Find returns records matching the filter, newest first.
	Find(ctx context.Context, filter Filter) ([]*telemetry.Record, error)

	// Count returns the number of records matching the filter,
	// ignoring paging.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Latest returns the most recent record for one robot, or
	// errors.ErrRecordNotFound.
	Latest(ctx context.Context, robotID string) (*telemetry.Record, error)

	// Stats aggregates records created at or after since.
	Stats(ctx context.Context, since time.Time) (*Stats, error)

	// SensorHealth summarizes current sensor state per robot.
	SensorHealth(ctx context.Context) ([]SensorHealth, error)

	// DeleteOlderThan removes records created before cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close()
}
