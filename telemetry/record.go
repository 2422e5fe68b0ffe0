package telemetry

import (
	"encoding/json"
	"time"
)

// Status is the severity classification of a reading
type Status string

// Status levels
const (
	StatusNormal   Status = "NORMAL"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Valid reports whether s is a known status level
func (s Status) Valid() bool {
	switch s {
	case StatusNormal, StatusWarning, StatusCritical:
		return true
	default:
		return false
	}
}

// AnomalyType tags the category of an anomalous reading
type AnomalyType string

// Closed set of anomaly categories
const (
	AnomalyMotorOverheating   AnomalyType = "MOTOR_OVERHEATING"
	AnomalyBatteryDegradation AnomalyType = "BATTERY_DEGRADATION"
	AnomalyCPUOverload        AnomalyType = "CPU_OVERLOAD"
	AnomalyMotorOvercurrent   AnomalyType = "MOTOR_OVERCURRENT"
	AnomalyAbnormalVelocity   AnomalyType = "ABNORMAL_VELOCITY"
	AnomalySensorFault        AnomalyType = "SENSOR_FAULT"
)

// Detection method tags carried on fanout events
const (
	DetectionRuleBased = "Rule-based"
	DetectionNormal    = "Normal"
	DetectionML        = "ML"
)

// Classification is the derived health assessment of a sample.
// Immutable once computed; a record's classification is a pure function
// of its sample fields at ingestion time.
type Classification struct {
	Status          Status      `json:"status"`
	Issues          []string    `json:"issues,omitempty"`
	IsAnomaly       bool        `json:"is_anomaly"`
	AnomalyType     AnomalyType `json:"anomaly_type,omitempty"`
	AnomalyScore    *float64    `json:"anomaly_score,omitempty"`
	DetectionMethod string      `json:"detection_method"`
}

// Record is a sample enriched with its classification and persisted.
// Created exactly once per accepted sample, never updated.
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Sample
	Classification
}

// UnmarshalJSON decodes all three groups of fields from the flat wire
// shape. Without it the Sample's own unmarshaler would be promoted and
// the identity and classification fields silently dropped.
func (r *Record) UnmarshalJSON(data []byte) error {
	var meta struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &r.Sample); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &r.Classification); err != nil {
		return err
	}
	r.ID = meta.ID
	r.CreatedAt = meta.CreatedAt
	return nil
}
