// Package evaluator implements the rule-based threshold classification of
// telemetry samples. Classify is a pure function: no I/O, no state.
package evaluator

import (
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// Limit is a warning/critical threshold pair for one metric
type Limit struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// Thresholds holds the per-metric limits. Battery is inverted: a breach
// is a value at or below the bound, all other metrics breach at or above.
type Thresholds struct {
	Temperature  Limit `json:"temperature" yaml:"temperature"`
	BatteryLevel Limit `json:"battery_level" yaml:"battery_level"`
	CPULoad      Limit `json:"cpu_load" yaml:"cpu_load"`
	MotorCurrent Limit `json:"motor_current" yaml:"motor_current"`
	Velocity     Limit `json:"velocity" yaml:"velocity"`
}

// DefaultThresholds returns the stock limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		Temperature:  Limit{Warning: 65, Critical: 80},
		BatteryLevel: Limit{Warning: 30, Critical: 15},
		CPULoad:      Limit{Warning: 75, Critical: 90},
		MotorCurrent: Limit{Warning: 7.5, Critical: 10.0},
		Velocity:     Limit{Warning: 2.5, Critical: 4.0},
	}
}

// Result is the outcome of classifying one sample
type Result struct {
	Status      telemetry.Status
	Issues      []string
	IsAnomaly   bool
	AnomalyType telemetry.AnomalyType
}

// Classify evaluates a normalized sample against the thresholds.
//
// Metrics are visited in a fixed order: temperature, battery, cpu load,
// motor current, velocity, then sensor flags. The first CRITICAL breach
// wins immediately; later metrics are not visited, so only the first
// critical metric is reported. Warning breaches accumulate into issues;
// zero issues is NORMAL, one is WARNING, two or more is CRITICAL.
// A false sensor flag appends "sensor" once and never alone causes a
// critical breach. IsAnomaly is defined as Status == CRITICAL, including
// the multi-warning case.
func Classify(m telemetry.SampleMetrics, t Thresholds) Result {
	var issues []string

	if m.Temperature >= t.Temperature.Critical {
		return critical(issues, "temperature", telemetry.AnomalyMotorOverheating)
	}
	if m.Temperature >= t.Temperature.Warning {
		issues = append(issues, "temperature")
	}

	if m.BatteryLevel <= t.BatteryLevel.Critical {
		return critical(issues, "battery", telemetry.AnomalyBatteryDegradation)
	}
	if m.BatteryLevel <= t.BatteryLevel.Warning {
		issues = append(issues, "battery")
	}

	if m.CPULoad >= t.CPULoad.Critical {
		return critical(issues, "cpu", telemetry.AnomalyCPUOverload)
	}
	if m.CPULoad >= t.CPULoad.Warning {
		issues = append(issues, "cpu")
	}

	if m.MotorCurrent >= t.MotorCurrent.Critical {
		return critical(issues, "motor", telemetry.AnomalyMotorOvercurrent)
	}
	if m.MotorCurrent >= t.MotorCurrent.Warning {
		issues = append(issues, "motor")
	}

	if m.Velocity >= t.Velocity.Critical {
		return critical(issues, "velocity", telemetry.AnomalyAbnormalVelocity)
	}
	if m.Velocity >= t.Velocity.Warning {
		issues = append(issues, "velocity")
	}

	if !m.EncoderOK || !m.LidarOK || !m.CameraOK {
		issues = append(issues, "sensor")
	}

	switch len(issues) {
	case 0:
		return Result{Status: telemetry.StatusNormal, Issues: nil}
	case 1:
		return Result{Status: telemetry.StatusWarning, Issues: issues}
	default:
		return Result{
			Status:      telemetry.StatusCritical,
			Issues:      issues,
			IsAnomaly:   true,
			AnomalyType: combinedAnomalyType(issues),
		}
	}
}

func critical(issues []string, metric string, kind telemetry.AnomalyType) Result {
	return Result{
		Status:      telemetry.StatusCritical,
		Issues:      append(issues, metric),
		IsAnomaly:   true,
		AnomalyType: kind,
	}
}

// combinedAnomalyType tags a multi-warning critical by its first issue
func combinedAnomalyType(issues []string) telemetry.AnomalyType {
	if len(issues) == 0 {
		return ""
	}
	switch issues[0] {
	case "temperature":
		return telemetry.AnomalyMotorOverheating
	case "battery":
		return telemetry.AnomalyBatteryDegradation
	case "cpu":
		return telemetry.AnomalyCPUOverload
	case "motor":
		return telemetry.AnomalyMotorOvercurrent
	case "velocity":
		return telemetry.AnomalyAbnormalVelocity
	case "sensor":
		return telemetry.AnomalySensorFault
	default:
		return ""
	}
}
