package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
)

// sampleSchema validates inbound payload shape at the transport boundary.
// Presence of required numerics is re-checked by Normalize; the schema
// catches type errors (string where a number belongs) before decoding.
const sampleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["robot_id"],
  "properties": {
    "robot_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "battery_level": {"type": "number", "minimum": 0, "maximum": 100},
    "temperature": {"type": "number"},
    "motor_current": {"type": "number"},
    "cpu_load": {"type": "number", "minimum": 0, "maximum": 100},
    "velocity": {"type": "number", "minimum": 0},
    "encoder_ok": {"type": "boolean"},
    "lidar_ok": {"type": "boolean"},
    "camera_ok": {"type": "boolean"},
    "pc_cpu_load": {"type": "number", "minimum": 0, "maximum": 100},
    "pc_memory_load": {"type": "number", "minimum": 0, "maximum": 100},
    "pc_disk_usage": {"type": "number", "minimum": 0, "maximum": 100},
    "pc_network_sent": {"type": "number", "minimum": 0},
    "pc_network_recv": {"type": "number", "minimum": 0},
    "pc_temperature": {"type": "number"}
  }
}`

var compiledSampleSchema = gojsonschema.NewStringLoader(sampleSchema)

// ParseSample decodes and schema-validates a raw transport payload.
// Invalid JSON or schema violations return a transport-parse error;
// nothing unvalidated passes this boundary.
func ParseSample(data []byte) (*Sample, error) {
	result, err := gojsonschema.Validate(compiledSampleSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrTransportParse, err),
			"Sample", "ParseSample", "validate payload")
	}

	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrTransportParse, strings.Join(details, "; ")),
			"Sample", "ParseSample", "validate payload")
	}

	var sample Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrTransportParse, err),
			"Sample", "ParseSample", "decode payload")
	}

	return &sample, nil
}
