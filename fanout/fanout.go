// Package fanout broadcasts classified telemetry to live subscribers
// over NATS. Delivery is fire-and-forget: no replay, no buffering, and
// a publish failure never affects the persisted record.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/metric"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// Publisher is the transport seam, satisfied by *natsclient.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config holds the broadcast subjects and error-event rate limit.
type Config struct {
	GlobalSubject      string
	RobotSubjectPrefix string
	AlertSubject       string
	ErrorSubject       string
	ErrorRatePerSec    float64
	ErrorBurst         int
}

// Alert is the payload published on the alert subject for anomalous
// records.
type Alert struct {
	Record          *telemetry.Record `json:"record"`
	DetectionMethod string            `json:"detection_method"`
	AlertedAt       time.Time         `json:"alerted_at"`
}

// ErrorEvent is the payload published on the error subject when
// ingestion rejects or drops a sample.
type ErrorEvent struct {
	Component  string    `json:"component"`
	Message    string    `json:"message"`
	Class      string    `json:"class"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Broadcaster publishes records to the global, per-robot and alert
// subjects, and ingestion-health events to the error subject.
type Broadcaster struct {
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *metric.Metrics
	limiter   *rate.Limiter
}

// NewBroadcaster wires a broadcaster. metrics may be nil.
func NewBroadcaster(publisher Publisher, cfg Config, logger *slog.Logger, metrics *metric.Metrics) (*Broadcaster, error) {
	if publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Broadcaster", "NewBroadcaster", "validate publisher")
	}
	if cfg.GlobalSubject == "" || cfg.RobotSubjectPrefix == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Broadcaster", "NewBroadcaster", "validate subjects")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ErrorRatePerSec <= 0 {
		cfg.ErrorRatePerSec = 1
	}
	if cfg.ErrorBurst <= 0 {
		cfg.ErrorBurst = 5
	}
	return &Broadcaster{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "fanout"),
		metrics:   metrics,
		limiter:   rate.NewLimiter(rate.Limit(cfg.ErrorRatePerSec), cfg.ErrorBurst),
	}, nil
}

// Broadcast publishes a classified record to the global subject, the
// per-robot subject and, for anomalies, the alert subject. Each
// publish is independent: one subject failing does not stop the rest.
func (b *Broadcaster) Broadcast(ctx context.Context, record *telemetry.Record) {
	payload, err := json.Marshal(record)
	if err != nil {
		b.logger.Error("record encode failed, nothing broadcast",
			"robot_id", record.RobotID,
			"error", err)
		return
	}

	b.publish(ctx, b.cfg.GlobalSubject, payload)
	b.publish(ctx, b.cfg.RobotSubjectPrefix+record.RobotID, payload)

	if record.IsAnomaly && b.cfg.AlertSubject != "" {
		alert := Alert{
			Record:          record,
			DetectionMethod: record.DetectionMethod,
			AlertedAt:       time.Now().UTC(),
		}
		alertPayload, err := json.Marshal(alert)
		if err != nil {
			b.logger.Error("alert encode failed", "robot_id", record.RobotID, "error", err)
			return
		}
		b.publish(ctx, b.cfg.AlertSubject, alertPayload)
	}
}

// BroadcastError publishes an ingestion-health event, dropped when the
// rate limit is exceeded so an error storm cannot flood subscribers.
func (b *Broadcaster) BroadcastError(ctx context.Context, component, message string, class errors.ErrorClass) {
	if b.cfg.ErrorSubject == "" {
		return
	}
	if !b.limiter.Allow() {
		b.logger.Debug("error event dropped by rate limit", "component", component)
		return
	}

	event := ErrorEvent{
		Component:  component,
		Message:    message,
		Class:      class.String(),
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("error event encode failed", "error", err)
		return
	}
	b.publish(ctx, b.cfg.ErrorSubject, payload)
}

func (b *Broadcaster) publish(ctx context.Context, subject string, payload []byte) {
	if err := b.publisher.Publish(ctx, subject, payload); err != nil {
		b.logger.Warn("publish failed", "subject", subject, "error", err)
		if b.metrics != nil {
			b.metrics.RecordError("fanout", "publish")
		}
		return
	}
	if b.metrics != nil {
		b.metrics.RecordReadingPublished("fanout", subject)
	}
}
