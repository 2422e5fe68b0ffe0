// Package pipeline turns raw telemetry payloads into classified,
// persisted, broadcast records. Ingest is the single entry point:
// validate, classify, score, persist, publish. Persistence is
// at-most-once; a publish failure never rolls a record back.
package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/evaluator"
	"github.com/sirineelayeb/ai-robot-health-monitoring/metric"
	"github.com/sirineelayeb/ai-robot-health-monitoring/scorer"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// Broadcaster is the fanout seam, satisfied by *fanout.Broadcaster.
type Broadcaster interface {
	Broadcast(ctx context.Context, record *telemetry.Record)
	BroadcastError(ctx context.Context, component, message string, class errors.ErrorClass)
}

// LatestCache is the latest-reading cache seam, satisfied by
// *kvlatest.Cache. May be nil; caching is best effort.
type LatestCache interface {
	Put(ctx context.Context, record *telemetry.Record) error
}

// ThresholdSource supplies the current thresholds on every ingest so
// a config hot-reload takes effect without restarting the pipeline.
type ThresholdSource func() evaluator.Thresholds

// Deps wires the pipeline's collaborators. Store, Broadcaster and
// Thresholds are required; Scorer, Cache, Logger and Metrics are
// optional.
type Deps struct {
	Store       store.Store
	Broadcaster Broadcaster
	Thresholds  ThresholdSource
	Scorer      scorer.Scorer
	Cache       LatestCache
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

// Pipeline is the ingestion path for one telemetry stream.
type Pipeline struct {
	store       store.Store
	broadcaster Broadcaster
	thresholds  ThresholdSource
	scorer      scorer.Scorer
	cache       LatestCache
	logger      *slog.Logger
	metrics     *metric.Metrics
	now         func() time.Time
}

// New validates deps and builds a pipeline.
func New(deps Deps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "New", "validate store")
	}
	if deps.Broadcaster == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "New", "validate broadcaster")
	}
	if deps.Thresholds == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "New", "validate threshold source")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Scorer == nil {
		deps.Scorer = scorer.Noop{}
	}
	return &Pipeline{
		store:       deps.Store,
		broadcaster: deps.Broadcaster,
		thresholds:  deps.Thresholds,
		scorer:      deps.Scorer,
		cache:       deps.Cache,
		logger:      deps.Logger.With("component", "pipeline"),
		metrics:     deps.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ingest processes one raw payload end to end and returns the
// persisted record. Invalid payloads and persistence failures return
// an error; fanout and cache failures do not.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) (*telemetry.Record, error) {
	start := p.now()

	sample, err := telemetry.ParseSample(raw)
	if err != nil {
		p.reject(ctx, "parse failed", err)
		return nil, err
	}
	if err := sample.Normalize(start); err != nil {
		p.reject(ctx, "validation failed", err)
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordReadingReceived("pipeline", sample.RobotID)
	}

	record := &telemetry.Record{
		ID:             uuid.NewString(),
		CreatedAt:      start,
		Sample:         *sample,
		Classification: p.classify(ctx, sample),
	}

	if err := p.store.Create(ctx, record); err != nil {
		p.logger.Error("record lost, persistence failed",
			"robot_id", record.RobotID,
			"error", err)
		p.broadcaster.BroadcastError(ctx, "pipeline", "record persistence failed", errors.Classify(err))
		if p.metrics != nil {
			p.metrics.RecordError("pipeline", "persist")
		}
		return nil, err
	}

	// Persisted records are broadcast and cached best effort; neither
	// failure affects the stored record.
	p.broadcaster.Broadcast(ctx, record)
	if p.cache != nil {
		if err := p.cache.Put(ctx, record); err != nil {
			p.logger.Warn("latest cache update failed", "robot_id", record.RobotID, "error", err)
		}
	}

	if p.metrics != nil {
		p.metrics.RecordReadingProcessed("pipeline", string(record.Status))
		p.metrics.RecordClassification(string(record.Status))
		if record.IsAnomaly {
			p.metrics.RecordAnomaly(record.RobotID)
		}
		p.metrics.RecordProcessingDuration("pipeline", "ingest", time.Since(start))
	}

	p.logger.Debug("reading ingested",
		"robot_id", record.RobotID,
		"record_id", record.ID,
		"status", record.Status,
		"is_anomaly", record.IsAnomaly)
	return record, nil
}

// classify runs the rule evaluation and, when a model is configured,
// overlays its score. A failed scorer never blocks ingestion: the
// rule-based result stands.
func (p *Pipeline) classify(ctx context.Context, sample *telemetry.Sample) telemetry.Classification {
	result := evaluator.Classify(sample.Metrics(), p.thresholds())

	classification := telemetry.Classification{
		Status:          result.Status,
		Issues:          result.Issues,
		IsAnomaly:       result.IsAnomaly,
		AnomalyType:     result.AnomalyType,
		DetectionMethod: telemetry.DetectionNormal,
	}
	if result.IsAnomaly {
		classification.DetectionMethod = telemetry.DetectionRuleBased
	}

	score, err := p.scorer.Score(ctx, sample)
	if err != nil {
		if stderrors.Is(err, errors.ErrScorerUnavailable) {
			p.logger.Debug("scorer unavailable, keeping rule-based classification",
				"robot_id", sample.RobotID, "error", err)
		} else {
			p.logger.Warn("scorer failed, keeping rule-based classification", "error", err)
		}
		return classification
	}

	classification.AnomalyScore = &score.AnomalyScore
	if score.IsAnomaly {
		classification.IsAnomaly = true
		classification.DetectionMethod = telemetry.DetectionML
	}
	return classification
}

func (p *Pipeline) reject(ctx context.Context, reason string, err error) {
	p.logger.Warn("sample rejected", "reason", reason, "error", err)
	p.broadcaster.BroadcastError(ctx, "pipeline", reason, errors.Classify(err))
	if p.metrics != nil {
		p.metrics.RecordError("pipeline", "reject")
	}
}
