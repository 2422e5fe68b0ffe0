// Package scorer runs an external anomaly-scoring model against telemetry
// samples. The model is a subprocess that receives the sample as a JSON
// argument and prints a score verdict on stdout. Scoring is advisory:
// every failure surfaces as ErrScorerUnavailable so the ingestion
// pipeline can fall back to rule-based classification.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// Score is the verdict returned by the scoring model.
type Score struct {
	AnomalyScore float64 `json:"anomaly_score"`
	IsAnomaly    bool    `json:"is_anomaly"`
}

// Scorer produces an anomaly score for a telemetry sample.
type Scorer interface {
	Score(ctx context.Context, sample *telemetry.Sample) (Score, error)
}

const defaultTimeout = 5 * time.Second

// CommandScorer invokes a configured command once per sample. The
// sample is appended to the argument list as compact JSON; stdout must
// contain a single JSON object with anomaly_score and is_anomaly.
type CommandScorer struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a CommandScorer.
type Option func(*CommandScorer)

// WithTimeout bounds a single scoring invocation.
func WithTimeout(d time.Duration) Option {
	return func(s *CommandScorer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger used for scoring failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *CommandScorer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewCommandScorer creates a scorer for the given command and fixed
// leading arguments.
func NewCommandScorer(command string, args []string, opts ...Option) (*CommandScorer, error) {
	if command == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "CommandScorer", "NewCommandScorer", "validate command")
	}
	s := &CommandScorer{
		command: command,
		args:    args,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score runs the model subprocess for one sample.
func (s *CommandScorer) Score(ctx context.Context, sample *telemetry.Sample) (Score, error) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return Score{}, fmt.Errorf("%w: encode sample: %w", errors.ErrScorerUnavailable, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := make([]string, 0, len(s.args)+1)
	args = append(args, s.args...)
	args = append(args, string(payload))

	cmd := exec.CommandContext(runCtx, s.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return Score{}, fmt.Errorf("%w: command timed out after %s", errors.ErrScorerUnavailable, s.timeout)
		}
		s.logger.Warn("scorer command failed",
			"command", s.command,
			"error", err,
			"stderr", stderr.String())
		return Score{}, fmt.Errorf("%w: run command: %w", errors.ErrScorerUnavailable, err)
	}

	var score Score
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &score); err != nil {
		return Score{}, fmt.Errorf("%w: decode verdict: %w", errors.ErrScorerUnavailable, err)
	}
	return score, nil
}

// Noop is a Scorer that always reports the scorer as unavailable. Used
// when no scoring command is configured.
type Noop struct{}

// Score always returns ErrScorerUnavailable.
func (Noop) Score(context.Context, *telemetry.Sample) (Score, error) {
	return Score{}, errors.ErrScorerUnavailable
}
