package scorer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

// writeScript drops an executable shell script into a temp dir and
// returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stubs require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "score.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testSample() *telemetry.Sample {
	battery := 50.0
	return &telemetry.Sample{RobotID: "robot-001", BatteryLevel: &battery}
}

func TestNewCommandScorerRequiresCommand(t *testing.T) {
	_, err := NewCommandScorer("", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestScoreParsesVerdict(t *testing.T) {
	script := writeScript(t, `echo '{"anomaly_score": 0.87, "is_anomaly": true}'`)
	s, err := NewCommandScorer(script, nil)
	require.NoError(t, err)

	score, err := s.Score(context.Background(), testSample())
	require.NoError(t, err)
	assert.Equal(t, 0.87, score.AnomalyScore)
	assert.True(t, score.IsAnomaly)
}

func TestScorePassesSampleAsLastArgument(t *testing.T) {
	// Echo the last argument back; the verdict fields come from the
	// sample itself so we can assert what the subprocess received.
	script := writeScript(t, `
for last in "$@"; do :; done
echo "$last" > "$(dirname "$0")/received.json"
echo '{"anomaly_score": 0.1, "is_anomaly": false}'`)
	s, err := NewCommandScorer(script, []string{"--model", "isolation-forest"})
	require.NoError(t, err)

	_, err = s.Score(context.Background(), testSample())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(filepath.Dir(script), "received.json"))
	require.NoError(t, err)

	var got telemetry.Sample
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "robot-001", got.RobotID)
	require.NotNil(t, got.BatteryLevel)
	assert.Equal(t, 50.0, *got.BatteryLevel)
}

func TestScoreCommandFailure(t *testing.T) {
	script := writeScript(t, `echo "model not found" >&2; exit 3`)
	s, err := NewCommandScorer(script, nil)
	require.NoError(t, err)

	_, err = s.Score(context.Background(), testSample())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrScorerUnavailable)
}

func TestScoreMalformedOutput(t *testing.T) {
	script := writeScript(t, `echo 'not json'`)
	s, err := NewCommandScorer(script, nil)
	require.NoError(t, err)

	_, err = s.Score(context.Background(), testSample())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrScorerUnavailable)
}

func TestScoreTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	s, err := NewCommandScorer(script, nil, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Score(context.Background(), testSample())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrScorerUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNoopScorer(t *testing.T) {
	_, err := Noop{}.Score(context.Background(), testSample())
	assert.ErrorIs(t, err, errors.ErrScorerUnavailable)
}
