package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/evaluator"
)

func limitPair(warning, critical float64) evaluator.Limit {
	return evaluator.Limit{Warning: warning, Critical: critical}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 5, cfg.NATS.MaxReconnects)
	assert.Equal(t, "robot.telemetry", cfg.Ingest.Subject)
	assert.Equal(t, "telemetry.all", cfg.Fanout.GlobalSubject)
	assert.Equal(t, "telemetry.robot.", cfg.Fanout.RobotSubjectPrefix)
	assert.Equal(t, 5*time.Second, cfg.Store.ConnectTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Server.DrainTimeout.Std())
	assert.Equal(t, 80.0, cfg.Thresholds.Temperature.Critical)
	require.NoError(t, cfg.Validate())
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"nats": {"url": "nats://broker:4222", "max_reconnects": 3, "reconnect_wait": "500ms"},
		"ingest": {"subject": "fleet.telemetry"},
		"thresholds": {"temperature": {"warning": 60, "critical": 75}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 3, cfg.NATS.MaxReconnects)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait.Std())
	assert.Equal(t, "fleet.telemetry", cfg.Ingest.Subject)
	assert.Equal(t, 60.0, cfg.Thresholds.Temperature.Warning)
	assert.Equal(t, 75.0, cfg.Thresholds.Temperature.Critical)
	// Untouched sections keep defaults
	assert.Equal(t, 15.0, cfg.Thresholds.BatteryLevel.Critical)
	assert.Equal(t, "telemetry.alerts", cfg.Fanout.AlertSubject)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
nats:
  url: nats://broker:4222
store:
  postgres_dsn: postgres://mon:secret@db:5432/telemetry
  connect_timeout: 2s
scorer:
  command: /usr/local/bin/score
  args: ["--model", "isolation-forest"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "postgres://mon:secret@db:5432/telemetry", cfg.Store.PostgresDSN)
	assert.Equal(t, 2*time.Second, cfg.Store.ConnectTimeout.Std())
	assert.Equal(t, "/usr/local/bin/score", cfg.Scorer.Command)
	assert.Equal(t, []string{"--model", "isolation-forest"}, cfg.Scorer.Args)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "config.json", `{broken`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"_NATS_URL", "nats://env-broker:4222")
	t.Setenv(EnvPrefix+"_INGEST_SUBJECT", "env.telemetry")
	t.Setenv(EnvPrefix+"_POSTGRES_DSN", "postgres://env@db/robots")
	t.Setenv(EnvPrefix+"_MAX_RECONNECTS", "9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://env-broker:4222", cfg.NATS.URL)
	assert.Equal(t, "env.telemetry", cfg.Ingest.Subject)
	assert.Equal(t, "postgres://env@db/robots", cfg.Store.PostgresDSN)
	assert.Equal(t, 9, cfg.NATS.MaxReconnects)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }, "nats.url"},
		{"negative reconnects", func(c *Config) { c.NATS.MaxReconnects = -1 }, "max_reconnects"},
		{"empty subject", func(c *Config) { c.Ingest.Subject = "" }, "ingest.subject"},
		{"empty dsn", func(c *Config) { c.Store.PostgresDSN = "" }, "postgres_dsn"},
		{"zero drain", func(c *Config) { c.Server.DrainTimeout = 0 }, "drain_timeout"},
		{"inverted temperature pair", func(c *Config) { c.Thresholds.Temperature.Critical = 60 }, "thresholds.temperature"},
		{"battery pair not inverted", func(c *Config) { c.Thresholds.BatteryLevel.Critical = 40 }, "thresholds.battery_level"},
		{"bogus log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"
	cfg.Store.PostgresDSN = "postgres://mon:hunter2@db:5432/telemetry"

	red := cfg.Redacted()
	assert.Equal(t, "[redacted]", red.NATS.Password)
	assert.Equal(t, "[redacted]", red.NATS.Token)
	assert.Equal(t, "postgres://mon:[redacted]@db:5432/telemetry", red.Store.PostgresDSN)
	// Original untouched
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestSafeConfigUpdate(t *testing.T) {
	safe := NewSafeConfig(Default())

	next := Default()
	next.Thresholds.Temperature = limitPair(70, 90)
	require.NoError(t, safe.Update(next))
	assert.Equal(t, 90.0, safe.Thresholds().Temperature.Critical)

	bad := Default()
	bad.NATS.URL = ""
	require.Error(t, safe.Update(bad))
	// Previous config stays live after a rejected update
	assert.Equal(t, 90.0, safe.Thresholds().Temperature.Critical)

	require.Error(t, safe.Update(nil))
}

func TestSafeConfigGetIsCopy(t *testing.T) {
	safe := NewSafeConfig(Default())
	got := safe.Get()
	got.NATS.URL = "mutated"
	assert.Equal(t, "nats://localhost:4222", safe.Get().NATS.URL)
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "config.json", `{"thresholds": {"temperature": {"warning": 60, "critical": 75}}}`)

	initial, err := Load(path)
	require.NoError(t, err)
	safe := NewSafeConfig(initial)

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, safe, nil, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path,
		[]byte(`{"thresholds": {"temperature": {"warning": 62, "critical": 78}}}`), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 78.0, cfg.Thresholds.Temperature.Critical)
		assert.Equal(t, 78.0, safe.Thresholds().Temperature.Critical)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherKeepsPreviousOnBadReload(t *testing.T) {
	path := writeConfig(t, "config.json", `{}`)

	initial, err := Load(path)
	require.NoError(t, err)
	safe := NewSafeConfig(initial)

	w, err := NewWatcher(path, safe, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))

	// Give the debounce + reload a moment, then confirm nothing changed
	time.Sleep(debounceWindow + 500*time.Millisecond)
	assert.Equal(t, 80.0, safe.Thresholds().Temperature.Critical)
}
