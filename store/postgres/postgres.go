// Package postgres implements the telemetry store on PostgreSQL via
// pgxpool.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sirineelayeb/ai-robot-health-monitoring/errors"
	"github.com/sirineelayeb/ai-robot-health-monitoring/store"
	"github.com/sirineelayeb/ai-robot-health-monitoring/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_records (
	id               UUID PRIMARY KEY,
	robot_id         TEXT NOT NULL,
	sample_time      TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	battery_level    DOUBLE PRECISION,
	temperature      DOUBLE PRECISION,
	motor_current    DOUBLE PRECISION,
	cpu_load         DOUBLE PRECISION,
	velocity         DOUBLE PRECISION,
	encoder_ok       BOOLEAN NOT NULL DEFAULT TRUE,
	lidar_ok         BOOLEAN NOT NULL DEFAULT TRUE,
	camera_ok        BOOLEAN NOT NULL DEFAULT TRUE,
	pc_cpu_load      DOUBLE PRECISION,
	pc_memory_load   DOUBLE PRECISION,
	pc_disk_usage    DOUBLE PRECISION,
	pc_network_sent  DOUBLE PRECISION,
	pc_network_recv  DOUBLE PRECISION,
	pc_temperature   DOUBLE PRECISION,
	status           TEXT NOT NULL,
	issues           TEXT[] NOT NULL DEFAULT '{}',
	is_anomaly       BOOLEAN NOT NULL DEFAULT FALSE,
	anomaly_type     TEXT,
	anomaly_score    DOUBLE PRECISION,
	detection_method TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_robot_created ON telemetry_records (robot_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_telemetry_created ON telemetry_records (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_telemetry_anomaly ON telemetry_records (is_anomaly) WHERE is_anomaly;
`

const recordColumns = `id, robot_id, sample_time, created_at,
	battery_level, temperature, motor_current, cpu_load, velocity,
	encoder_ok, lidar_ok, camera_ok,
	pc_cpu_load, pc_memory_load, pc_disk_usage, pc_network_sent, pc_network_recv, pc_temperature,
	status, issues, is_anomaly, anomaly_type, anomaly_score, detection_method`

// Store is a PostgreSQL-backed telemetry store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects a pool and ensures the schema exists. The context
// should carry the configured connect timeout; a failure here is fatal
// at startup.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "postgres.Store", "New", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"postgres.Store", "New", "ping database")
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.WrapFatal(err, "postgres.Store", "ensureSchema", "create tables")
	}
	return nil
}

// Create persists one record.
func (s *Store) Create(ctx context.Context, record *telemetry.Record) error {
	if record == nil || record.ID == "" {
		return errors.WrapInvalid(errors.ErrValidation, "postgres.Store", "Create", "reject record without id")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO telemetry_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		record.ID,
		record.RobotID,
		record.Timestamp,
		record.CreatedAt,
		record.BatteryLevel,
		record.Temperature,
		record.MotorCurrent,
		record.CPULoad,
		record.Velocity,
		boolOrTrue(record.EncoderOK),
		boolOrTrue(record.LidarOK),
		boolOrTrue(record.CameraOK),
		record.PCCPULoad,
		record.PCMemoryLoad,
		record.PCDiskUsage,
		record.PCNetworkSent,
		record.PCNetworkRecv,
		record.PCTemperature,
		string(record.Status),
		issuesOrEmpty(record.Issues),
		record.IsAnomaly,
		nullIfEmpty(string(record.AnomalyType)),
		record.AnomalyScore,
		record.DetectionMethod,
	)
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrPersist, err),
			"postgres.Store", "Create", "insert record")
	}
	return nil
}

// Find returns matching records, newest first.
func (s *Store) Find(ctx context.Context, filter store.Filter) ([]*telemetry.Record, error) {
	filter.Normalize()
	where, args := buildWhere(filter)

	query := `SELECT ` + recordColumns + ` FROM telemetry_records` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Skip)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "Find", "query records")
	}
	defer rows.Close()

	var records []*telemetry.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "postgres.Store", "Find", "scan row")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "Find", "iterate rows")
	}
	return records, nil
}

// Count returns the number of matching records, ignoring paging.
func (s *Store) Count(ctx context.Context, filter store.Filter) (int64, error) {
	where, args := buildWhere(filter)

	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM telemetry_records`+where, args...).Scan(&count)
	if err != nil {
		return 0, errors.WrapTransient(err, "postgres.Store", "Count", "count records")
	}
	return count, nil
}

// Latest returns the most recent record for one robot.
func (s *Store) Latest(ctx context.Context, robotID string) (*telemetry.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM telemetry_records
		WHERE robot_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, robotID)

	record, err := scanRecord(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrRecordNotFound
		}
		return nil, errors.WrapTransient(err, "postgres.Store", "Latest", "query record")
	}
	return record, nil
}

// Stats aggregates records created at or after since.
func (s *Store) Stats(ctx context.Context, since time.Time) (*store.Stats, error) {
	var st store.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_anomaly),
			COUNT(*) FILTER (WHERE status = 'CRITICAL'),
			COUNT(*) FILTER (WHERE status = 'WARNING'),
			COALESCE(AVG(battery_level), 0),
			COALESCE(MIN(battery_level), 0),
			COALESCE(MAX(battery_level), 0),
			COALESCE(AVG(temperature), 0),
			COALESCE(MAX(temperature), 0),
			COALESCE(AVG(velocity), 0),
			COALESCE(MAX(velocity), 0),
			COALESCE(AVG(cpu_load), 0),
			COALESCE(MAX(cpu_load), 0),
			COALESCE(AVG(motor_current), 0),
			COALESCE(MAX(motor_current), 0)
		FROM telemetry_records
		WHERE created_at >= $1`, since).Scan(
		&st.TotalRecords,
		&st.TotalAnomalies,
		&st.CriticalCount,
		&st.WarningCount,
		&st.AvgBattery,
		&st.MinBattery,
		&st.MaxBattery,
		&st.AvgTemperature,
		&st.MaxTemperature,
		&st.AvgVelocity,
		&st.MaxVelocity,
		&st.AvgCPULoad,
		&st.MaxCPULoad,
		&st.AvgMotorCurr,
		&st.MaxMotorCurr,
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "Stats", "aggregate records")
	}
	return &st, nil
}

// SensorHealth returns the latest sensor flags per robot plus the
// number of faulty readings in the trailing hour.
func (s *Store) SensorHealth(ctx context.Context) ([]store.SensorHealth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (r.robot_id)
			r.robot_id,
			r.encoder_ok,
			r.lidar_ok,
			r.camera_ok,
			r.created_at,
			(SELECT COUNT(*) FROM telemetry_records f
			 WHERE f.robot_id = r.robot_id
			   AND f.created_at >= NOW() - INTERVAL '1 hour'
			   AND (NOT f.encoder_ok OR NOT f.lidar_ok OR NOT f.camera_ok))
		FROM telemetry_records r
		ORDER BY r.robot_id, r.created_at DESC`)
	if err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "SensorHealth", "query sensor state")
	}
	defer rows.Close()

	var summaries []store.SensorHealth
	for rows.Next() {
		var sh store.SensorHealth
		if err := rows.Scan(&sh.RobotID, &sh.EncoderOK, &sh.LidarOK, &sh.CameraOK, &sh.LastSeen, &sh.FaultyLastHour); err != nil {
			return nil, errors.WrapTransient(err, "postgres.Store", "SensorHealth", "scan row")
		}
		summaries = append(summaries, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "postgres.Store", "SensorHealth", "iterate rows")
	}
	return summaries, nil
}

// DeleteOlderThan removes records created before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM telemetry_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.WrapTransient(err, "postgres.Store", "DeleteOlderThan", "delete records")
	}
	return tag.RowsAffected(), nil
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"postgres.Store", "Ping", "ping database")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func buildWhere(filter store.Filter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.RobotID != "" {
		add("robot_id = $%d", filter.RobotID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.AnomaliesOnly {
		clauses = append(clauses, "is_anomaly")
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at <= $%d", filter.Until)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanRecord reads one row in recordColumns order.
func scanRecord(row pgx.Row) (*telemetry.Record, error) {
	var record telemetry.Record
	var encoderOK, lidarOK, cameraOK bool
	var issues []string
	var anomalyType *string

	err := row.Scan(
		&record.ID,
		&record.RobotID,
		&record.Timestamp,
		&record.CreatedAt,
		&record.BatteryLevel,
		&record.Temperature,
		&record.MotorCurrent,
		&record.CPULoad,
		&record.Velocity,
		&encoderOK,
		&lidarOK,
		&cameraOK,
		&record.PCCPULoad,
		&record.PCMemoryLoad,
		&record.PCDiskUsage,
		&record.PCNetworkSent,
		&record.PCNetworkRecv,
		&record.PCTemperature,
		&record.Status,
		&issues,
		&record.IsAnomaly,
		&anomalyType,
		&record.AnomalyScore,
		&record.DetectionMethod,
	)
	if err != nil {
		return nil, err
	}

	record.EncoderOK = &encoderOK
	record.LidarOK = &lidarOK
	record.CameraOK = &cameraOK
	record.Issues = issues
	if anomalyType != nil {
		record.AnomalyType = telemetry.AnomalyType(*anomalyType)
	}
	return &record, nil
}

func boolOrTrue(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

func issuesOrEmpty(issues []string) []string {
	if issues == nil {
		return []string{}
	}
	return issues
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
