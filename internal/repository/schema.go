package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 建表语句（幂等）
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS bpm_readings (
		id             UUID PRIMARY KEY,
		device_id      VARCHAR(64) NOT NULL,
		bpm            INTEGER NOT NULL,
		source         VARCHAR(16) NOT NULL,
		quality        VARCHAR(16) NOT NULL,
		processed_bpm  DOUBLE PRECISION NOT NULL,
		confidence     DOUBLE PRECISION NOT NULL,
		is_anomaly     BOOLEAN NOT NULL DEFAULT FALSE,
		rate_of_change DOUBLE PRECISION NOT NULL DEFAULT 0,
		ts             TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bpm_readings_device_ts ON bpm_readings (device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS bpm_alerts (
		id           UUID PRIMARY KEY,
		device_id    VARCHAR(64) NOT NULL,
		alert_type   VARCHAR(32) NOT NULL,
		severity     VARCHAR(16) NOT NULL,
		message      TEXT NOT NULL,
		bpm_value    INTEGER,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL,
		resolved_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bpm_alerts_created_at ON bpm_alerts (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS bpm_devices (
		device_id        VARCHAR(64) PRIMARY KEY,
		name             VARCHAR(128) NOT NULL,
		device_type      VARCHAR(16) NOT NULL,
		status           VARCHAR(16) NOT NULL,
		last_heartbeat   TIMESTAMPTZ,
		battery_level    INTEGER,
		firmware_version VARCHAR(32)
	)`,
	`CREATE TABLE IF NOT EXISTS bpm_system_status (
		id                       SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		active_source            VARCHAR(16) NOT NULL,
		failover_count           INTEGER NOT NULL CHECK (failover_count >= 0),
		last_primary_heartbeat   TIMESTAMPTZ,
		last_secondary_heartbeat TIMESTAMPTZ,
		system_health            VARCHAR(16) NOT NULL,
		cache_health_score       DOUBLE PRECISION NOT NULL,
		updated_at               TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema 创建所需表与索引
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
