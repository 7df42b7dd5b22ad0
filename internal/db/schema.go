package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		tenant_id  TEXT NOT NULL,
		device_key TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		category   TEXT NOT NULL DEFAULT '',
		location   TEXT NOT NULL DEFAULT '',
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, device_key)
	)`,
	`CREATE TABLE IF NOT EXISTS readings (
		id             UUID PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		device_key     TEXT NOT NULL,
		power_watts    DOUBLE PRECISION NOT NULL CHECK (power_watts >= 0),
		observed_at    TIMESTAMPTZ NOT NULL,
		ingested_at    TIMESTAMPTZ NOT NULL,
		submission_id  TEXT,
		submission_seq INTEGER,
		FOREIGN KEY (tenant_id, device_key) REFERENCES devices (tenant_id, device_key)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS readings_submission_uq
		ON readings (tenant_id, submission_id, submission_seq)
		WHERE submission_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS readings_device_observed_idx
		ON readings (tenant_id, device_key, observed_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS readings_tenant_observed_idx
		ON readings (tenant_id, observed_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS hourly_aggregates (
		tenant_id     TEXT NOT NULL,
		device_key    TEXT NOT NULL,
		hour_start    TIMESTAMPTZ NOT NULL,
		sample_count  BIGINT NOT NULL,
		sum_watts     DOUBLE PRECISION NOT NULL,
		min_watts     DOUBLE PRECISION NOT NULL,
		max_watts     DOUBLE PRECISION NOT NULL,
		energy_wh     DOUBLE PRECISION NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		reconciled_at TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, device_key, hour_start)
	)`,
	`CREATE INDEX IF NOT EXISTS hourly_aggregates_tenant_hour_idx
		ON hourly_aggregates (tenant_id, hour_start)`,
	`CREATE INDEX IF NOT EXISTS hourly_aggregates_pending_idx
		ON hourly_aggregates (hour_start)
		WHERE reconciled_at IS NULL OR updated_at > reconciled_at`,
}

// Timestamps are stored as unix milliseconds; modernc.org/sqlite does not
// round-trip time.Time in a sortable format.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		tenant_id  TEXT NOT NULL,
		device_key TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		category   TEXT NOT NULL DEFAULT '',
		location   TEXT NOT NULL DEFAULT '',
		is_active  INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, device_key)
	)`,
	`CREATE TABLE IF NOT EXISTS readings (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		device_key     TEXT NOT NULL,
		power_watts    REAL NOT NULL CHECK (power_watts >= 0),
		observed_at    INTEGER NOT NULL,
		ingested_at    INTEGER NOT NULL,
		submission_id  TEXT,
		submission_seq INTEGER,
		FOREIGN KEY (tenant_id, device_key) REFERENCES devices (tenant_id, device_key)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS readings_submission_uq
		ON readings (tenant_id, submission_id, submission_seq)
		WHERE submission_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS readings_device_observed_idx
		ON readings (tenant_id, device_key, observed_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS readings_tenant_observed_idx
		ON readings (tenant_id, observed_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS hourly_aggregates (
		tenant_id     TEXT NOT NULL,
		device_key    TEXT NOT NULL,
		hour_start    INTEGER NOT NULL,
		sample_count  INTEGER NOT NULL,
		sum_watts     REAL NOT NULL,
		min_watts     REAL NOT NULL,
		max_watts     REAL NOT NULL,
		energy_wh     REAL NOT NULL,
		updated_at    INTEGER NOT NULL,
		reconciled_at INTEGER,
		PRIMARY KEY (tenant_id, device_key, hour_start)
	)`,
	`CREATE INDEX IF NOT EXISTS hourly_aggregates_tenant_hour_idx
		ON hourly_aggregates (tenant_id, hour_start)`,
}

// ApplyPostgresSchema creates the tables and indexes if they do not exist
func ApplyPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// ApplySQLiteSchema creates the tables and indexes if they do not exist
func ApplySQLiteSchema(ctx context.Context, sqlDB *sql.DB) error {
	for _, stmt := range sqliteSchema {
		if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
