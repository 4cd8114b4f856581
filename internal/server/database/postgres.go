package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_users",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id                       VARCHAR(64)  PRIMARY KEY,
				username                 VARCHAR(255) NOT NULL DEFAULT '',
				tier                     VARCHAR(16)  NOT NULL DEFAULT 'free',
				total_files              BIGINT       NOT NULL DEFAULT 0,
				total_size               BIGINT       NOT NULL DEFAULT 0,
				total_processing_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
				joined_at                TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				last_active_at           TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_user_settings",
		SQL: `
			CREATE TABLE IF NOT EXISTS user_settings (
				user_id      VARCHAR(64) PRIMARY KEY REFERENCES users(id),
				bulk_mode    BOOLEAN     NOT NULL DEFAULT FALSE,
				thumbnail    BOOLEAN     NOT NULL DEFAULT TRUE,
				rename_files BOOLEAN     NOT NULL DEFAULT FALSE,
				upload_mode  VARCHAR(16) NOT NULL DEFAULT 'video',
				metadata     BOOLEAN     NOT NULL DEFAULT TRUE,
				audio        JSONB       NOT NULL,
				tags         JSONB       NOT NULL DEFAULT '{}',
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000003_create_jobs",
		SQL: `
			CREATE TABLE IF NOT EXISTS jobs (
				id          VARCHAR(36)  PRIMARY KEY,
				user_id     VARCHAR(64)  NOT NULL,
				file_id     VARCHAR(255) NOT NULL,
				file_name   VARCHAR(255) NOT NULL DEFAULT '',
				file_size   BIGINT       NOT NULL DEFAULT 0,
				category    VARCHAR(16)  NOT NULL,
				action      VARCHAR(32)  NOT NULL,
				status      VARCHAR(16)  NOT NULL,
				input_ref   TEXT         NOT NULL DEFAULT '',
				output_ref  TEXT         NOT NULL DEFAULT '',
				error       TEXT         NOT NULL DEFAULT '',
				started_at  TIMESTAMPTZ  NOT NULL,
				ended_at    TIMESTAMPTZ,
				duration_ms BIGINT       NOT NULL DEFAULT 0,
				updated_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_id, status);
			CREATE INDEX IF NOT EXISTS idx_jobs_user_status_ended ON jobs(user_id, status, ended_at DESC);
		`,
	},
	{
		Version: "000004_create_history",
		SQL: `
			CREATE TABLE IF NOT EXISTS history (
				id                 BIGSERIAL    PRIMARY KEY,
				user_id            VARCHAR(64)  NOT NULL,
				job_id             VARCHAR(36)  NOT NULL UNIQUE,
				action             VARCHAR(32)  NOT NULL,
				category           VARCHAR(16)  NOT NULL,
				file_name          VARCHAR(255) NOT NULL DEFAULT '',
				file_size          BIGINT       NOT NULL DEFAULT 0,
				processing_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
				status             VARCHAR(16)  NOT NULL,
				created_at         TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_history_user_created ON history(user_id, created_at DESC);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
