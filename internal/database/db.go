package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Normalized signals, append-only.
		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			source VARCHAR(20) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			signal_time TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_signal_time ON signals(signal_time)`,

		// Decision audit records, append-only.
		`CREATE TABLE IF NOT EXISTS decisions (
			id UUID PRIMARY KEY,
			signal_id UUID,
			position_id UUID,
			decision VARCHAR(10) NOT NULL,
			confidence DECIMAL(6, 2) NOT NULL,
			position_size DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8),
			exit_rule VARCHAR(20),
			reasoning JSONB,
			calculations JSONB,
			degraded JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_signal_id ON decisions(signal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_decision ON decisions(decision)`,

		// Positions: insert on open, update on refresh/close, never deleted.
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			signal_id UUID,
			parent_id UUID,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			current_price DECIMAL(20, 8),
			unrealized_pnl DECIMAL(20, 8),
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMPTZ,
			realized_pnl DECIMAL(20, 8),
			status VARCHAR(10) NOT NULL DEFAULT 'OPEN',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,

		// Per-stage pipeline failures, one row per failing signal.
		`CREATE TABLE IF NOT EXISTS pipeline_failures (
			id SERIAL PRIMARY KEY,
			tracking_id UUID NOT NULL,
			signal_id UUID,
			stage VARCHAR(20) NOT NULL,
			reason TEXT NOT NULL,
			signal_data JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_tracking_id ON pipeline_failures(tracking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_stage ON pipeline_failures(stage)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
