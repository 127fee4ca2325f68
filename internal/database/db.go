// Package database persists fills, orders, positions, and balance history to
// PostgreSQL. The ledger stays authoritative at runtime; this layer is the
// durable audit trail and restart state.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"perp-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger := log.With().Str("component", "database").Logger()
	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return &DB{Pool: pool, log: logger}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema if it does not exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS fills (
			trade_id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			client_order_id VARCHAR(36),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			quote_quantity DECIMAL(20, 8) NOT NULL,
			commission DECIMAL(20, 8) NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			liquidation BOOLEAN NOT NULL DEFAULT FALSE,
			fill_time TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_fills_fill_time ON fills(fill_time)`,

		`CREATE TABLE IF NOT EXISTS orders (
			order_id BIGINT PRIMARY KEY,
			client_order_id VARCHAR(36),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL,
			price DECIMAL(20, 8),
			stop_price DECIMAL(20, 8),
			avg_price DECIMAL(20, 8),
			orig_qty DECIMAL(20, 8) NOT NULL,
			executed_qty DECIMAL(20, 8) NOT NULL DEFAULT 0,
			reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_client_id ON orders(client_order_id)`,

		`CREATE TABLE IF NOT EXISTS positions (
			symbol VARCHAR(20) PRIMARY KEY,
			position_amt DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS balance_ledger (
			id BIGSERIAL PRIMARY KEY,
			balance DECIMAL(20, 8) NOT NULL,
			delta DECIMAL(20, 8) NOT NULL,
			reason VARCHAR(40) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_ledger_created ON balance_ledger(created_at)`,

		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id BIGSERIAL PRIMARY KEY,
			wallet_balance DECIMAL(20, 8) NOT NULL,
			unrealized_pnl DECIMAL(20, 8) NOT NULL,
			equity DECIMAL(20, 8) NOT NULL,
			open_positions INT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_snapshots_created ON equity_snapshots(created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
