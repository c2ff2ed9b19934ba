// Package journal persists executed fills to Postgres. The journal is an
// audit trail only: the JSON state file remains the ledger of record, so
// journal failures are logged by callers and never block trading.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"etf-trading-bot/internal/trader"
)

// Config holds connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Journal wraps the PostgreSQL connection pool.
type Journal struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ trader.Journal = (*Journal)(nil)

// New connects and verifies the pool.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Journal, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse journal config: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create journal pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping journal database: %w", err)
	}

	return &Journal{
		pool:   pool,
		logger: logger.With().Str("component", "Journal").Logger(),
	}, nil
}

// Migrate creates the fills table.
func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fills (
			id         BIGSERIAL PRIMARY KEY,
			symbol     TEXT NOT NULL,
			side       TEXT NOT NULL,
			quantity   BIGINT NOT NULL,
			avg_price  NUMERIC(18,6) NOT NULL,
			proceeds   NUMERIC(18,6) NOT NULL,
			reason     TEXT NOT NULL,
			filled_at  TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_fills_symbol_filled_at ON fills (symbol, filled_at);
	`)
	if err != nil {
		return fmt.Errorf("journal migration: %w", err)
	}
	return nil
}

// RecordFill inserts one executed fill.
func (j *Journal) RecordFill(ctx context.Context, fill trader.FillRecord) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO fills (symbol, side, quantity, avg_price, proceeds, reason, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		fill.Symbol, fill.Side, fill.Quantity, fill.AvgPrice, fill.Proceeds, fill.Reason, fill.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// Close releases the pool.
func (j *Journal) Close() {
	j.pool.Close()
}
