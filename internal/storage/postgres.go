// Package storage provides database connections and the campaign, run-lock
// and chunk-audit repositories.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/token-distributor/internal/config"
)

const (
	defaultPostgresConnectTimeout = 10 * time.Second
	defaultPostgresConnLifetime   = time.Hour
)

// PostgresDB wraps the pgxpool connection
type PostgresDB struct {
	pool *pgxpool.Pool
}

// postgresPoolConfig maps cfg onto pgxpool settings
func postgresPoolConfig(cfg *config.PostgresConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSL(),
	))
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - bounded by Config.Validate
	}
	if cfg.MinConnections > 0 && cfg.MinConnections <= int(poolConfig.MaxConns) {
		poolConfig.MinConns = int32(cfg.MinConnections) // #nosec G115 - at most MaxConns
	}
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime <= 0 {
		poolConfig.MaxConnLifetime = defaultPostgresConnLifetime
	}
	poolConfig.MaxConnIdleTime = poolConfig.MaxConnLifetime / 2
	poolConfig.HealthCheckPeriod = time.Minute
	return poolConfig, nil
}

// NewPostgresDB creates a Postgres pool and pings it, giving up after
// cfg.ConnectTimeout or when ctx ends
func NewPostgresDB(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := postgresPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultPostgresConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
