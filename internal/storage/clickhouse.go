package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/token-distributor/internal/config"
)

const (
	defaultClickHouseDialTimeout  = 10 * time.Second
	defaultClickHouseMaxOpenConns = 5
	defaultClickHouseMaxExecution = 30 * time.Second
)

// ClickHouseDB wraps the ClickHouse connection holding the chunk audit log
type ClickHouseDB struct {
	conn driver.Conn
}

// clickHouseOptions maps cfg onto driver options. The audit log writes one
// small insert per chunk, so the pool stays small.
func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = defaultClickHouseDialTimeout
	}
	open := cfg.MaxOpenConns
	if open <= 0 {
		open = defaultClickHouseMaxOpenConns
	}
	exec := cfg.MaxExecutionTime
	if exec <= 0 {
		exec = defaultClickHouseMaxExecution
	}
	idle := open / 2
	if idle < 1 {
		idle = 1
	}

	return &clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(exec / time.Second),
		},
		DialTimeout:      dial,
		MaxOpenConns:     open,
		MaxIdleConns:     idle,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
}

// NewClickHouseDB opens and pings a ClickHouse connection
func NewClickHouseDB(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	opts := clickHouseOptions(cfg)
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", opts.Addr[0], err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a statement without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
