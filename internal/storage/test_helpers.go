package storage

import (
	"context"
	"testing"
	"time"

	"github.com/token-distributor/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "token_distributor",
		User:           "distributor",
		Password:       "distributor_dev_password",
		MaxConnections: 5,
	}
}

// openTestPostgres connects and migrates the local Postgres, skipping the
// test when it is not reachable
func openTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return db
}
