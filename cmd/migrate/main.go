// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/token-distributor/internal/app"
	"github.com/token-distributor/internal/config"
	"github.com/token-distributor/internal/logging"
	"github.com/token-distributor/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Database type: postgres, clickhouse")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := app.InitLogging(cfg)

	switch *dbType {
	case "postgres":
		err = runPostgresMigrations(cfg, *action)
	case "clickhouse":
		err = runClickHouseMigrations(cfg, *action)
	default:
		err = fmt.Errorf("unknown database type: %s", *dbType)
	}
	if err != nil {
		logger.WithError(err).WithField("db", *dbType).Fatal("Migration failed")
	}
}

func runPostgresMigrations(cfg *config.Config, action string) error {
	databaseURL := cfg.Database.Postgres.URL()
	migrationsPath := "migrations/postgres"
	logger := logging.GetGlobalLogger()

	switch action {
	case "up":
		logger.Info("Running Postgres migrations...")
		if err := storage.RunMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Postgres migrations completed successfully")

	case "down":
		logger.Info("Rolling back Postgres migration...")
		if err := storage.RollbackMigrations(databaseURL, migrationsPath); err != nil {
			return err
		}
		logger.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(databaseURL, migrationsPath)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current Postgres migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(cfg *config.Config, action string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}

	migrationsPath := "migrations/clickhouse"
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	ctx := context.Background()
	db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() { _ = db.Close() }()

	return storage.RunClickHouseMigrations(ctx, db, migrationsPath)
}
