package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cloud-importer/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "cloud_importer_test",
		User:           "importer",
		Password:       "importer_dev_password",
		SSLMode:        "disable",
		MaxConnections: 5,
	}
	if host := os.Getenv("TEST_POSTGRES_HOST"); host != "" {
		cfg.Host = host
	}
	if pw := os.Getenv("TEST_POSTGRES_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	return cfg
}

// testDB connects to the integration database, migrates it and empties every
// table. Tests are skipped when no database is reachable.
func testDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(context.Background(), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := NewMigrator(cfg.URL(), "../../migrations/postgres").Up(); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx,
		`TRUNCATE import_jobs, import_jobs_archive, import_usage, assets, import_logs`); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return db
}
