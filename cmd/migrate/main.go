// Package main provides a CLI tool for running database migrations.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cloud-importer/internal/config"
	"github.com/cloud-importer/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		path   = flag.String("path", "", "Migrations directory (defaults to MIGRATIONS_PATH)")
	)
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	migrationsPath := cfg.Server.MigrationsPath
	if *path != "" {
		migrationsPath = *path
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		log.Fatalf("Migrations directory not found: %s", migrationsPath)
	}

	if err := run(storage.NewMigrator(cfg.Database.Postgres.URL(), migrationsPath), *action); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}
}

func run(m *storage.Migrator, action string) error {
	switch action {
	case "up":
		log.Println("Running Postgres migrations...")
		if err := m.Up(); err != nil {
			return err
		}
		log.Println("Postgres migrations completed successfully")

	case "down":
		log.Println("Rolling back Postgres migration...")
		if err := m.Down(); err != nil {
			return err
		}
		log.Println("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}
