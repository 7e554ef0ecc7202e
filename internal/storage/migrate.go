package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator applies the SQL files under a migrations directory
type Migrator struct {
	databaseURL    string
	migrationsPath string
}

// NewMigrator creates a Migrator for a postgres:// URL and a directory of *.sql files
func NewMigrator(databaseURL, migrationsPath string) *Migrator {
	return &Migrator{databaseURL: databaseURL, migrationsPath: migrationsPath}
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	mg, err := migrate.New(fmt.Sprintf("file://%s", m.migrationsPath), m.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return mg, nil
}

func (m *Migrator) run(fn func(*migrate.Migrate) error) error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer func() {
		_, _ = mg.Close() // nolint:errcheck // cleanup in defer
	}()
	return fn(mg)
}

// Up applies all pending migrations
func (m *Migrator) Up() error {
	return m.run(func(mg *migrate.Migrate) error {
		if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recent migration
func (m *Migrator) Down() error {
	return m.run(func(mg *migrate.Migrate) error {
		if err := mg.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		return nil
	})
}

// Version returns the applied migration version
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	err = m.run(func(mg *migrate.Migrate) error {
		var verr error
		version, dirty, verr = mg.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to get migration version: %w", verr)
		}
		return nil
	})
	return version, dirty, err
}
