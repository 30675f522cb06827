package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateUp applies all pending migrations from sourcePath (a file:// URL or
// plain directory) against the database at dsn. A no-change run is not an
// error.
func MigrateUp(sourcePath, dsn string) error {
	m, err := newMigrator(sourcePath, dsn)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(sourcePath, dsn string) error {
	m, err := newMigrator(sourcePath, dsn)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// MigrateVersion reports the current schema version and dirty flag.
func MigrateVersion(sourcePath, dsn string) (uint, bool, error) {
	m, err := newMigrator(sourcePath, dsn)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(m)

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrate version: %w", err)
	}
	return v, dirty, nil
}

func newMigrator(sourcePath, dsn string) (*migrate.Migrate, error) {
	src := sourcePath
	if len(src) < 7 || src[:7] != "file://" {
		src = "file://" + src
	}
	m, err := migrate.New(src, dsn)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) {
	_, _ = m.Close()
}
