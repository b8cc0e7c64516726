package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/snowpack.report/internal/monitoring"
)

// SchemaVersion is the catalog schema version of the newest embedded migration.
const SchemaVersion = 1

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateUp brings the catalog schema to SchemaVersion. A current schema is
// not an error.
func (db *DB) MigrateUp() error {
	return db.migrateStep("up", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown reverts the newest applied migration.
func (db *DB) MigrateDown() error {
	return db.migrateStep("down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// MigrateVersion reports the applied schema version. A fresh file reports 0.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}

func (db *DB) migrateStep(name string, step func(*migrate.Migrate) error) error {
	m, err := db.migrator()
	if err != nil {
		return err
	}
	// The migrator wraps the shared *sql.DB, so it is never closed here.
	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("catalog migration %s: %w", name, err)
	}
	return nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m.Log = migrationLog{}
	return m, nil
}

// migrationLog forwards golang-migrate output to the process logger.
type migrationLog struct{}

func (migrationLog) Printf(format string, v ...interface{}) {
	monitoring.Logf("[catalog migrate] "+format, v...)
}
func (migrationLog) Verbose() bool { return false }
