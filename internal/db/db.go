// Package db opens the SQLite frame catalog and manages its schema.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/snowpack.report/internal/monitoring"
)

// Pragmas are applied to every connection opened by Open.
var Pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the catalog at path, applies Pragmas and
// migrates the schema to the latest version.
func Open(path string) (*DB, error) {
	database, err := OpenNoMigrate(path)
	if err != nil {
		return nil, err
	}
	if err := database.MigrateUp(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// OpenNoMigrate opens the catalog without touching its schema.
func OpenNoMigrate(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	// PRAGMAs are per connection; pin the pool to one so they always apply.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range Pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	monitoring.Logf("[db] opened catalog %s", path)
	return &DB{DB: sqlDB, path: path}, nil
}

// Path is the file the catalog was opened from.
func (db *DB) Path() string { return db.path }
