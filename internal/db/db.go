// Package db provides database connection management for offlinegate.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB with offlinegate-specific configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens (creating if absent) the SQLite database <dataDir>/<name>.db.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A busy timeout so background writers queue instead of failing
func Open(dataDir, name string) (*DB, error) {
	if name == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, name+".db")

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{DB: db, Path: dbPath}, nil
}

// OpenAndMigrate opens the database and brings its schema up to date.
// It fails if the resulting schema version is below minVersion.
func OpenAndMigrate(dataDir, name string, minVersion int) (*DB, error) {
	database, err := Open(dataDir, name)
	if err != nil {
		return nil, err
	}

	migrator := NewMigrator(database.DB, Migrations)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	version, err := migrator.CurrentVersion()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version < minVersion {
		database.Close()
		return nil, fmt.Errorf("schema version %d is below required version %d", version, minVersion)
	}

	return database, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
