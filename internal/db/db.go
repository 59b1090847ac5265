// Package db opens the tether SQLite database with its schema applied.
// The schema is idempotent, so every open ensures the tables exist; a
// separate migration step is not needed.
package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/tetherhq/tether/internal/config"
)

//go:embed schema.sql
var Schema string

// WAL allows concurrent readers while a writer is active; busy_timeout
// reduces SQLITE_BUSY errors under contention.
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Open opens the database, applies the connection pragmas and ensures
// the schema exists.
func Open() (*sql.DB, error) {
	dbPath, err := GetPath()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// Init creates the database file and schema without keeping a
// connection. Used by the init command.
func Init() error {
	db, err := Open()
	if err != nil {
		return err
	}
	return db.Close()
}

// GetPath returns the path to the database file.
func GetPath() (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "tether.db"), nil
}
