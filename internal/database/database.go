package database

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Seeded agent_controls row
const currentSchemaVersion = 1

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB
}

// Open creates or opens the SQLite database at path, applies pragmas and
// the schema, and seeds the control record.
//
// The connection pool is limited to a single connection: SQLite allows one
// writer at a time and the control record, audit log and job table are all
// written from concurrent goroutines.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	d := &DB{db}
	if err := d.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// InitSchema initializes the database schema. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return db.runMigrations()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) runMigrations() error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := db.migrateToV1(); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 provisions the single control row. Comms start disabled so a
// fresh install cannot send anything until an operator turns it on.
func (db *DB) migrateToV1() error {
	_, err := db.Exec(`
		INSERT OR IGNORE INTO agent_controls
		(id, kill_switch, comms_enabled, write_enabled, destructive_enabled,
		 external_comms_enabled, jobs_enabled, updated_at)
		VALUES (1, 0, 0, 0, 0, 0, 1, ?)
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}
