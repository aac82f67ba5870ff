package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// timeFormat matches SQLite's datetime() so retention can be expressed in
// SQL as well as in Go.
const timeFormat = "2006-01-02 15:04:05"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS temperature (
		dt   TEXT NOT NULL,
		id   TEXT NOT NULL,
		temp REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relay (
		dt    TEXT NOT NULL,
		id    TEXT NOT NULL,
		duty  REAL NOT NULL,
		state INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS temperature_id_dt ON temperature (id, dt)`,
	`CREATE INDEX IF NOT EXISTS relay_id_dt ON relay (id, dt)`,
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	conn.SetMaxOpenConns(1)

	if err := ApplySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("History database ready")
	return conn, nil
}

func ApplySchema(db *sql.DB) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			RollbackTransaction(tx)
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return CommitTransaction(tx)
}
