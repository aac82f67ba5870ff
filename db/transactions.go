package db

import (
	"database/sql"
	"fmt"
	"time"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// Prune deletes temperature and relay rows older than before in one
// transaction and returns how many of each went.
func Prune(db *sql.DB, before time.Time) (temps, relays int64, err error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, 0, err
	}
	cutoff := before.UTC().Format(timeFormat)

	res, err := tx.Exec(`DELETE FROM temperature WHERE dt < ?`, cutoff)
	if err != nil {
		RollbackTransaction(tx)
		return 0, 0, fmt.Errorf("prune temperature: %w", err)
	}
	temps, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM relay WHERE dt < ?`, cutoff)
	if err != nil {
		RollbackTransaction(tx)
		return 0, 0, fmt.Errorf("prune relay: %w", err)
	}
	relays, _ = res.RowsAffected()

	return temps, relays, CommitTransaction(tx)
}
