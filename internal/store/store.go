// Package store keeps a small SQLite-backed ledger of per-segment
// availability results, so repeated CheckAvailability calls against the
// same manifest don't need to re-STAT segments already confirmed
// earlier in the run.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the availability ledger database.
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed and opens (or creates)
// the ledger at path. WAL journal mode allows concurrent readers during
// a run, NORMAL sync keeps commits cheap, and a busy timeout keeps a
// momentarily locked writer from surfacing as a hard error.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create directory for %s: %w", path, err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect to %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the single table this ledger needs. There's exactly
// one table and it never changes shape, so a fixed CREATE TABLE IF NOT
// EXISTS statement stands in for a migration framework.
func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS segment_availability (
	manifest_id TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	available   INTEGER NOT NULL,
	checked_at  INTEGER NOT NULL,
	PRIMARY KEY (manifest_id, message_id)
);`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Lookup returns a previously recorded availability result for one
// segment. found is false if nothing has been recorded yet.
func (s *Store) Lookup(ctx context.Context, manifestID, messageID string) (available, found bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT available FROM segment_availability WHERE manifest_id = ? AND message_id = ?`,
		manifestID, messageID)

	var flag int
	err = row.Scan(&flag)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("store: lookup %s: %w", messageID, err)
	}
	return flag != 0, true, nil
}

// Record upserts availability results for a batch of segments under one
// manifest id, inside a single transaction.
func (s *Store) Record(ctx context.Context, manifestID string, results map[string]bool, checkedAt int64) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO segment_availability (manifest_id, message_id, available, checked_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for messageID, available := range results {
		flag := 0
		if available {
			flag = 1
		}
		if _, err := stmt.ExecContext(ctx, manifestID, messageID, flag, checkedAt); err != nil {
			return fmt.Errorf("store: record %s: %w", messageID, err)
		}
	}

	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
