// Package store persists the cost ledger and the persistent cache tier in a
// single SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed keyed record store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	st := &Store{db: db}

	if err := st.initCosts(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cost_records table: %w", err)
	}
	if err := st.initCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache_entries table: %w", err)
	}

	return st, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
