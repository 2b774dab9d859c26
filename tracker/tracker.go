// Package tracker persists the set of canonical keys already fully
// processed, so later runs skip them instead of re-uploading.
package tracker

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
)

// Tracker is the skip-set. Membership tests are served from memory; adds
// are written through to SQLite immediately, so an interrupted run loses
// nothing. The matcher only ever reads it; the uploader adds to it after an
// asset is fully handled.
type Tracker struct {
	db    *sql.DB
	names map[string]struct{}
}

func Open(ctx context.Context, dbPath string) (*Tracker, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS processed (name TEXT PRIMARY KEY) WITHOUT ROWID`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state database: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM processed")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading processed files: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			db.Close()
			return nil, err
		}
		names[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, err
	}

	return &Tracker{db: db, names: names}, nil
}

func (t *Tracker) Contains(name string) bool {
	_, ok := t.names[name]
	return ok
}

func (t *Tracker) Len() int {
	return len(t.names)
}

// Add records name as fully processed.
func (t *Tracker) Add(ctx context.Context, name string) error {
	if _, ok := t.names[name]; ok {
		return nil
	}
	if _, err := t.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed (name) VALUES (?)", name); err != nil {
		return fmt.Errorf("recording processed file: %w", err)
	}
	t.names[name] = struct{}{}
	return nil
}

func (t *Tracker) Close() error {
	return t.db.Close()
}
