// Package storage implements the relational store behind the engine: alert
// rows, finalized metric buckets, service activity tracking, and the
// dedup lease table that stands in for advisory locks.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// dbNowNs evaluates to the database server's current time in nanoseconds.
// Deduplication windows are measured against this expression, never against
// a processor-supplied timestamp, so processor clock skew cancels out.
const dbNowNs = `CAST(unixepoch('subsec') * 1000000000 AS INTEGER)`

// OpenDB opens (or creates) a SQLite database at path with recommended
// pragmas: WAL journal mode, synchronous=NORMAL, foreign_keys=ON,
// busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: one connection serializes all statements.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}
