// Package db opens and migrates the relay's SQLite database. One file
// holds both the session records and the event journal.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens the database at path. ":memory:" gives tests a private
// throwaway database.
//
// The journal is append-heavy with concurrent reads during replay;
// WAL mode lets replays read while appends commit.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON", // journal rows cascade with their session
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	// Seq allocation runs MAX(seq)+1 inside a transaction; a single
	// connection keeps appends serialized without busy retries.
	sqlDB.SetMaxOpenConns(1)

	return sqlDB, nil
}
