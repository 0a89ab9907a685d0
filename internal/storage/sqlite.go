package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	sqlStorage
}

// NewSQLiteStorage creates a new SQLite storage. dbPath is a file path,
// ":memory:", or a "sqlite://" URL.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")
	dbPath = strings.TrimPrefix(dbPath, "sqlite:")

	const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	var connStr string
	if dbPath == ":memory:" {
		// All pooled connections must share the same in-memory database.
		connStr = "file::memory:?cache=shared&" + pragmas
	} else {
		connStr = dbPath + "?" + pragmas
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY between
	// a transaction and a concurrent autocommit statement.
	db.SetMaxOpenConns(1)

	return &SQLiteStorage{
		sqlStorage: sqlStorage{db: db, driver: &SQLiteDriver{}},
	}, nil
}
