package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout bounds how long a connection waits on a lock
	// before surfacing SQLITE_BUSY.
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns caps the read pool. WAL mode lets readers run
	// beside the single writer, and a project database sees at most a
	// handful of concurrent API and engine readers.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of a project database: one connection,
// WAL journal, foreign keys on. Serializing writes through a single
// connection keeps SQLITE_BUSY out of the write path entirely.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare database directory: %w", err)
	}
	// Create the file eagerly; the read-only pool cannot open a database
	// that does not exist yet.
	if f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	} else if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only
// connections that see WAL snapshots without blocking the writer. The
// journal and synchronous settings are database-level and belong to the
// writer, so the reader only differs in its access mode.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(dbPath), "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(sqliteReaderConns)
	db.SetMaxIdleConns(sqliteReaderConns)
	return db, nil
}

func sqliteDSN(path, mode string) string {
	return fmt.Sprintf(
		"file:%s?_mode=%s&_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond),
	)
}

// absSQLitePath pins the database to an absolute path so the shared cache
// key stays stable regardless of the caller's working directory.
func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
