package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/grovekit/grove/internal/common/config"
)

// Driver names as sqlx sees them.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens the entity-store pool for one project.
//
// The sqlite driver opens the database file at dbPath with a single-connection
// writer and a concurrent read-only reader. The postgres driver ignores dbPath
// and connects both roles to the configured server.
func Open(cfg config.DatabaseConfig, dbPath string) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(raw, DriverPostgres)
		return &Pool{writer: shared, reader: shared}, nil
	case "", "sqlite":
		rawWriter, err := OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		rawReader, err := OpenSQLiteReader(dbPath)
		if err != nil {
			_ = rawWriter.Close()
			return nil, err
		}
		return &Pool{
			writer: sqlx.NewDb(rawWriter, DriverSQLite),
			reader: sqlx.NewDb(rawReader, DriverSQLite),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the sql driver both pools were opened with.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
