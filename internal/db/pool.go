package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
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
	driver string
}

// NewPool creates a Pool from separate writer and reader connections. When
// both are the same *sql.DB, Writer and Reader share one *sqlx.DB.
func NewPool(driver string, writer, reader *sql.DB) *Pool {
	w := sqlx.NewDb(writer, driver)
	r := w
	if reader != writer {
		r = sqlx.NewDb(reader, driver)
	}
	return &Pool{
		driver: driver,
		writer: w,
		reader: r,
	}
}

// Open opens a Pool for the given DATABASE_URL-shaped address: a bare path
// (or sqlite://... URL) opens SQLite with a dedicated single-connection
// writer and a multi-connection reader; a postgres://... DSN opens Postgres
// and shares one pool between Writer() and Reader().
func Open(url string) (*Pool, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		conn, err := OpenPostgres(url)
		if err != nil {
			return nil, err
		}
		return NewPool("pgx", conn, conn), nil
	}

	path := strings.TrimPrefix(url, "sqlite://")
	writer, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(path)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open sqlite reader pool: %w", err)
	}
	return NewPool("sqlite3", writer, reader), nil
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the underlying SQL driver name ("sqlite3" or "pgx").
func (p *Pool) Driver() string { return p.driver }

// Close closes both the writer and reader pools. For SQLite it runs PRAGMA
// optimize on the writer connection first, so the query planner's table
// statistics are refreshed for the next startup.
func (p *Pool) Close() error {
	if p.driver == "sqlite3" {
		if _, err := p.writer.Exec("PRAGMA optimize"); err != nil {
			_ = err // best-effort; closing proceeds regardless
		}
	}
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
