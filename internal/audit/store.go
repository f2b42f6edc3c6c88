package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Registers the pure Go "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// Store is a durable, append-only destination for audit entries.
type Store interface {
	// Insert persists a single entry and returns its assigned identifier.
	Insert(ctx context.Context, entry Entry) (int64, error)
}

// ErrUnsupportedDSN is returned for storage connection strings naming an unknown engine.
var ErrUnsupportedDSN = errors.New("audit: unsupported storage connection string")

// SQLStore persists audit entries in a sqlite database.
type SQLStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS queries (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  transport TEXT NOT NULL,
  source_address TEXT NOT NULL,
  source_port INTEGER NOT NULL,
  query_name TEXT NOT NULL,
  query_type TEXT NOT NULL,
  query_class TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queries_created_at ON queries(created_at);
CREATE INDEX IF NOT EXISTS idx_queries_source_address ON queries(source_address);
`

// ParseDSN translates a storage connection string into a sqlite data source name. It accepts
// "sqlite:///relative/path", "sqlite:////absolute/path", "sqlite://", "sqlite://:memory:" and
// "sqlite:///:memory:" for an in-memory database, "file:" URIs, and bare filesystem paths.
func ParseDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)

	switch {
	case dsn == "":
		return "", fmt.Errorf("%w: dsn is empty", ErrUnsupportedDSN)
	case dsn == "sqlite://", dsn == "sqlite://:memory:", dsn == "sqlite:///:memory:", dsn == ":memory:":
		return ":memory:", nil
	case strings.HasPrefix(dsn, "sqlite:///"):
		return strings.TrimPrefix(dsn, "sqlite:///"), nil
	case strings.HasPrefix(dsn, "file:"):
		return dsn, nil
	case strings.Contains(dsn, "://"):
		return "", fmt.Errorf("%w: dsn=%s", ErrUnsupportedDSN, dsn)
	}

	return dsn, nil
}

// OpenSQLStore opens (creating if necessary) the sqlite database named by the connection string
// and ensures the audit table exists.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	path, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: error opening database: path=%s err=%w", path, err)
	}

	// A single connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: error configuring database: path=%s err=%w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: error migrating database: path=%s err=%w", path, err)
	}

	return &SQLStore{db: db}, nil
}

// Insert persists an entry in its own transaction. The transaction is rolled back if any step
// fails, leaving the table unchanged.
func (s *SQLStore) Insert(ctx context.Context, entry Entry) (id int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("audit: error starting transaction: err=%w", err)
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO queries(transport, source_address, source_port, query_name, query_type, query_class, created_at)
VALUES(?,?,?,?,?,?,?)`,
		entry.Transport,
		entry.SourceAddress,
		int64(entry.SourcePort),
		entry.QueryName,
		entry.QueryType,
		entry.QueryClass,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("audit: error inserting entry: err=%w", err)
	}

	if id, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("audit: error reading entry id: err=%w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit: error committing entry: err=%w", err)
	}

	return id, nil
}

// Recent returns up to limit entries, most recent first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, transport, source_address, source_port, query_name, query_type, query_class, created_at
FROM queries ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: error querying entries: err=%w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var port int64
		var createdAt string

		if err := rows.Scan(
			&entry.ID,
			&entry.Transport,
			&entry.SourceAddress,
			&port,
			&entry.QueryName,
			&entry.QueryType,
			&entry.QueryClass,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("audit: error scanning entry: err=%w", err)
		}

		entry.SourcePort = uint16(port)
		if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("audit: malformed entry timestamp: id=%d err=%w", entry.ID, err)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Count returns the total number of persisted entries.
func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: error counting entries: err=%w", err)
	}

	return count, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
