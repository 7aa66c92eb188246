package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS routines (
	fingerprint TEXT PRIMARY KEY,
	source      BLOB NOT NULL,
	updated_at  INTEGER NOT NULL
);`

// SQLiteStore keeps routines in a single SQLite table. Each Write is one
// upsert statement, so readers never observe a partial value.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) a routine database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening routine database: %w", err)
	}
	// a single connection serializes writers and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating routine schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) ([]byte, error) {
	var src []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT source FROM routines WHERE fingerprint = ?`, key,
	).Scan(&src)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading routine: %w", err)
	}
	return src, nil
}

func (s *SQLiteStore) Write(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routines (fingerprint, source, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET source = excluded.source, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing routine: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM routines WHERE fingerprint = ?`, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking routine: %w", err)
	}
	return n > 0, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
