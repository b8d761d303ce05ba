package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const fileSchema = `CREATE TABLE IF NOT EXISTS summaries (
	cache_key    TEXT PRIMARY KEY,
	generated_at INTEGER NOT NULL,
	payload      TEXT NOT NULL
)`

// A row is malformed when generated_at does not hold a non-negative integer.
const malformedRow = `(typeof(summaries.generated_at) != 'integer' OR summaries.generated_at < 0)`

type fileBackend struct {
	db   *sql.DB
	path string
}

// NewFile opens (or creates) the SQLite key-value file at path. Each key maps to
// exactly one row so timestamp and payload are always replaced together.
func NewFile(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("cache: file path required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("cache: create file cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open file cache: %w", err)
	}
	// A single connection keeps writes serialized through database/sql.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", fileSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: prepare file cache: %w", err)
		}
	}
	return &fileBackend{db: db, path: path}, nil
}

func (c *fileBackend) Name() string { return "file" }

func (c *fileBackend) Read(ctx context.Context, key string) (Entry, bool, error) {
	// Non-integer timestamps come back as NULL so Scan only fails on I/O.
	row := c.db.QueryRowContext(ctx,
		`SELECT CASE WHEN typeof(generated_at) = 'integer' THEN generated_at END, payload
		 FROM summaries WHERE cache_key = ?`, key)
	var (
		generatedAt sql.NullInt64
		payload     sql.NullString
	)
	if err := row.Scan(&generatedAt, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: file read: %w", err)
	}
	if !generatedAt.Valid || !payload.Valid {
		return Entry{}, false, fmt.Errorf("%w: non-integer timestamp or null payload", ErrMalformedEntry)
	}
	entry := Entry{GeneratedAt: generatedAt.Int64, Payload: payload.String}
	if err := entry.Validate(); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (c *fileBackend) Write(ctx context.Context, key string, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO summaries (cache_key, generated_at, payload) VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET generated_at = excluded.generated_at, payload = excluded.payload`,
		key, entry.GeneratedAt, entry.Payload)
	if err != nil {
		return fmt.Errorf("cache: file write: %w", err)
	}
	return nil
}

func (c *fileBackend) CompareAndSwap(ctx context.Context, key string, prev int64, next Entry) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, err
	}
	var (
		res sql.Result
		err error
	)
	if prev == NoEntry {
		res, err = c.db.ExecContext(ctx,
			`INSERT INTO summaries (cache_key, generated_at, payload) VALUES (?, ?, ?)
			 ON CONFLICT(cache_key) DO UPDATE SET generated_at = excluded.generated_at, payload = excluded.payload
			 WHERE `+malformedRow,
			key, next.GeneratedAt, next.Payload)
	} else {
		res, err = c.db.ExecContext(ctx,
			`UPDATE summaries SET generated_at = ?, payload = ? WHERE cache_key = ? AND generated_at = ?`,
			next.GeneratedAt, next.Payload, key, prev)
	}
	if err != nil {
		return false, fmt.Errorf("cache: file compare-and-swap: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache: file compare-and-swap rows: %w", err)
	}
	return affected == 1, nil
}

func (c *fileBackend) Close(context.Context) error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("cache: close file cache %s: %w", c.path, err)
	}
	return nil
}
