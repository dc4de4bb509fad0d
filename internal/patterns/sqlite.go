package patterns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"browsernerd-resolver/internal/intent"

	_ "modernc.org/sqlite"
)

// Schema is the DDL of the SQLite pattern backend.
const Schema = `
CREATE TABLE IF NOT EXISTS patterns (
    site        TEXT NOT NULL,
    intent      TEXT NOT NULL,
    strategy    TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '',
    successes   INTEGER NOT NULL DEFAULT 0,
    failures    INTEGER NOT NULL DEFAULT 0,
    last_used   INTEGER NOT NULL,
    PRIMARY KEY (site, intent)
);
CREATE INDEX IF NOT EXISTS idx_patterns_site ON patterns(site);
`

// SQLiteBackend upserts one row per entry.
type SQLiteBackend struct {
	DB *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path and applies Schema.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, errors.New("pattern database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pattern db: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pattern schema: %w", err)
	}
	return &SQLiteBackend{DB: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Entry, error) {
	rows, err := b.DB.QueryContext(ctx, `
		SELECT site, intent, strategy, payload, successes, failures, last_used
		FROM patterns ORDER BY site, intent`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			strategy string
			lastUsed int64
		)
		if err := rows.Scan(&e.Site, &e.Intent, &strategy, &e.Payload, &e.Successes, &e.Failures, &lastUsed); err != nil {
			return nil, err
		}
		e.Strategy = intent.Strategy(strategy)
		e.LastUsed = time.UnixMilli(lastUsed)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Save(ctx context.Context, e Entry) error {
	_, err := b.DB.ExecContext(ctx, `
		INSERT INTO patterns (site, intent, strategy, payload, successes, failures, last_used)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(site, intent) DO UPDATE SET
			strategy = excluded.strategy,
			payload = excluded.payload,
			successes = excluded.successes,
			failures = excluded.failures,
			last_used = excluded.last_used`,
		e.Site, e.Intent, string(e.Strategy), e.Payload, e.Successes, e.Failures, e.LastUsed.UnixMilli(),
	)
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}
