package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends to a knowledge table in a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the knowledge database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create knowledge dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		`CREATE TABLE IF NOT EXISTS knowledge (
			slot TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (slot, key)
		)`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_no_update BEFORE UPDATE ON knowledge
		BEGIN SELECT RAISE(ABORT, 'knowledge rows are immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_no_delete BEFORE DELETE ON knowledge
		BEGIN SELECT RAISE(ABORT, 'knowledge rows are immutable'); END`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("init knowledge db: %w", err)
		}
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Insert(ctx context.Context, slot, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO knowledge (slot, key, value, created_at) VALUES (?, ?, ?, ?)",
		slot, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("knowledge insert %s/%s: %w", slot, key, err)
	}
	return nil
}

// Entry is a stored key/value pair.
type Entry struct {
	Key   string
	Value []byte
}

// List returns the entries of slot in key order.
func (s *SQLiteSink) List(ctx context.Context, slot string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM knowledge WHERE slot = ? ORDER BY key", slot)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
