package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresSink appends to a security audit table in PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgres connects with a libpq-style or URL connection string.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS helix_knowledge (
		slot TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (slot, key)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Insert(ctx context.Context, slot, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO helix_knowledge (slot, key, value) VALUES ($1, $2, $3)", slot, key, string(value))
	if err != nil {
		return fmt.Errorf("postgres insert %s/%s: %w", slot, key, err)
	}
	return nil
}

func (s *PostgresSink) Close() error { return s.db.Close() }
