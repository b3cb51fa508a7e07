package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"helix/internal/logging"
	"helix/internal/types"
)

// RecordDeadEnd inserts a dead end or, when the DNA is already known for
// the skill, increments its occurrence count. The first reason is kept.
func (t *Tx) RecordDeadEnd(skill string, dna types.DNA, reason string) (types.DeadEndRecord, error) {
	now := formatTime(t.now)
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO dead_ends (skill, dna, reason, occurrences, first_seen, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(skill, dna) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen`,
		skill, string(dna), reason, now, now)
	if err != nil {
		return types.DeadEndRecord{}, fmt.Errorf("record dead end: %w", err)
	}
	row := t.tx.QueryRowContext(t.ctx, selectDeadEnd+` WHERE skill = ? AND dna = ?`, skill, string(dna))
	return scanDeadEnd(row)
}

const selectDeadEnd = `SELECT skill, dna, reason, occurrences, first_seen, last_seen FROM dead_ends`

func scanDeadEnd(row rowScanner) (types.DeadEndRecord, error) {
	var (
		rec         types.DeadEndRecord
		dna         string
		first, last string
	)
	err := row.Scan(&rec.Skill, &dna, &rec.Reason, &rec.Occurrences, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.DNA = types.DNA(dna)
	if rec.FirstSeen, err = parseTime(first); err != nil {
		return rec, err
	}
	if rec.LastSeen, err = parseTime(last); err != nil {
		return rec, err
	}
	return rec, nil
}

// DeadEnd looks up one dead end, or ErrNotFound.
func (s *VersionStore) DeadEnd(ctx context.Context, skill string, dna types.DNA) (types.DeadEndRecord, error) {
	row := s.db.QueryRowContext(ctx, selectDeadEnd+` WHERE skill = ? AND dna = ?`, skill, string(dna))
	return scanDeadEnd(row)
}

// IsDeadEnd reports whether dna is blacklisted for skill.
func (s *VersionStore) IsDeadEnd(ctx context.Context, skill string, dna types.DNA) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_ends WHERE skill = ? AND dna = ?`, skill, string(dna)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dead end lookup: %w", err)
	}
	if n > 0 {
		logging.GeneticsDebug("dead end hit for %s@%s", skill, dna.Short())
	}
	return n > 0, nil
}

// DeadEnds lists dead ends for skill, or for every skill when skill is empty.
func (s *VersionStore) DeadEnds(ctx context.Context, skill string) ([]types.DeadEndRecord, error) {
	query := selectDeadEnd + ` ORDER BY skill, first_seen`
	var args []any
	if skill != "" {
		query = selectDeadEnd + ` WHERE skill = ? ORDER BY first_seen`
		args = append(args, skill)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead ends: %w", err)
	}
	defer rows.Close()

	var out []types.DeadEndRecord
	for rows.Next() {
		rec, err := scanDeadEnd(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
