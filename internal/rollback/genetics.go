package rollback

import (
	"context"

	"helix/internal/audit"
	"helix/internal/logging"
	"helix/internal/store"
	"helix/internal/types"
)

// RecordDeadEnd blacklists dna for skill, or bumps its occurrence count.
// Every non-active version carrying dna is marked DeadEnd so rollback never
// returns to it.
func (m *Manager) RecordDeadEnd(ctx context.Context, skill string, dna types.DNA, reason string) (types.DeadEndRecord, error) {
	defer m.lock(skill)()
	return m.recordDeadEnd(ctx, skill, dna, reason)
}

// recordDeadEnd requires the skill lock.
func (m *Manager) recordDeadEnd(ctx context.Context, skill string, dna types.DNA, reason string) (types.DeadEndRecord, error) {
	var (
		rec    types.DeadEndRecord
		marked int64
	)
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		if rec, err = tx.RecordDeadEnd(skill, dna, reason); err != nil {
			return err
		}
		marked, err = tx.MarkDeadEnd(skill, dna)
		return err
	})
	if err != nil {
		return types.DeadEndRecord{}, &RollbackError{Op: "dead_end", Skill: skill, Err: err}
	}

	m.metrics.DeadEnds.WithLabelValues(skill).Inc()
	ar := audit.NewRecord(audit.KindDeadEnd, skill, dna)
	ar.Status = string(types.PatchDeadEnd)
	ar.Reason = reason
	m.emitter.Emit(ar)

	logging.Genetics("dead end %s@%s (seen %d times, %d versions marked): %s",
		skill, dna.Short(), rec.Occurrences, marked, reason)
	return rec, nil
}

// IsDeadEnd reports whether dna is blacklisted for skill.
func (m *Manager) IsDeadEnd(ctx context.Context, skill string, dna types.DNA) (bool, error) {
	return m.store.IsDeadEnd(ctx, skill, dna)
}

// DeadEnds lists dead ends for skill, or all of them when skill is empty.
func (m *Manager) DeadEnds(ctx context.Context, skill string) ([]types.DeadEndRecord, error) {
	return m.store.DeadEnds(ctx, skill)
}
