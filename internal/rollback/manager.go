// Package rollback owns the version history of every skill: promotion,
// rollback, dead-end memory and the post-promotion bake monitor.
//
// Each mutation is one store transaction with the loader swap performed
// inside it, so the recorded Active version and the loaded artifact agree
// once the call returns.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"helix/internal/audit"
	"helix/internal/logging"
	"helix/internal/metrics"
	"helix/internal/store"
	"helix/internal/types"
)

// Loader is the part of the skill registry the manager drives.
type Loader interface {
	Load(path, name string) error
	Unload(name string) bool
	Stats(name string) types.MetricsSnapshot
}

// Options configures a Manager.
type Options struct {
	Emitter audit.Emitter
	Metrics *metrics.Metrics
}

// Manager serializes writers per skill. Different skills proceed in
// parallel; the store serializes their transactions.
type Manager struct {
	store   *store.VersionStore
	loader  Loader
	emitter audit.Emitter
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager returns a Manager over vs and l.
func NewManager(vs *store.VersionStore, l Loader, opts Options) *Manager {
	if opts.Emitter == nil {
		opts.Emitter = audit.Discard
	}
	return &Manager{
		store:   vs,
		loader:  l,
		emitter: opts.Emitter,
		metrics: metrics.OrNop(opts.Metrics),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(skill string) func() {
	m.mu.Lock()
	l, ok := m.locks[skill]
	if !ok {
		l = &sync.Mutex{}
		m.locks[skill] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Promote records artifactPath as the new Active version of skill and
// hot-swaps it in. On any failure the previous version stays active and
// loaded.
func (m *Manager) Promote(ctx context.Context, skill, artifactPath string, dna types.DNA) (types.PatchVersion, error) {
	defer m.lock(skill)()
	timer := logging.StartTimer(logging.CategoryRollback, "promote "+skill)
	defer timer.Stop()

	fail := func(err error) (types.PatchVersion, error) {
		logging.RollbackWarn("promotion of %s@%s failed: %v", skill, dna.Short(), err)
		return types.PatchVersion{}, &RollbackError{Op: "promote", Skill: skill, Err: err}
	}

	dead, err := m.store.IsDeadEnd(ctx, skill, dna)
	if err != nil {
		return fail(err)
	}
	if dead {
		return fail(ErrDeadEnd)
	}

	// The outgoing handle's counters become the new version's baseline.
	baseline := m.loader.Stats(skill)

	var (
		prev    types.PatchVersion
		hadPrev bool
		next    types.PatchVersion
		swapped bool
	)
	err = m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		prev, err = tx.Active(skill)
		switch {
		case err == nil:
			hadPrev = true
			if err := tx.SetStatus(prev.ID, types.PatchSuperseded); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		next, err = tx.Insert(store.NewVersion{
			Skill:        skill,
			DNA:          dna,
			ArtifactPath: artifactPath,
			Status:       types.PatchActive,
			Baseline:     baseline,
		})
		if err != nil {
			return err
		}
		if err := m.loader.Load(artifactPath, skill); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		if swapped {
			m.restoreHandle(skill, prev, hadPrev)
		}
		return fail(err)
	}

	m.metrics.Promotions.WithLabelValues(skill).Inc()
	rec := audit.NewRecord(audit.KindPromotion, skill, dna)
	rec.Status = string(types.PatchActive)
	rec.Reason = fmt.Sprintf("version %d from %s", next.Seq, artifactPath)
	m.emitter.Emit(rec)

	logging.Rollback("promoted %s@%s as version %d", skill, dna.Short(), next.Seq)
	return next, nil
}

// Rollback reactivates the newest older version of skill that was neither
// rolled back nor marked a dead end.
func (m *Manager) Rollback(ctx context.Context, skill string) (types.PatchVersion, error) {
	defer m.lock(skill)()
	return m.rollback(ctx, skill, "manual", "")
}

// rollback requires the skill lock.
func (m *Manager) rollback(ctx context.Context, skill, trigger, reason string) (types.PatchVersion, error) {
	var (
		current types.PatchVersion
		prior   types.PatchVersion
		swapped bool
	)
	// The re-activated version is judged against what it replaces, like a
	// fresh promotion.
	baseline := m.loader.Stats(skill)
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		current, err = tx.Active(skill)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoActiveVersion
		}
		if err != nil {
			return err
		}
		prior, err = tx.EligiblePrior(skill, current.Seq)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoPriorVersion
		}
		if err != nil {
			return err
		}
		if err := tx.SetStatus(current.ID, types.PatchRolledBack); err != nil {
			return err
		}
		if err := tx.SetStatus(prior.ID, types.PatchActive); err != nil {
			return err
		}
		if err := tx.SetBaseline(prior.ID, baseline); err != nil {
			return err
		}
		if err := m.loader.Load(prior.ArtifactPath, skill); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		if swapped {
			m.restoreHandle(skill, current, true)
		}
		logging.RollbackWarn("rollback of %s failed: %v", skill, err)
		return types.PatchVersion{}, &RollbackError{Op: "rollback", Skill: skill, Err: err}
	}
	prior.Status = types.PatchActive
	prior.Baseline = baseline

	m.metrics.Rollbacks.WithLabelValues(skill, trigger).Inc()
	rec := audit.NewRecord(audit.KindRollback, skill, current.DNA)
	rec.Status = string(types.PatchRolledBack)
	rec.Reason = fmt.Sprintf("%s: version %d -> %d", trigger, current.Seq, prior.Seq)
	if reason != "" {
		rec.Reason += " (" + reason + ")"
	}
	m.emitter.Emit(rec)

	logging.Rollback("rolled back %s from version %d to %d (%s)", skill, current.Seq, prior.Seq, trigger)
	return prior, nil
}

// restoreHandle puts the loader back in line with the store after a swap
// whose transaction did not commit.
func (m *Manager) restoreHandle(skill string, v types.PatchVersion, ok bool) {
	if !ok {
		m.loader.Unload(skill)
		return
	}
	if err := m.loader.Load(v.ArtifactPath, skill); err != nil {
		logging.RollbackError("could not reload %s version %d after failed commit: %v", skill, v.Seq, err)
	}
}

// Restore loads every Active artifact. Used at boot. Failures are joined;
// the remaining skills still load.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	active, err := m.store.ActiveAll(ctx)
	if err != nil {
		return 0, &RollbackError{Op: "restore", Skill: "*", Err: err}
	}
	var (
		loaded int
		errs   []error
	)
	for _, v := range active {
		if err := m.loader.Load(v.ArtifactPath, v.Skill); err != nil {
			errs = append(errs, &RollbackError{Op: "restore", Skill: v.Skill, Err: err})
			continue
		}
		loaded++
	}
	logging.Rollback("restored %d of %d active skills", loaded, len(active))
	return loaded, errors.Join(errs...)
}

// Active returns the active version of skill.
func (m *Manager) Active(ctx context.Context, skill string) (types.PatchVersion, error) {
	v, err := m.store.Active(ctx, skill)
	if errors.Is(err, store.ErrNotFound) {
		return v, &RollbackError{Op: "active", Skill: skill, Err: ErrNoActiveVersion}
	}
	return v, err
}

// Versions lists the history of skill, oldest first.
func (m *Manager) Versions(ctx context.Context, skill string) ([]types.PatchVersion, error) {
	return m.store.Versions(ctx, skill)
}

// Skills lists every skill with recorded history.
func (m *Manager) Skills(ctx context.Context) ([]string, error) {
	return m.store.Skills(ctx)
}

// VerifyChain recomputes the hash chain of skill.
func (m *Manager) VerifyChain(ctx context.Context, skill string) error {
	return m.store.VerifyChain(ctx, skill)
}

// PerformanceDelta compares the active version's live counters with the
// baseline captured when it was promoted.
func (m *Manager) PerformanceDelta(ctx context.Context, skill string) (types.PatchPerformanceDelta, error) {
	v, err := m.Active(ctx, skill)
	if err != nil {
		return types.PatchPerformanceDelta{}, err
	}
	return types.PatchPerformanceDelta{
		Skill:   skill,
		Version: v.Seq,
		Since:   v.UpdatedAt,
		Before:  v.Baseline,
		After:   m.loader.Stats(skill),
	}, nil
}
