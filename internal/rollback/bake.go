package rollback

import (
	"context"
	"sync"
	"time"

	"helix/internal/logging"
	"helix/internal/types"
)

// BakeOptions configures a BakeMonitor.
type BakeOptions struct {
	Period       time.Duration // observation window after promotion
	Interval     time.Duration // how often Run checks; defaults to 30s
	Policy       types.RegressionPolicy
	AutoRollback bool
	Now          func() time.Time
}

// BakeResult is the verdict on one baked version.
type BakeResult struct {
	Skill      string                      `json:"skill"`
	Version    int64                       `json:"version"`
	Delta      types.PatchPerformanceDelta `json:"delta"`
	Regressed  bool                        `json:"regressed"`
	Reason     string                      `json:"reason,omitempty"`
	RolledBack bool                        `json:"rolled_back"`
}

// BakeMonitor watches freshly promoted versions. Once a version has been
// active for the bake period and has served enough calls, it is judged
// once: a regression rolls it back and blacklists its DNA.
type BakeMonitor struct {
	m    *Manager
	opts BakeOptions

	mu    sync.Mutex
	baked map[string]bool // activations already judged, by bakeKey
}

// bakeKey identifies one activation of a version. A version re-activated by
// rollback gets a new key and a new bake.
func bakeKey(v types.PatchVersion) string {
	return v.ID + "@" + v.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

// NewBakeMonitor returns a monitor over m.
func NewBakeMonitor(m *Manager, opts BakeOptions) *BakeMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BakeMonitor{m: m, opts: opts, baked: make(map[string]bool)}
}

// Run checks on every interval until ctx is done.
func (b *BakeMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Check(ctx); err != nil {
				logging.RollbackWarn("bake check failed: %v", err)
			}
		}
	}
}

// Check judges every active version whose bake period has elapsed.
func (b *BakeMonitor) Check(ctx context.Context) ([]BakeResult, error) {
	active, err := b.m.store.ActiveAll(ctx)
	if err != nil {
		return nil, err
	}
	now := b.opts.Now()

	var results []BakeResult
	for _, v := range active {
		if b.judged(bakeKey(v)) || now.Sub(v.UpdatedAt) < b.opts.Period {
			continue
		}
		res, done, err := b.judge(ctx, v)
		if err != nil {
			logging.RollbackWarn("judging %s version %d: %v", v.Skill, v.Seq, err)
			continue
		}
		if done {
			results = append(results, res)
		}
	}
	return results, nil
}

func (b *BakeMonitor) judged(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baked[key]
}

func (b *BakeMonitor) markJudged(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baked[key] = true
}

// judge returns done=false while the version has too few calls to decide.
func (b *BakeMonitor) judge(ctx context.Context, v types.PatchVersion) (BakeResult, bool, error) {
	unlock := b.m.lock(v.Skill)
	defer unlock()

	cur, err := b.m.store.Active(ctx, v.Skill)
	if err != nil || bakeKey(cur) != bakeKey(v) {
		// Swapped since the listing; the new version gets its own bake.
		return BakeResult{}, false, err
	}

	delta := types.PatchPerformanceDelta{
		Skill:   v.Skill,
		Version: v.Seq,
		Since:   v.UpdatedAt,
		Before:  v.Baseline,
		After:   b.m.loader.Stats(v.Skill),
	}
	res := BakeResult{Skill: v.Skill, Version: v.Seq, Delta: delta}
	if delta.After.Calls < b.opts.Policy.MinCalls {
		return res, false, nil
	}
	b.markJudged(bakeKey(v))

	reason, regressed := delta.Regressed(b.opts.Policy)
	if !regressed {
		logging.Rollback("%s version %d baked: %d calls, error rate %.3f",
			v.Skill, v.Seq, delta.After.Calls, delta.After.ErrorRate())
		return res, true, nil
	}
	res.Regressed, res.Reason = true, reason
	logging.RollbackWarn("%s version %d regressed: %s", v.Skill, v.Seq, reason)
	if !b.opts.AutoRollback {
		return res, true, nil
	}

	if _, err := b.m.rollback(ctx, v.Skill, "bake", reason); err != nil {
		logging.RollbackWarn("automatic rollback of %s failed: %v", v.Skill, err)
	} else {
		res.RolledBack = true
	}
	if _, err := b.m.recordDeadEnd(ctx, v.Skill, v.DNA, "regression: "+reason); err != nil {
		return res, true, err
	}
	return res, true, nil
}
