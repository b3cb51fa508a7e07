package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"helix/internal/audit"
	"helix/internal/store"
	"helix/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu     sync.Mutex
	loaded map[string]string
	fail   map[string]bool
	stats  map[string]types.MetricsSnapshot
	loads  int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		loaded: map[string]string{},
		fail:   map[string]bool{},
		stats:  map[string]types.MetricsSnapshot{},
	}
}

func (f *fakeLoader) Load(path, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.fail[path] {
		return fmt.Errorf("cannot open %s", path)
	}
	f.loaded[name] = path
	f.stats[name] = types.MetricsSnapshot{}
	return nil
}

func (f *fakeLoader) Unload(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.loaded[name]
	delete(f.loaded, name)
	return ok
}

func (f *fakeLoader) Stats(name string) types.MetricsSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[name]
}

func (f *fakeLoader) path(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[name]
}

func (f *fakeLoader) setStats(name string, s types.MetricsSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[name] = s
}

type recordingEmitter struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (r *recordingEmitter) Emit(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordingEmitter) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Kind
	for _, rec := range r.recs {
		out = append(out, rec.Kind)
	}
	return out
}

func newManager(t *testing.T) (*Manager, *store.VersionStore, *fakeLoader, *recordingEmitter) {
	t.Helper()
	vs, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	l := newFakeLoader()
	em := &recordingEmitter{}
	return NewManager(vs, l, Options{Emitter: em}), vs, l, em
}

func dna(s string) types.DNA { return types.ComputeDNA(s) }

func activeCount(t *testing.T, m *Manager, skill string) int {
	t.Helper()
	vs, err := m.Versions(context.Background(), skill)
	require.NoError(t, err)
	n := 0
	for _, v := range vs {
		if v.Status == types.PatchActive {
			n++
		}
	}
	return n
}

func TestPromoteSupersedesAndSwaps(t *testing.T) {
	ctx := context.Background()
	m, _, l, em := newManager(t)

	v1, err := m.Promote(ctx, "adder", "/a/v1.so", dna("v1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Seq)
	assert.Equal(t, "/a/v1.so", l.path("adder"))

	l.setStats("adder", types.MetricsSnapshot{Calls: 10, Errors: 1})
	v2, err := m.Promote(ctx, "adder", "/a/v2.so", dna("v2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Seq)
	assert.Equal(t, int64(10), v2.Baseline.Calls, "outgoing counters become the baseline")
	assert.Equal(t, "/a/v2.so", l.path("adder"))

	versions, err := m.Versions(ctx, "adder")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, types.PatchSuperseded, versions[0].Status)
	assert.Equal(t, types.PatchActive, versions[1].Status)
	assert.Equal(t, 1, activeCount(t, m, "adder"))
	require.NoError(t, m.VerifyChain(ctx, "adder"))

	assert.Equal(t, []audit.Kind{audit.KindPromotion, audit.KindPromotion}, em.kinds())
}

func TestPromoteLoadFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	m, _, l, _ := newManager(t)

	_, err := m.Promote(ctx, "adder", "/a/v1.so", dna("v1"))
	require.NoError(t, err)

	l.fail["/a/broken.so"] = true
	_, err = m.Promote(ctx, "adder", "/a/broken.so", dna("broken"))
	var rerr *RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "promote", rerr.Op)

	active, err := m.Active(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Seq)
	assert.Equal(t, "/a/v1.so", l.path("adder"))

	versions, err := m.Versions(ctx, "adder")
	require.NoError(t, err)
	assert.Len(t, versions, 1, "failed promotion leaves no record")
}

func TestPromoteDeadEndTouchesNothing(t *testing.T) {
	ctx := context.Background()
	m, _, l, _ := newManager(t)

	_, err := m.RecordDeadEnd(ctx, "adder", dna("bad"), "lethal: process-execution")
	require.NoError(t, err)

	_, err = m.Promote(ctx, "adder", "/a/bad.so", dna("bad"))
	assert.ErrorIs(t, err, ErrDeadEnd)
	assert.Zero(t, l.loads)
}

func TestRollbackSkipsRolledBackAndDeadEnds(t *testing.T) {
	ctx := context.Background()
	m, _, l, em := newManager(t)

	for i := 1; i <= 4; i++ {
		_, err := m.Promote(ctx, "adder", fmt.Sprintf("/a/v%d.so", i), dna(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	// v3 is blacklisted while superseded.
	_, err := m.RecordDeadEnd(ctx, "adder", dna("v3"), "regression")
	require.NoError(t, err)

	prior, err := m.Rollback(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, int64(2), prior.Seq)
	assert.Equal(t, types.PatchActive, prior.Status)
	assert.Equal(t, "/a/v2.so", l.path("adder"))

	prior, err = m.Rollback(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prior.Seq)

	_, err = m.Rollback(ctx, "adder")
	assert.ErrorIs(t, err, ErrNoPriorVersion)
	assert.Equal(t, "/a/v1.so", l.path("adder"))

	versions, err := m.Versions(ctx, "adder")
	require.NoError(t, err)
	got := map[int64]types.PatchStatus{}
	for _, v := range versions {
		got[v.Seq] = v.Status
	}
	assert.Equal(t, map[int64]types.PatchStatus{
		1: types.PatchActive,
		2: types.PatchRolledBack,
		3: types.PatchDeadEnd,
		4: types.PatchRolledBack,
	}, got)
	assert.Equal(t, 1, activeCount(t, m, "adder"))
	assert.Contains(t, em.kinds(), audit.KindRollback)
	assert.Contains(t, em.kinds(), audit.KindDeadEnd)
}

func TestRollbackWithoutHistory(t *testing.T) {
	m, _, _, _ := newManager(t)
	_, err := m.Rollback(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNoActiveVersion)
}

func TestRollbackLoadFailureKeepsActive(t *testing.T) {
	ctx := context.Background()
	m, _, l, _ := newManager(t)
	_, err := m.Promote(ctx, "adder", "/a/v1.so", dna("v1"))
	require.NoError(t, err)
	_, err = m.Promote(ctx, "adder", "/a/v2.so", dna("v2"))
	require.NoError(t, err)

	l.fail["/a/v1.so"] = true
	_, err = m.Rollback(ctx, "adder")
	require.Error(t, err)

	active, err := m.Active(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, int64(2), active.Seq)
	assert.Equal(t, "/a/v2.so", l.path("adder"))
}

func TestRecordDeadEndIncrements(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)

	rec, err := m.RecordDeadEnd(ctx, "adder", dna("x"), "first")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Occurrences)
	rec, err = m.RecordDeadEnd(ctx, "adder", dna("x"), "second")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Occurrences)
	assert.Equal(t, "first", rec.Reason)

	dead, err := m.IsDeadEnd(ctx, "adder", dna("x"))
	require.NoError(t, err)
	assert.True(t, dead)
	dead, err = m.IsDeadEnd(ctx, "other", dna("x"))
	require.NoError(t, err)
	assert.False(t, dead, "dead ends are per skill")

	all, err := m.DeadEnds(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecordDeadEndWaitsForSkillWriter(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)
	_, err := m.Promote(ctx, "adder", "/a/v1.so", dna("v1"))
	require.NoError(t, err)

	unlock := m.lock("adder")
	done := make(chan error, 1)
	go func() {
		_, err := m.RecordDeadEnd(ctx, "adder", dna("v1"), "lethal")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("dead end recorded while a promotion held the skill")
	case <-time.After(20 * time.Millisecond):
	}
	// Other skills are not blocked.
	_, err = m.RecordDeadEnd(ctx, "other", dna("v1"), "lethal")
	require.NoError(t, err)

	unlock()
	require.NoError(t, <-done)
	dead, err := m.IsDeadEnd(ctx, "adder", dna("v1"))
	require.NoError(t, err)
	assert.True(t, dead)
	active, err := m.Active(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, types.PatchActive, active.Status, "the active version is never marked")
}

func TestRollbackRefreshesBaseline(t *testing.T) {
	ctx := context.Background()
	m, _, l, _ := newManager(t)
	_, err := m.Promote(ctx, "adder", "/a/v1.so", dna("v1"))
	require.NoError(t, err)
	l.setStats("adder", types.MetricsSnapshot{Calls: 100})
	v2, err := m.Promote(ctx, "adder", "/a/v2.so", dna("v2"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), v2.Baseline.Calls)

	l.setStats("adder", types.MetricsSnapshot{Calls: 40, Errors: 20})
	prior, err := m.Rollback(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, int64(40), prior.Baseline.Calls)

	active, err := m.Active(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Seq)
	assert.Equal(t, int64(40), active.Baseline.Calls)
	assert.Equal(t, int64(20), active.Baseline.Errors)
	require.NoError(t, m.VerifyChain(ctx, "adder"), "baseline is outside the chain")
}

func TestRestoreLoadsActive(t *testing.T) {
	ctx := context.Background()
	m, vs, _, _ := newManager(t)
	for _, s := range []string{"a", "b", "c"} {
		_, err := m.Promote(ctx, s, "/x/"+s+".so", dna(s))
		require.NoError(t, err)
	}

	fresh := newFakeLoader()
	fresh.fail["/x/b.so"] = true
	m2 := NewManager(vs, fresh, Options{})
	n, err := m2.Restore(ctx)
	assert.Equal(t, 2, n)
	var rerr *RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "b", rerr.Skill)
	assert.Equal(t, "/x/a.so", fresh.path("a"))
	assert.Equal(t, "/x/c.so", fresh.path("c"))
}

func TestConcurrentPromotionsKeepOneActive(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Promote(ctx, "adder", fmt.Sprintf("/a/%d.so", i), dna(fmt.Sprint(i)))
			assert.NoError(t, err)
			if i%4 == 0 {
				_, err := m.Rollback(ctx, "adder")
				if err != nil {
					assert.True(t, errors.Is(err, ErrNoPriorVersion), "unexpected %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, activeCount(t, m, "adder"))
	require.NoError(t, m.VerifyChain(ctx, "adder"))
}

func TestPerformanceDelta(t *testing.T) {
	ctx := context.Background()
	m, _, l, _ := newManager(t)
	_, err := m.Promote(ctx, "adder", "/a/v1.so", dna("v1"))
	require.NoError(t, err)
	l.setStats("adder", types.MetricsSnapshot{Calls: 100, Errors: 1, TotalTime: 100 * time.Millisecond})
	_, err = m.Promote(ctx, "adder", "/a/v2.so", dna("v2"))
	require.NoError(t, err)
	l.setStats("adder", types.MetricsSnapshot{Calls: 50, Errors: 10, TotalTime: 50 * time.Millisecond})

	d, err := m.PerformanceDelta(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Version)
	assert.InDelta(t, 0.19, d.ErrorRateDelta(), 1e-9)

	_, err = m.PerformanceDelta(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNoActiveVersion)
}

func TestBakeMonitor(t *testing.T) {
	ctx := context.Background()
	policy := types.RegressionPolicy{MinCalls: 20, MaxErrorRateIncrease: 0.05}

	setup := func(t *testing.T) (*Manager, *fakeLoader) {
		m, _, l, _ := newManager(t)
		_, err := m.Promote(ctx, "adder", "/a/v1.so", dna("v1"))
		require.NoError(t, err)
		l.setStats("adder", types.MetricsSnapshot{Calls: 100})
		_, err = m.Promote(ctx, "adder", "/a/v2.so", dna("v2"))
		require.NoError(t, err)
		return m, l
	}
	later := func() time.Time { return time.Now().Add(time.Hour) }

	t.Run("waits for the bake period", func(t *testing.T) {
		m, l := setup(t)
		l.setStats("adder", types.MetricsSnapshot{Calls: 100, Errors: 50})
		b := NewBakeMonitor(m, BakeOptions{Period: time.Hour * 2, Policy: policy, AutoRollback: true, Now: later})
		res, err := b.Check(ctx)
		require.NoError(t, err)
		assert.Empty(t, res)
	})
	t.Run("waits for enough calls", func(t *testing.T) {
		m, l := setup(t)
		l.setStats("adder", types.MetricsSnapshot{Calls: 5, Errors: 5})
		b := NewBakeMonitor(m, BakeOptions{Period: time.Minute, Policy: policy, AutoRollback: true, Now: later})
		res, err := b.Check(ctx)
		require.NoError(t, err)
		assert.Empty(t, res)
	})
	t.Run("healthy version is judged once", func(t *testing.T) {
		m, l := setup(t)
		l.setStats("adder", types.MetricsSnapshot{Calls: 40, Errors: 1})
		b := NewBakeMonitor(m, BakeOptions{Period: time.Minute, Policy: policy, AutoRollback: true, Now: later})
		res, err := b.Check(ctx)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.False(t, res[0].Regressed)
		res, err = b.Check(ctx)
		require.NoError(t, err)
		assert.Empty(t, res)
	})
	t.Run("regression rolls back and blacklists", func(t *testing.T) {
		m, l := setup(t)
		l.setStats("adder", types.MetricsSnapshot{Calls: 40, Errors: 20})
		b := NewBakeMonitor(m, BakeOptions{Period: time.Minute, Policy: policy, AutoRollback: true, Now: later})
		res, err := b.Check(ctx)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.True(t, res[0].Regressed)
		assert.True(t, res[0].RolledBack)
		assert.Contains(t, res[0].Reason, "error rate")

		active, err := m.Active(ctx, "adder")
		require.NoError(t, err)
		assert.Equal(t, int64(1), active.Seq)
		assert.Equal(t, "/a/v1.so", l.path("adder"))

		dead, err := m.IsDeadEnd(ctx, "adder", dna("v2"))
		require.NoError(t, err)
		assert.True(t, dead)
		versions, err := m.Versions(ctx, "adder")
		require.NoError(t, err)
		assert.Equal(t, types.PatchDeadEnd, versions[1].Status)
	})
	t.Run("re-activated version is baked again", func(t *testing.T) {
		m, l := setup(t)
		l.setStats("adder", types.MetricsSnapshot{Calls: 40, Errors: 1})
		b := NewBakeMonitor(m, BakeOptions{Period: time.Minute, Policy: policy, AutoRollback: true, Now: later})
		res, err := b.Check(ctx)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, int64(2), res[0].Version)

		_, err = m.Rollback(ctx, "adder")
		require.NoError(t, err)
		l.setStats("adder", types.MetricsSnapshot{Calls: 40})
		res, err = b.Check(ctx)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, int64(1), res[0].Version)
		assert.Equal(t, int64(40), res[0].Delta.Before.Calls)
		assert.False(t, res[0].Regressed)
	})
	t.Run("report only", func(t *testing.T) {
		m, l := setup(t)
		l.setStats("adder", types.MetricsSnapshot{Calls: 40, Errors: 20})
		b := NewBakeMonitor(m, BakeOptions{Period: time.Minute, Policy: policy, Now: later})
		res, err := b.Check(ctx)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.True(t, res[0].Regressed)
		assert.False(t, res[0].RolledBack)
		active, err := m.Active(ctx, "adder")
		require.NoError(t, err)
		assert.Equal(t, int64(2), active.Seq)
	})
}

func TestBakeMonitorRunStops(t *testing.T) {
	m, _, _, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBakeMonitor(m, BakeOptions{Interval: time.Millisecond}).Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
