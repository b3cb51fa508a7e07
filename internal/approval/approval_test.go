package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"helix/internal/audit"
	"helix/internal/classify"
	"helix/internal/override"
	"helix/internal/review"
	"helix/internal/store"
	"helix/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsensus struct {
	result types.ConsensusResult
	calls  atomic.Int32
}

func (f *fakeConsensus) Review(context.Context, *types.ProposedChange) types.ConsensusResult {
	f.calls.Add(1)
	return f.result
}

type fakeGenetics struct {
	mu    sync.Mutex
	dead  map[types.DNA]string
	err   error
	added int
}

func newGenetics() *fakeGenetics { return &fakeGenetics{dead: map[types.DNA]string{}} }

func (g *fakeGenetics) IsDeadEnd(_ context.Context, _ string, dna types.DNA) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	_, ok := g.dead[dna]
	return ok, nil
}

func (g *fakeGenetics) RecordDeadEnd(_ context.Context, skill string, dna types.DNA, reason string) (types.DeadEndRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dead[dna] = reason
	g.added++
	return types.DeadEndRecord{Skill: skill, DNA: dna, Reason: reason, Occurrences: 1}, nil
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

const secret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	gate      *Gate
	consensus *fakeConsensus
	genetics  *fakeGenetics
	history   *store.VersionStore
	emitter   *recordingEmitter
	issuer    *override.Issuer
}

func newFixture(t *testing.T, result types.ConsensusResult, mutate func(*Options)) *fixture {
	t.Helper()
	vs, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	iss, err := override.NewIssuer(secret, time.Minute)
	require.NoError(t, err)

	f := &fixture{
		consensus: &fakeConsensus{result: result},
		genetics:  newGenetics(),
		history:   vs,
		emitter:   &recordingEmitter{},
		issuer:    iss,
	}
	opts := Options{
		RequireOverrideAt: types.ChangeCritical,
		AllowHighOverride: true,
		Issuer:            iss,
		Emitter:           f.emitter,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.gate = NewGate(f.consensus, f.genetics, vs, opts)
	return f
}

func change(t *testing.T, src string) *types.ProposedChange {
	t.Helper()
	c, err := types.NewProposedChange("adder", types.LanguageC, src, types.WithSubmitter("synth"))
	require.NoError(t, err)
	return c
}

func high() types.ConsensusResult {
	return review.Reduce([]types.SecurityFinding{{Severity: types.SeverityHigh, Category: types.CategoryInjection, Reviewer: "r"}})
}

func TestApproveClean(t *testing.T) {
	f := newFixture(t, review.Reduce(nil), nil)
	d, err := f.gate.Submit(context.Background(), change(t, "int a;"), "")
	require.NoError(t, err)
	assert.True(t, d.Approved())
	assert.Empty(t, d.Override)

	recs, err := f.history.ReviewsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "synth", recs[0].Submitter)
	assert.Equal(t, types.StatusApproved, recs[0].Status)

	require.Len(t, f.emitter.recs, 1)
	assert.Equal(t, audit.KindDecision, f.emitter.recs[0].Kind)
	assert.Equal(t, "approved", f.emitter.recs[0].Status)
}

func TestDeadEndSkipsReview(t *testing.T) {
	f := newFixture(t, review.Reduce(nil), nil)
	c := change(t, "int a;")
	f.genetics.dead[c.DNA()] = "earlier"

	d, err := f.gate.Submit(context.Background(), c, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, d.Status)
	assert.Equal(t, "known dead end", d.Reason)
	assert.Equal(t, int32(0), f.consensus.calls.Load())
}

func TestLethalRecordsDeadEnd(t *testing.T) {
	lethal := review.Reduce([]types.SecurityFinding{{Severity: types.SeverityCritical, Category: types.CategoryExfiltration}})
	f := newFixture(t, lethal, nil)
	c := change(t, "int a;")

	tok, err := f.issuer.Mint("alice", c.Skill(), c.DNA())
	require.NoError(t, err)

	d, err := f.gate.Submit(context.Background(), c, tok)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, d.Status, "lethal ignores overrides")
	assert.True(t, d.Consensus.Lethal)
	assert.Equal(t, 1, f.genetics.added)

	d, err = f.gate.Submit(context.Background(), c, "")
	require.NoError(t, err)
	assert.Equal(t, "known dead end", d.Reason)
	assert.Equal(t, int32(1), f.consensus.calls.Load())
}

func TestHighFindingsNeedOverride(t *testing.T) {
	c := change(t, "int a;")

	t.Run("no token", func(t *testing.T) {
		f := newFixture(t, high(), nil)
		d, err := f.gate.Submit(context.Background(), c, "")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRejected, d.Status)
		assert.Contains(t, d.Reason, types.CategoryInjection)
	})
	t.Run("valid token", func(t *testing.T) {
		f := newFixture(t, high(), nil)
		tok, err := f.issuer.Mint("alice", c.Skill(), c.DNA())
		require.NoError(t, err)
		d, err := f.gate.Submit(context.Background(), c, tok)
		require.NoError(t, err)
		assert.True(t, d.Approved())
		assert.Equal(t, "alice", d.Override)
		assert.Equal(t, "alice", d.Consensus.Override)
		assert.Contains(t, d.Reason, "overridden by alice")
	})
	t.Run("token for another change", func(t *testing.T) {
		f := newFixture(t, high(), nil)
		tok, err := f.issuer.Mint("alice", c.Skill(), types.ComputeDNA("other"))
		require.NoError(t, err)
		d, err := f.gate.Submit(context.Background(), c, tok)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRejected, d.Status)
	})
	t.Run("policy forbids high overrides", func(t *testing.T) {
		f := newFixture(t, high(), func(o *Options) { o.AllowHighOverride = false })
		tok, err := f.issuer.Mint("alice", c.Skill(), c.DNA())
		require.NoError(t, err)
		d, err := f.gate.Submit(context.Background(), c, tok)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRejected, d.Status)
		assert.Contains(t, d.Reason, "override refused")
	})
	t.Run("overrides disabled", func(t *testing.T) {
		f := newFixture(t, high(), func(o *Options) { o.Issuer = nil })
		tok, err := f.issuer.Mint("alice", c.Skill(), c.DNA())
		require.NoError(t, err)
		d, err := f.gate.Submit(context.Background(), c, tok)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRejected, d.Status)
	})
}

func TestQuorumFailureIsNotOverridable(t *testing.T) {
	f := newFixture(t, types.ConsensusResult{Reason: "insufficient reviewer responses: 0 of 2, need 1"}, nil)
	c := change(t, "int a;")
	tok, err := f.issuer.Mint("alice", c.Skill(), c.DNA())
	require.NoError(t, err)
	d, err := f.gate.Submit(context.Background(), c, tok)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, d.Status)
}

func TestSeverityThreshold(t *testing.T) {
	cl, err := classify.New(nil)
	require.NoError(t, err)
	risky := change(t, "char *execute(const char *a) { system(a); return 0; }")

	f := newFixture(t, review.Reduce(nil), func(o *Options) { o.Classifier = cl })
	d, err := f.gate.Submit(context.Background(), risky, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, d.Status)
	assert.Equal(t, types.ChangeCritical, d.Severity)
	assert.Contains(t, d.Reason, "requires a human override")

	tok, err := f.issuer.Mint("bob", risky.Skill(), risky.DNA())
	require.NoError(t, err)
	d, err = f.gate.Submit(context.Background(), risky, tok)
	require.NoError(t, err)
	assert.True(t, d.Approved())
	assert.Equal(t, "bob", d.Override)

	f = newFixture(t, review.Reduce(nil), func(o *Options) {
		o.Classifier = cl
		o.RequireOverrideAt = types.ChangeHigh
	})
	d, err = f.gate.Submit(context.Background(), change(t, "int x(void) { return getenv(\"HOME\") != 0; }"), "")
	require.NoError(t, err)
	assert.True(t, d.Approved(), "medium change below a high threshold")
}

func TestGeneticsFailureFailsClosed(t *testing.T) {
	f := newFixture(t, review.Reduce(nil), nil)
	f.genetics.err = errors.New("database is locked")
	d, err := f.gate.Submit(context.Background(), change(t, "int a;"), "")
	require.Error(t, err)
	require.NotNil(t, d)
	assert.Equal(t, types.StatusRejected, d.Status)
	assert.Equal(t, int32(0), f.consensus.calls.Load())
}

func TestTicketTransitions(t *testing.T) {
	tk := NewTicket(change(t, "int a;"))
	assert.Equal(t, types.StatusPending, tk.Status())
	require.NoError(t, tk.Approve("ok"))
	assert.ErrorIs(t, tk.Reject("late"), ErrIllegalTransition)
	assert.ErrorIs(t, tk.Approve("again"), ErrIllegalTransition)
	assert.ErrorIs(t, tk.transition(types.StatusPending, "reset"), ErrIllegalTransition)
	assert.Equal(t, types.StatusApproved, tk.Status())
	assert.Len(t, tk.History(), 1)

	tk = NewTicket(change(t, "int b;"))
	assert.ErrorIs(t, tk.transition(types.StatusPending, "noop"), ErrIllegalTransition)
	require.NoError(t, tk.Reject("no"))
	assert.Equal(t, "no", tk.Reason())
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, high(), nil)
	c := change(t, "int a;")
	_, err := f.gate.Submit(ctx, c, "")
	require.NoError(t, err)
	tok, err := f.issuer.Mint("alice", c.Skill(), c.DNA())
	require.NoError(t, err)
	_, err = f.gate.Submit(ctx, c, tok)
	require.NoError(t, err)

	s, err := f.gate.Summary(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Decisions)
	assert.Equal(t, 1, s.Approved)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 1, s.Overridden)
	assert.Equal(t, 2, s.BySkill["adder"])
	assert.Equal(t, 2, s.BySeverity["high"])
	assert.Equal(t, 2, s.ByCategory[types.CategoryInjection])

	s, err = f.gate.Summary(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, s.Decisions)
}
