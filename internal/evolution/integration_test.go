package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"helix/internal/approval"
	"helix/internal/compiler"
	"helix/internal/loader"
	"helix/internal/review"
	"helix/internal/rollback"
	"helix/internal/store"
	"helix/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// artifactBuilder writes the change's short DNA as the "library" so the
// opener below can tell versions apart. Sources containing BROKEN fail.
type artifactBuilder struct{ dir string }

func (b artifactBuilder) CompileChange(_ context.Context, c *types.ProposedChange, _ string) (*compiler.Artifact, error) {
	if strings.Contains(c.Source(), "BROKEN") {
		return nil, &compiler.BuildError{
			Skill: c.Skill(), Stage: compiler.StageToolchain, ExitCode: 1,
			Log: "error: expected ';'", Err: errors.New("exit status 1"),
		}
	}
	path := filepath.Join(b.dir, c.Skill()+"-"+c.DNA().Short()+".so")
	if err := os.WriteFile(path, []byte(c.DNA().Short()), 0644); err != nil {
		return nil, err
	}
	return &compiler.Artifact{Path: path, Skill: c.Skill(), Toolchain: "fake"}, nil
}

// taggedModule answers every call with the tag of the artifact it was
// opened from.
type taggedModule struct{ tag string }

func (m taggedModule) Call([]byte) ([]byte, bool) {
	return []byte(`{"version":"` + m.tag + `"}`), true
}

func (taggedModule) Close() error { return nil }

func openTagged(path string) (loader.Module, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return taggedModule{tag: string(b)}, nil
}

// scriptedReviewer raises a Critical finding for anything spawning a shell.
type scriptedReviewer struct{ calls atomic.Int32 }

func (r *scriptedReviewer) Name() string { return "scripted" }

func (r *scriptedReviewer) ReviewText(context.Context, string) (review.ReviewResponse, error) {
	return review.ReviewResponse{}, errors.New("prompt reviews are not scripted")
}

func (r *scriptedReviewer) ReviewChange(_ context.Context, c *types.ProposedChange) ([]types.SecurityFinding, error) {
	r.calls.Add(1)
	if strings.Contains(c.Source(), "system(") {
		return []types.SecurityFinding{{
			Severity:  types.SeverityCritical,
			Category:  types.CategoryProcessExec,
			Rationale: "spawns a shell with argument data",
		}}, nil
	}
	return nil, nil
}

type kernel struct {
	pipeline *Pipeline
	manager  *rollback.Manager
	registry *loader.Registry
	reviewer *scriptedReviewer
}

func newKernel(t *testing.T) *kernel {
	t.Helper()
	vs, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })

	reg := loader.NewRegistry(loader.Options{Opener: openTagged})
	t.Cleanup(reg.Close)

	k := &kernel{registry: reg, reviewer: &scriptedReviewer{}}
	k.manager = rollback.NewManager(vs, reg, rollback.Options{})
	gate := approval.NewGate(
		review.NewGate(review.GateOptions{MinResponses: 1}, k.reviewer),
		k.manager, vs,
		approval.Options{RequireOverrideAt: types.ChangeCritical},
	)
	k.pipeline = New(gate, artifactBuilder{dir: t.TempDir()}, reg, k.manager, Options{})
	return k
}

func (k *kernel) evolve(t *testing.T, src string) (*types.ProposedChange, *LoopResult) {
	t.Helper()
	c, err := types.NewProposedChange("adder", types.LanguageC, src)
	require.NoError(t, err)
	return c, k.pipeline.Evolve(context.Background(), c, "")
}

func (k *kernel) runningVersion(t *testing.T) string {
	t.Helper()
	raw, err := k.pipeline.Execute(context.Background(), "adder", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	var out struct {
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out.Version
}

func TestKernelEvolution(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)

	// Happy path: each promotion becomes the single active version.
	v1, res := k.evolve(t, "int add(int a, int b) { return a + b; }")
	require.True(t, res.Success, res.Error)
	v2, res := k.evolve(t, "int add(int a, int b) { return b + a; }")
	require.True(t, res.Success, res.Error)

	active, err := k.manager.Active(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, v2.DNA(), active.DNA)
	assert.Equal(t, v2.DNA().Short(), k.runningVersion(t))

	// A build failure leaves the previous version active and callable.
	_, res = k.evolve(t, "int add(int a, int b) { BROKEN }")
	assert.False(t, res.Success)
	assert.Equal(t, StageCompilation, res.Stage)
	var be *compiler.BuildError
	require.ErrorAs(t, res.Err, &be)

	active, err = k.manager.Active(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, v2.DNA(), active.DNA)
	assert.Equal(t, v2.DNA().Short(), k.runningVersion(t))

	// A lethal change is rejected and remembered; resubmitting it is turned
	// away before any reviewer sees it.
	lethal, res := k.evolve(t, `int add(int a, int b) { system("rm -rf /"); return 0; }`)
	assert.False(t, res.Success)
	assert.Equal(t, StageReview, res.Stage)
	require.NotNil(t, res.Decision)
	assert.True(t, res.Decision.Consensus.Lethal)

	dead, err := k.manager.IsDeadEnd(ctx, "adder", lethal.DNA())
	require.NoError(t, err)
	assert.True(t, dead)

	reviews := k.reviewer.calls.Load()
	_, res = k.evolve(t, lethal.Source())
	assert.False(t, res.Success)
	assert.Equal(t, StageScreening, res.Stage)
	assert.Contains(t, res.Error, "dead end")
	assert.Equal(t, reviews, k.reviewer.calls.Load(), "no review for a known dead end")

	assert.Equal(t, v2.DNA().Short(), k.runningVersion(t))

	// Rolling back restores the first version end to end.
	prior, err := k.manager.Rollback(ctx, "adder")
	require.NoError(t, err)
	assert.Equal(t, v1.DNA(), prior.DNA)
	assert.Equal(t, v1.DNA().Short(), k.runningVersion(t))

	versions, err := k.manager.Versions(ctx, "adder")
	require.NoError(t, err)
	activeCount := 0
	for _, v := range versions {
		if v.Status == types.PatchActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
	require.NoError(t, k.manager.VerifyChain(ctx, "adder"))

	stats := k.pipeline.Stats()
	assert.Equal(t, 2, stats.Promotions)
	assert.Equal(t, 1, stats.BuildFailures)
	assert.Equal(t, 2, stats.Rejected)
}
