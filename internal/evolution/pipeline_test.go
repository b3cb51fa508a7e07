package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"helix/internal/approval"
	"helix/internal/audit"
	"helix/internal/compiler"
	"helix/internal/rollback"
	"helix/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApprover struct{ status types.ApprovalStatus }

func (f fakeApprover) Submit(_ context.Context, c *types.ProposedChange, _ string) (*approval.Decision, error) {
	return &approval.Decision{Status: f.status, Reason: "because", Skill: c.Skill(), DNA: c.DNA(), Change: c}, nil
}

type fakeBuilder struct {
	err error
	dir string
}

func (f fakeBuilder) CompileChange(_ context.Context, c *types.ProposedChange, _ string) (*compiler.Artifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	dir := f.dir
	if dir == "" {
		dir = "/nonexistent"
	}
	return &compiler.Artifact{Path: filepath.Join(dir, c.Skill()+"-"+c.DNA().Short()+".so"), Skill: c.Skill()}, nil
}

type fakeRuntime struct{ validateErr error }

func (f fakeRuntime) Validate(string) error { return f.validateErr }

func (fakeRuntime) Execute(_ context.Context, name string, _ any) (json.RawMessage, error) {
	return json.RawMessage(`{"skill":"` + name + `"}`), nil
}

type fakePromoter struct {
	mu       sync.Mutex
	dead     bool
	promoted []string
	err      error
}

func (f *fakePromoter) Active(_ context.Context, skill string) (types.PatchVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.promoted) == 0 {
		return types.PatchVersion{}, &rollback.RollbackError{Op: "active", Skill: skill, Err: rollback.ErrNoActiveVersion}
	}
	return types.PatchVersion{Skill: skill, ArtifactPath: f.promoted[len(f.promoted)-1], Status: types.PatchActive}, nil
}

func (f *fakePromoter) IsDeadEnd(context.Context, string, types.DNA) (bool, error) { return f.dead, nil }

func (f *fakePromoter) Promote(_ context.Context, skill, path string, dna types.DNA) (types.PatchVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.PatchVersion{}, f.err
	}
	f.promoted = append(f.promoted, path)
	return types.PatchVersion{Skill: skill, Seq: int64(len(f.promoted)), DNA: dna, ArtifactPath: path, Status: types.PatchActive}, nil
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

func newChange(t *testing.T) *types.ProposedChange {
	t.Helper()
	c, err := types.NewProposedChange("adder", types.LanguageRust, "pub fn add() {}")
	require.NoError(t, err)
	return c
}

func TestEvolveStages(t *testing.T) {
	buildErr := &compiler.BuildError{Skill: "adder", Stage: compiler.StageToolchain, ExitCode: 101, Log: "error[E0425]: cannot find value", Err: errors.New("exit status 101")}

	tests := []struct {
		name      string
		approver  fakeApprover
		builder   fakeBuilder
		runtime   fakeRuntime
		promoter  *fakePromoter
		wantStage LoopStage
		wantOK    bool
		check     func(t *testing.T, s Stats)
	}{
		{
			name:      "complete",
			approver:  fakeApprover{status: types.StatusApproved},
			promoter:  &fakePromoter{},
			wantStage: StageComplete,
			wantOK:    true,
			check: func(t *testing.T, s Stats) {
				assert.Equal(t, 1, s.Evolved)
				assert.Equal(t, 1, s.Promotions)
			},
		},
		{
			name:      "dead end",
			approver:  fakeApprover{status: types.StatusApproved},
			promoter:  &fakePromoter{dead: true},
			wantStage: StageScreening,
			check:     func(t *testing.T, s Stats) { assert.Equal(t, 1, s.Rejected) },
		},
		{
			name:      "rejected",
			approver:  fakeApprover{status: types.StatusRejected},
			promoter:  &fakePromoter{},
			wantStage: StageReview,
			check:     func(t *testing.T, s Stats) { assert.Equal(t, 1, s.Rejected) },
		},
		{
			name:      "build failure",
			approver:  fakeApprover{status: types.StatusApproved},
			builder:   fakeBuilder{err: buildErr},
			promoter:  &fakePromoter{},
			wantStage: StageCompilation,
			check:     func(t *testing.T, s Stats) { assert.Equal(t, 1, s.BuildFailures) },
		},
		{
			name:      "validation failure",
			approver:  fakeApprover{status: types.StatusApproved},
			runtime:   fakeRuntime{validateErr: errors.New("missing symbol")},
			promoter:  &fakePromoter{},
			wantStage: StageValidation,
			check:     func(t *testing.T, s Stats) { assert.Equal(t, 1, s.LoadFailures) },
		},
		{
			name:      "promotion failure",
			approver:  fakeApprover{status: types.StatusApproved},
			promoter:  &fakePromoter{err: errors.New("database is locked")},
			wantStage: StagePromotion,
			check:     func(t *testing.T, s Stats) { assert.Equal(t, 1, s.LoadFailures) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			em := &recordingEmitter{}
			p := New(tt.approver, tt.builder, tt.runtime, tt.promoter, Options{Emitter: em})
			res := p.Evolve(context.Background(), newChange(t), "")

			assert.Equal(t, tt.wantStage, res.Stage, res.Error)
			assert.Equal(t, tt.wantOK, res.Success)
			if tt.wantOK {
				require.NotNil(t, res.Version)
				assert.Equal(t, res.Artifact.Path, res.Version.ArtifactPath)
				assert.Empty(t, res.Error)
			} else {
				assert.NotEmpty(t, res.Error)
				assert.Error(t, res.Err)
				assert.Empty(t, tt.promoter.promoted)
			}
			tt.check(t, p.Stats())

			if tt.wantStage == StageCompilation {
				require.Len(t, em.recs, 1)
				assert.Equal(t, audit.KindBuildFailure, em.recs[0].Kind)
				assert.Contains(t, em.recs[0].BuildLog, "E0425")
			} else {
				assert.Empty(t, em.recs)
			}
		})
	}
}

func TestLoopStageString(t *testing.T) {
	assert.Equal(t, "screening", StageScreening.String())
	assert.Equal(t, "complete", StageComplete.String())
	assert.Equal(t, "unknown", LoopStage(42).String())

	b, err := json.Marshal(&LoopResult{Stage: StageValidation})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"stage":"validation"`)
}

func TestExecuteForwards(t *testing.T) {
	p := New(fakeApprover{}, fakeBuilder{}, fakeRuntime{}, &fakePromoter{}, Options{})
	out, err := p.Execute(context.Background(), "adder", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"skill":"adder"}`, string(out))
	assert.Equal(t, 1, p.Stats().Executions)
}

func TestEvolveAttachesDiffAgainstActive(t *testing.T) {
	dir := t.TempDir()
	promoter := &fakePromoter{}
	p := New(fakeApprover{status: types.StatusApproved}, fakeBuilder{dir: dir}, fakeRuntime{}, promoter, Options{})

	first := newChange(t)
	res := p.Evolve(context.Background(), first, "")
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Decision.Change.Diff(), "--- /dev/null")
	assert.Contains(t, res.Decision.Change.Diff(), "+pub fn add() {}")

	kept, err := os.ReadFile(SourcePath(res.Artifact.Path))
	require.NoError(t, err)
	assert.Equal(t, first.Source(), string(kept))

	second, err := types.NewProposedChange("adder", types.LanguageRust, "pub fn add() { 1 }")
	require.NoError(t, err)
	res = p.Evolve(context.Background(), second, "")
	require.True(t, res.Success, res.Error)
	d := res.Decision.Change.Diff()
	assert.Contains(t, d, "-pub fn add() {}\n+pub fn add() { 1 }\n")
	assert.Equal(t, second.DNA(), res.Decision.Change.DNA())

	explicit, err := types.NewProposedChange("adder", types.LanguageRust, "pub fn add() { 2 }", types.WithDiff("supplied"))
	require.NoError(t, err)
	res = p.Evolve(context.Background(), explicit, "")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "supplied", res.Decision.Change.Diff())
}

func TestEvolveWithoutKeptSourceHasNoDiff(t *testing.T) {
	promoter := &fakePromoter{promoted: []string{"/nonexistent/adder-old.so"}}
	p := New(fakeApprover{status: types.StatusApproved}, fakeBuilder{}, fakeRuntime{}, promoter, Options{})

	res := p.Evolve(context.Background(), newChange(t), "")
	require.True(t, res.Success, res.Error)
	assert.Empty(t, res.Decision.Change.Diff())
}
