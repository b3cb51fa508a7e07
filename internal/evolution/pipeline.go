// Package evolution runs the self-modification loop:
//
//	screening -> review -> compilation -> validation -> promotion -> complete
//
// A change that fails at any stage leaves the active version of its skill
// untouched.
package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"helix/internal/approval"
	"helix/internal/audit"
	"helix/internal/compiler"
	"helix/internal/diff"
	"helix/internal/logging"
	"helix/internal/metrics"
	"helix/internal/rollback"
	"helix/internal/types"
)

// Approver decides on a change.
type Approver interface {
	Submit(ctx context.Context, change *types.ProposedChange, overrideToken string) (*approval.Decision, error)
}

// Builder compiles an approved change.
type Builder interface {
	CompileChange(ctx context.Context, change *types.ProposedChange, outputPath string) (*compiler.Artifact, error)
}

// Runtime validates and runs artifacts.
type Runtime interface {
	Validate(path string) error
	Execute(ctx context.Context, name string, args any) (json.RawMessage, error)
}

// Promoter records and activates versions.
type Promoter interface {
	Active(ctx context.Context, skill string) (types.PatchVersion, error)
	IsDeadEnd(ctx context.Context, skill string, dna types.DNA) (bool, error)
	Promote(ctx context.Context, skill, artifactPath string, dna types.DNA) (types.PatchVersion, error)
}

// LoopStage identifies where in the loop a change got to.
type LoopStage int

const (
	StageScreening LoopStage = iota
	StageReview
	StageCompilation
	StageValidation
	StagePromotion
	StageComplete
)

func (s LoopStage) String() string {
	switch s {
	case StageScreening:
		return "screening"
	case StageReview:
		return "review"
	case StageCompilation:
		return "compilation"
	case StageValidation:
		return "validation"
	case StagePromotion:
		return "promotion"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

func (s LoopStage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// LoopResult is the outcome of one Evolve call.
type LoopResult struct {
	Success  bool                `json:"success"`
	Skill    string              `json:"skill"`
	DNA      types.DNA           `json:"dna"`
	Stage    LoopStage           `json:"stage"`
	Decision *approval.Decision  `json:"decision,omitempty"`
	Artifact *compiler.Artifact  `json:"artifact,omitempty"`
	Version  *types.PatchVersion `json:"version,omitempty"`
	Error    string              `json:"error,omitempty"`
	Duration time.Duration       `json:"duration"`

	Err error `json:"-"`
}

// Stats counts loop outcomes.
type Stats struct {
	Evolved       int       `json:"evolved"`
	Rejected      int       `json:"rejected"`
	BuildFailures int       `json:"build_failures"`
	LoadFailures  int       `json:"load_failures"`
	Promotions    int       `json:"promotions"`
	Executions    int       `json:"executions"`
	LastEvolution time.Time `json:"last_evolution"`
}

// Options configures a Pipeline.
type Options struct {
	Emitter        audit.Emitter
	Metrics        *metrics.Metrics
	ExecuteTimeout time.Duration
}

// Pipeline wires the gate, compiler, loader and version history into the
// evolution loop.
type Pipeline struct {
	approver Approver
	builder  Builder
	runtime  Runtime
	promoter Promoter
	opts     Options
	metrics  *metrics.Metrics

	mu    sync.Mutex
	stats Stats
}

// New returns a Pipeline.
func New(approver Approver, builder Builder, runtime Runtime, promoter Promoter, opts Options) *Pipeline {
	if opts.Emitter == nil {
		opts.Emitter = audit.Discard
	}
	return &Pipeline{
		approver: approver,
		builder:  builder,
		runtime:  runtime,
		promoter: promoter,
		opts:     opts,
		metrics:  metrics.OrNop(opts.Metrics),
	}
}

// Evolve takes change through every stage and reports how far it got.
func (p *Pipeline) Evolve(ctx context.Context, change *types.ProposedChange, overrideToken string) *LoopResult {
	start := time.Now()
	res := &LoopResult{Skill: change.Skill(), DNA: change.DNA(), Stage: StageScreening}
	logging.Pipeline("evolving %s@%s", change.Skill(), change.DNA().Short())

	defer func() {
		res.Duration = time.Since(start)
		outcome := "ok"
		if !res.Success {
			outcome = "failed"
		}
		p.metrics.PipelineRuns.WithLabelValues(res.Stage.String(), outcome).Inc()
		if res.Success {
			logging.Pipeline("%s@%s complete in %v", res.Skill, res.DNA.Short(), res.Duration)
		} else {
			logging.PipelineWarn("%s@%s stopped at %s after %v: %s", res.Skill, res.DNA.Short(), res.Stage, res.Duration, res.Error)
		}
	}()

	fail := func(err error, count *int) *LoopResult {
		res.Err = err
		res.Error = err.Error()
		p.mu.Lock()
		*count++
		p.mu.Unlock()
		return res
	}

	// Screening: integrity and dead-end memory, before any reviewer is paid.
	timer := logging.StartTimer(logging.CategoryPipeline, "screening "+change.Skill())
	if err := change.Verify(); err != nil {
		timer.Stop()
		return fail(err, &p.stats.Rejected)
	}
	dead, err := p.promoter.IsDeadEnd(ctx, change.Skill(), change.DNA())
	timer.Stop()
	if err != nil {
		return fail(fmt.Errorf("dead-end lookup: %w", err), &p.stats.Rejected)
	}
	if dead {
		return fail(fmt.Errorf("%s@%s is a known dead end", change.Skill(), change.DNA().Short()), &p.stats.Rejected)
	}
	if change.Diff() == "" {
		change = p.withActiveDiff(ctx, change)
	}

	res.Stage = StageReview
	timer = logging.StartTimer(logging.CategoryPipeline, "review "+change.Skill())
	decision, err := p.approver.Submit(ctx, change, overrideToken)
	timer.Stop()
	res.Decision = decision
	if err != nil {
		return fail(err, &p.stats.Rejected)
	}
	if !decision.Approved() {
		return fail(fmt.Errorf("rejected: %s", decision.Reason), &p.stats.Rejected)
	}
	if decision.Change != nil {
		change = decision.Change
	}

	res.Stage = StageCompilation
	timer = logging.StartTimer(logging.CategoryPipeline, "compilation "+change.Skill())
	art, err := p.builder.CompileChange(ctx, change, "")
	timer.Stop()
	if err != nil {
		p.emitBuildFailure(change, err)
		return fail(err, &p.stats.BuildFailures)
	}
	res.Artifact = art
	if err := os.WriteFile(SourcePath(art.Path), []byte(change.Source()), 0644); err != nil {
		logging.PipelineWarn("keeping source of %s: %v", change, err)
	}

	res.Stage = StageValidation
	if err := p.runtime.Validate(art.Path); err != nil {
		return fail(err, &p.stats.LoadFailures)
	}

	res.Stage = StagePromotion
	timer = logging.StartTimer(logging.CategoryPipeline, "promotion "+change.Skill())
	v, err := p.promoter.Promote(ctx, change.Skill(), art.Path, change.DNA())
	timer.Stop()
	if err != nil {
		return fail(err, &p.stats.LoadFailures)
	}
	res.Version = &v

	res.Stage = StageComplete
	res.Success = true
	p.mu.Lock()
	p.stats.Evolved++
	p.stats.Promotions++
	p.stats.LastEvolution = time.Now()
	p.mu.Unlock()
	return res
}

// SourcePath is where the source an artifact was built from is kept.
func SourcePath(artifactPath string) string { return artifactPath + ".src" }

// withActiveDiff attaches a diff against the source of the active version.
// A skill with no active version diffs against an empty file; an active
// version whose source was not kept gets no diff.
func (p *Pipeline) withActiveDiff(ctx context.Context, change *types.ProposedChange) *types.ProposedChange {
	oldName, oldSrc := "/dev/null", ""
	v, err := p.promoter.Active(ctx, change.Skill())
	switch {
	case errors.Is(err, rollback.ErrNoActiveVersion):
	case err != nil:
		logging.PipelineWarn("active version of %s: %v", change.Skill(), err)
		return change
	default:
		b, err := os.ReadFile(SourcePath(v.ArtifactPath))
		if err != nil {
			logging.PipelineDebug("no source kept for %s@%s: %v", v.Skill, v.DNA.Short(), err)
			return change
		}
		oldName, oldSrc = fmt.Sprintf("%s@%s", v.Skill, v.DNA.Short()), string(b)
	}
	d := diff.Compute(oldName, change.String(), oldSrc, change.Source(), diff.DefaultContext)
	logging.PipelineDebug("%s: +%d -%d against %s", change, d.Added, d.Removed, oldName)
	return change.Diffed(d.String())
}

func (p *Pipeline) emitBuildFailure(change *types.ProposedChange, err error) {
	rec := audit.NewRecord(audit.KindBuildFailure, change.Skill(), change.DNA())
	rec.Status = "failed"
	rec.Reason = err.Error()
	var be *compiler.BuildError
	if errors.As(err, &be) {
		rec.BuildLog = be.Log
	}
	p.opts.Emitter.Emit(rec)
}

// Execute runs the currently loaded version of skill.
func (p *Pipeline) Execute(ctx context.Context, skill string, args any) (json.RawMessage, error) {
	if p.opts.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ExecuteTimeout)
		defer cancel()
	}
	p.mu.Lock()
	p.stats.Executions++
	p.mu.Unlock()
	return p.runtime.Execute(ctx, skill, args)
}

// Stats returns a copy of the loop counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
