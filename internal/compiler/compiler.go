// Package compiler turns skill source into native shared libraries by
// driving an external release-mode toolchain in an isolated scratch
// directory.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"helix/internal/logging"
	"helix/internal/metrics"
	"helix/internal/types"

	"golang.org/x/sync/semaphore"
)

// Options configures a Compiler.
type Options struct {
	ArtifactsDir string
	Timeout      time.Duration
	MaxParallel  int64
	KeepScratch  bool
	GOOS         string // artifact naming; defaults to the host
	Metrics      *metrics.Metrics
}

// Artifact is a built shared library that outlives its scratch directory.
type Artifact struct {
	Path      string
	Skill     string
	Hash      string // sha256 of the library bytes
	Toolchain string
	BuildTime time.Duration
	Log       string
}

// Compiler builds skills. Builds are bounded by a weighted semaphore so they
// never crowd out skill execution.
type Compiler struct {
	opts       Options
	toolchains []Toolchain
	sem        *semaphore.Weighted
	metrics    *metrics.Metrics
}

// New returns a Compiler. The first toolchain is the default for
// CompileFromString.
func New(opts Options, toolchains ...Toolchain) (*Compiler, error) {
	if len(toolchains) == 0 {
		return nil, errors.New("compiler: no toolchains configured")
	}
	if opts.ArtifactsDir == "" {
		return nil, errors.New("compiler: artifacts directory required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.GOOS == "" {
		opts.GOOS = hostOS()
	}
	return &Compiler{
		opts:       opts,
		toolchains: toolchains,
		sem:        semaphore.NewWeighted(opts.MaxParallel),
		metrics:    metrics.OrNop(opts.Metrics),
	}, nil
}

// Toolchains returns the configured toolchains.
func (c *Compiler) Toolchains() []Toolchain { return c.toolchains }

// CompileFromString builds source as the entire implementation of skill with
// the default toolchain. An empty outputPath selects
// <artifacts>/<skill>/<skill>-<dna12><ext>.
func (c *Compiler) CompileFromString(ctx context.Context, source, skill, outputPath string) (*Artifact, error) {
	return c.compileSource(ctx, c.toolchains[0], source, skill, outputPath)
}

// CompileChange builds a proposed change with the toolchain for its language.
func (c *Compiler) CompileChange(ctx context.Context, change *types.ProposedChange, outputPath string) (*Artifact, error) {
	for _, tc := range c.toolchains {
		if tc.Language() == change.Language() {
			return c.compileSource(ctx, tc, change.Source(), change.Skill(), outputPath)
		}
	}
	return nil, &BuildError{
		Skill: change.Skill(), Stage: StageDetect, ExitCode: -1,
		Err: fmt.Errorf("no toolchain for language %q", change.Language()),
	}
}

func (c *Compiler) compileSource(ctx context.Context, tc Toolchain, source, skill, outputPath string) (*Artifact, error) {
	if err := types.ValidateSkillName(skill); err != nil {
		return nil, &BuildError{Skill: skill, Stage: StageScaffold, ExitCode: -1, Err: err}
	}
	dna := types.ComputeDNA(source)
	dest := func(string) string {
		if outputPath != "" {
			return outputPath
		}
		return c.DefaultPath(skill, dna.Short())
	}
	scaffold := func(dir string) error { return tc.Scaffold(dir, skill, source) }
	return c.build(ctx, tc, skill, "", scaffold, dest)
}

// CompileFromPath builds an existing project. The toolchain is chosen by the
// manifest present in projectRoot; without one this fails before any
// toolchain runs.
func (c *Compiler) CompileFromPath(ctx context.Context, projectRoot string) (*Artifact, error) {
	fi, err := os.Stat(projectRoot)
	if err != nil || !fi.IsDir() {
		return nil, &BuildError{Skill: filepath.Base(projectRoot), Stage: StageDetect, ExitCode: -1,
			Err: fmt.Errorf("%s is not a directory", projectRoot)}
	}

	var tc Toolchain
	var manifests []string
	for _, t := range c.toolchains {
		manifests = append(manifests, t.Manifest())
		if _, err := os.Stat(filepath.Join(projectRoot, t.Manifest())); err == nil {
			tc = t
			break
		}
	}
	if tc == nil {
		return nil, &BuildError{Skill: filepath.Base(projectRoot), Stage: StageDetect, ExitCode: -1,
			Err: fmt.Errorf("%s is not a buildable project: none of %v found", projectRoot, manifests)}
	}

	unit, err := tc.UnitName(projectRoot)
	if err != nil {
		return nil, &BuildError{Skill: filepath.Base(projectRoot), Stage: StageDetect, ExitCode: -1, Err: err}
	}
	// The unit name becomes a directory and file name under ArtifactsDir.
	if err := types.ValidateSkillName(unit); err != nil {
		return nil, &BuildError{Skill: filepath.Base(projectRoot), Stage: StageDetect, ExitCode: -1, Err: err}
	}
	dest := func(hash string) string { return c.DefaultPath(unit, hash[:12]) }
	return c.build(ctx, tc, unit, projectRoot, nil, dest)
}

// DefaultPath is where an artifact for skill with the given short hash is
// placed when no output path is requested.
func (c *Compiler) DefaultPath(skill, shortHash string) string {
	return filepath.Join(c.opts.ArtifactsDir, skill, skill+"-"+shortHash+SharedLibExt(c.opts.GOOS))
}

func (c *Compiler) build(
	ctx context.Context,
	tc Toolchain,
	unit, projectDir string,
	scaffold func(dir string) error,
	dest func(hash string) string,
) (art *Artifact, err error) {
	start := time.Now()
	outcome := "failed"
	defer func() {
		c.metrics.BuildDuration.WithLabelValues(tc.Name(), outcome).Observe(time.Since(start).Seconds())
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		outcome = "canceled"
		return nil, &BuildError{Skill: unit, Stage: StageQueue, ExitCode: -1, Err: err}
	}
	defer c.sem.Release(1)

	scratch, err := os.MkdirTemp("", "helix-build-*")
	if err != nil {
		return nil, &BuildError{Skill: unit, Stage: StageScaffold, ExitCode: -1, Err: err}
	}
	if c.opts.KeepScratch {
		logging.CompilerDebug("keeping scratch directory %s", scratch)
	} else {
		defer os.RemoveAll(scratch)
	}

	if scaffold != nil {
		projectDir = filepath.Join(scratch, "src")
		if err := scaffold(projectDir); err != nil {
			return nil, &BuildError{Skill: unit, Stage: StageScaffold, ExitCode: -1, Err: err}
		}
	}

	logging.Compiler("building %s with %s", unit, tc.Name())
	buildCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	outDir, log, err := tc.Build(buildCtx, projectDir, scratch)
	if err != nil {
		be := &BuildError{Skill: unit, Stage: StageToolchain, ExitCode: -1, Log: Excerpt(log), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			be.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := buildCtx.Err(); ctxErr != nil {
			outcome = "canceled"
			be.Err = fmt.Errorf("%w (toolchain: %v)", ctxErr, err)
		}
		logging.CompilerWarn("build of %s failed: %v", unit, be.Err)
		return nil, be
	}

	built, err := Locate(c.opts.GOOS, outDir, unit)
	if err != nil {
		return nil, &BuildError{Skill: unit, Stage: StageLocate, ExitCode: 0, Log: Excerpt(log), Err: err}
	}

	hash, err := hashFile(built)
	if err != nil {
		return nil, &BuildError{Skill: unit, Stage: StageCopy, ExitCode: 0, Err: err}
	}
	target := dest(hash)
	if err := install(built, target); err != nil {
		return nil, &BuildError{Skill: unit, Stage: StageCopy, ExitCode: 0, Err: err}
	}

	outcome = "ok"
	art = &Artifact{
		Path:      target,
		Skill:     unit,
		Hash:      hash,
		Toolchain: tc.Name(),
		BuildTime: time.Since(start),
		Log:       Excerpt(log),
	}
	logging.Compiler("built %s -> %s in %v", unit, target, art.BuildTime)
	return art, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// install copies src to dst through a temp file in dst's directory and an
// atomic rename, so dst is either absent, the previous file, or complete.
func install(src, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Chmod(0755); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
