package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"helix/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToolchain "compiles" by copying src.txt to the artifact name.
type fakeToolchain struct {
	lang    types.Language
	fail    bool
	produce string
	delay   time.Duration
	builds  atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeToolchain) Name() string             { return "fake" }
func (f *fakeToolchain) Language() types.Language { return f.lang }
func (f *fakeToolchain) Manifest() string         { return "fake.manifest" }

func (f *fakeToolchain) Scaffold(dir, unit, source string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "fake.manifest"), []byte(unit), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "src.txt"), []byte(source), 0644)
}

func (f *fakeToolchain) UnitName(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, "fake.manifest"))
	return strings.TrimSpace(string(b)), err
}

func (f *fakeToolchain) Build(ctx context.Context, projectDir, scratch string) (string, []byte, error) {
	f.builds.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", []byte("killed"), errors.New("signal: killed")
		}
	}
	if f.fail {
		return "", []byte("error[E0425]: cannot find value `x`\n"), errors.New("exit status 101")
	}
	out := filepath.Join(scratch, "out")
	if err := os.MkdirAll(out, 0755); err != nil {
		return "", nil, err
	}
	src, err := os.ReadFile(filepath.Join(projectDir, "src.txt"))
	if err != nil {
		return "", nil, err
	}
	name := f.produce
	if name == "" {
		unit, _ := f.UnitName(projectDir)
		name = "lib" + unit + ".so"
	}
	return out, []byte("Finished release"), os.WriteFile(filepath.Join(out, name), src, 0644)
}

func newCompiler(t *testing.T, tc Toolchain, opts Options) *Compiler {
	t.Helper()
	if opts.ArtifactsDir == "" {
		opts.ArtifactsDir = t.TempDir()
	}
	opts.GOOS = "linux"
	c, err := New(opts, tc)
	require.NoError(t, err)
	return c
}

func TestCompileFromStringDefaultPath(t *testing.T) {
	tc := &fakeToolchain{lang: types.LanguageRust}
	c := newCompiler(t, tc, Options{})

	art, err := c.CompileFromString(context.Background(), "body-v1", "greet", "")
	require.NoError(t, err)

	dna := types.ComputeDNA("body-v1")
	assert.Equal(t, c.DefaultPath("greet", dna.Short()), art.Path)
	assert.True(t, strings.HasSuffix(art.Path, "greet-"+dna.Short()+".so"))
	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, "body-v1", string(data))
	assert.Len(t, art.Hash, 64)
	assert.Equal(t, "fake", art.Toolchain)
}

func TestCompileFromStringFailureLeavesDestinationUntouched(t *testing.T) {
	tc := &fakeToolchain{lang: types.LanguageRust, fail: true}
	c := newCompiler(t, tc, Options{})

	dst := filepath.Join(t.TempDir(), "greet.so")
	require.NoError(t, os.WriteFile(dst, []byte("previous"), 0644))

	_, err := c.CompileFromString(context.Background(), "fn broken(", "greet", dst)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, StageToolchain, be.Stage)
	assert.Contains(t, be.Log, "cannot find value")

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))

	entries, err := os.ReadDir(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCompileFromPathRequiresManifest(t *testing.T) {
	tc := &fakeToolchain{lang: types.LanguageRust}
	c := newCompiler(t, tc, Options{})

	_, err := c.CompileFromPath(context.Background(), t.TempDir())
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, StageDetect, be.Stage)
	assert.Contains(t, be.Error(), "fake.manifest")
	assert.Equal(t, int32(0), tc.builds.Load(), "toolchain never invoked")
}

func TestCompileFromPath(t *testing.T) {
	tc := &fakeToolchain{lang: types.LanguageRust}
	c := newCompiler(t, tc, Options{})

	project := t.TempDir()
	require.NoError(t, tc.Scaffold(project, "summer", "sum-source"))

	art, err := c.CompileFromPath(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, "summer", art.Skill)
	assert.Equal(t, c.DefaultPath("summer", art.Hash[:12]), art.Path)
}

func TestCompileFromPathRejectsUnsafeUnitNames(t *testing.T) {
	for _, unit := range []string{"../../escaped", "a/b", "Upper", ""} {
		t.Run(unit, func(t *testing.T) {
			tc := &fakeToolchain{lang: types.LanguageRust}
			artifacts := t.TempDir()
			c := newCompiler(t, tc, Options{ArtifactsDir: artifacts})

			project := t.TempDir()
			require.NoError(t, tc.Scaffold(project, unit, "sum-source"))

			_, err := c.CompileFromPath(context.Background(), project)
			var be *BuildError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, StageDetect, be.Stage)
			assert.Contains(t, be.Error(), "invalid skill name")
			assert.Equal(t, int32(0), tc.builds.Load(), "toolchain never invoked")

			entries, err := os.ReadDir(artifacts)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestCompileChangeSelectsByLanguage(t *testing.T) {
	rust := &fakeToolchain{lang: types.LanguageRust}
	cc := &fakeToolchain{lang: types.LanguageC}
	c, err := New(Options{ArtifactsDir: t.TempDir(), GOOS: "linux"}, rust, cc)
	require.NoError(t, err)

	change, err := types.NewProposedChange("greet", types.LanguageC, "int x;")
	require.NoError(t, err)
	_, err = c.CompileChange(context.Background(), change, "")
	require.NoError(t, err)
	assert.Equal(t, int32(0), rust.builds.Load())
	assert.Equal(t, int32(1), cc.builds.Load())
}

func TestCompileTimeoutIsBuildError(t *testing.T) {
	tc := &fakeToolchain{lang: types.LanguageRust, delay: time.Minute}
	c := newCompiler(t, tc, Options{Timeout: 20 * time.Millisecond})

	_, err := c.CompileFromString(context.Background(), "slow", "greet", "")
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompileCanceledWhileQueued(t *testing.T) {
	tc := &fakeToolchain{lang: types.LanguageRust, delay: 200 * time.Millisecond}
	c := newCompiler(t, tc, Options{MaxParallel: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.CompileFromString(context.Background(), "a", "first", "")
	}()
	for tc.running.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.CompileFromString(ctx, "b", "second", "")
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, StageQueue, be.Stage)
	<-done
}

func TestParallelBuildsAreBounded(t *testing.T) {
	tc := &fakeToolchain{lang: types.LanguageRust, delay: 20 * time.Millisecond}
	c := newCompiler(t, tc, Options{MaxParallel: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.CompileFromString(context.Background(), fmt.Sprintf("src-%d", i), fmt.Sprintf("skill_%d", i), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, tc.maxSeen.Load(), int32(2))
	assert.Equal(t, int32(6), tc.builds.Load())
}

func TestArtifactCandidates(t *testing.T) {
	assert.Equal(t,
		[]string{"libmy-skill.so", "my-skill.so", "libmy_skill.so", "my_skill.so"},
		ArtifactCandidates("linux", "my-skill"))
	assert.Equal(t, []string{"greet.dll", "libgreet.dll"}, ArtifactCandidates("windows", "greet"))
	assert.Equal(t, []string{"libgreet.dylib", "greet.dylib"}, ArtifactCandidates("darwin", "greet"))
}

func TestLocate(t *testing.T) {
	t.Run("normalized name", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "libmy_skill.so"), nil, 0644))
		got, err := Locate("linux", dir, "my-skill")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "libmy_skill.so"), got)
	})
	t.Run("single glob fallback", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "weird.so"), nil, 0644))
		got, err := Locate("linux", dir, "greet")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "weird.so"), got)
	})
	t.Run("ambiguous", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.so"), nil, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.so"), nil, 0644))
		_, err := Locate("linux", dir, "greet")
		assert.ErrorContains(t, err, "ambiguous")
	})
	t.Run("missing", func(t *testing.T) {
		_, err := Locate("linux", t.TempDir(), "greet")
		assert.ErrorContains(t, err, "libgreet.so")
	})
}

func TestExcerptKeepsTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	ex := Excerpt([]byte(b.String()))
	lines := strings.Split(ex, "\n")
	assert.Len(t, lines, excerptLines+1)
	assert.Equal(t, "... (60 earlier lines)", lines[0])
	assert.Equal(t, "line 99", lines[len(lines)-1])
	assert.Equal(t, "", Excerpt(nil))
}

func TestCargoScaffoldAndUnitName(t *testing.T) {
	dir := t.TempDir()
	cargo := &Cargo{}
	require.NoError(t, cargo.Scaffold(dir, "greet", "// lib"))

	manifest, err := os.ReadFile(filepath.Join(dir, "Cargo.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "cdylib")
	assert.Contains(t, string(manifest), "[workspace]")

	name, err := cargo.UnitName(dir)
	require.NoError(t, err)
	assert.Equal(t, "greet", name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"),
		[]byte("[package]\nname = \"bin-only\"\n"), 0644))
	_, err = cargo.UnitName(dir)
	assert.ErrorContains(t, err, "cdylib")
}

func TestCCManifest(t *testing.T) {
	dir := t.TempDir()
	cc := &CC{}
	require.NoError(t, cc.Scaffold(dir, "greet", "int x;"))
	name, err := cc.UnitName(dir)
	require.NoError(t, err)
	assert.Equal(t, "greet", name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.yaml"), []byte("name: x\n"), 0644))
	_, err = cc.UnitName(dir)
	assert.ErrorContains(t, err, "no sources")
}

const cSkill = `
#include <stdlib.h>
#include <string.h>
char *execute(const char *args) { return strdup(args); }
void skill_free(char *p) { free(p); }
`

func TestCCRealBuild(t *testing.T) {
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("no C compiler available")
	}
	c, err := New(Options{ArtifactsDir: t.TempDir()}, &CC{})
	require.NoError(t, err)

	art, err := c.CompileFromString(context.Background(), cSkill, "echo", "")
	require.NoError(t, err)
	fi, err := os.Stat(art.Path)
	require.NoError(t, err)
	assert.True(t, fi.Size() > 0)

	_, err = c.CompileFromString(context.Background(), "this is not C", "broken", "")
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.NotZero(t, be.ExitCode)
	_, statErr := os.Stat(c.DefaultPath("broken", types.ComputeDNA("this is not C").Short()))
	assert.True(t, os.IsNotExist(statErr))
}
