package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"helix/internal/types"
)

// Toolchain builds a project directory into a shared library.
type Toolchain interface {
	Name() string
	Language() types.Language
	// Manifest is the file whose presence marks a project this toolchain builds.
	Manifest() string
	// Scaffold writes a self-contained project whose whole implementation is source.
	Scaffold(dir, unit, source string) error
	// UnitName reads the library name from the project manifest.
	UnitName(projectDir string) (string, error)
	// Build runs a release build of projectDir. Outputs go under scratchDir;
	// outDir is where the shared library is expected to appear.
	Build(ctx context.Context, projectDir, scratchDir string) (outDir string, log []byte, err error)
}

// SharedLibExt returns the shared library extension for goos.
func SharedLibExt(goos string) string {
	switch goos {
	case "darwin", "ios":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// ArtifactCandidates lists file names a toolchain may have produced for unit,
// in search order:
//
//  1. lib<unit><ext>, then <unit><ext> (reversed on windows, where no prefix is usual)
//  2. the same two with '-' normalized to '_', as cargo does for crate names
//
// Locate falls back to the single *<ext> file in the output directory.
func ArtifactCandidates(goos, unit string) []string {
	ext := SharedLibExt(goos)
	names := []string{unit}
	if norm := strings.ReplaceAll(unit, "-", "_"); norm != unit {
		names = append(names, norm)
	}

	var out []string
	for _, n := range names {
		if goos == "windows" {
			out = append(out, n+ext, "lib"+n+ext)
		} else {
			out = append(out, "lib"+n+ext, n+ext)
		}
	}
	return out
}

// Locate finds the artifact for unit in outDir.
func Locate(goos, outDir, unit string) (string, error) {
	for _, name := range ArtifactCandidates(goos, unit) {
		p := filepath.Join(outDir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(outDir, "*"+SharedLibExt(goos)))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no %s artifact for %q in %s (tried %v)",
			SharedLibExt(goos), unit, outDir, ArtifactCandidates(goos, unit))
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous artifacts for %q in %s: %v", unit, outDir, matches)
	}
}

func hostOS() string { return runtime.GOOS }
