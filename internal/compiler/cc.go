package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"helix/internal/types"

	"gopkg.in/yaml.v3"
)

// CC builds C skills with the system C compiler. A project is a directory
// with a skill.yaml listing its sources.
type CC struct {
	Binary string // defaults to "cc"
	GOOS   string // target naming; defaults to the host
}

type ccManifest struct {
	Name    string   `yaml:"name"`
	Sources []string `yaml:"sources"`
	CFlags  []string `yaml:"cflags,omitempty"`
	LDFlags []string `yaml:"ldflags,omitempty"`
}

func (c *CC) Name() string             { return "cc" }
func (c *CC) Language() types.Language { return types.LanguageC }
func (c *CC) Manifest() string         { return "skill.yaml" }

func (c *CC) Scaffold(dir, unit, source string) error {
	data, err := yaml.Marshal(ccManifest{Name: unit, Sources: []string{"skill.c"}})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "skill.yaml"), data, 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "skill.c"), []byte(source), 0644)
}

func (c *CC) readManifest(projectDir string) (*ccManifest, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "skill.yaml"))
	if err != nil {
		return nil, err
	}
	var m ccManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse skill.yaml: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("skill.yaml has no name")
	}
	if len(m.Sources) == 0 {
		return nil, fmt.Errorf("skill.yaml lists no sources")
	}
	return &m, nil
}

func (c *CC) UnitName(projectDir string) (string, error) {
	m, err := c.readManifest(projectDir)
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

func (c *CC) Build(ctx context.Context, projectDir, scratchDir string) (string, []byte, error) {
	m, err := c.readManifest(projectDir)
	if err != nil {
		return "", nil, err
	}
	bin := c.Binary
	if bin == "" {
		bin = "cc"
	}
	goos := c.GOOS
	if goos == "" {
		goos = hostOS()
	}

	outDir := filepath.Join(scratchDir, "build")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", nil, err
	}
	out := filepath.Join(outDir, ArtifactCandidates(goos, m.Name)[0])

	args := []string{"-O2", "-shared", "-fPIC"}
	args = append(args, m.CFlags...)
	args = append(args, "-o", out)
	for _, src := range m.Sources {
		if !filepath.IsAbs(src) {
			src = filepath.Join(projectDir, src)
		}
		args = append(args, src)
	}
	args = append(args, m.LDFlags...)

	log, err := run(ctx, projectDir, nil, bin, args...)
	return outDir, log, err
}
