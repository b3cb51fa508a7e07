package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"helix/internal/types"

	"github.com/pelletier/go-toml/v2"
)

// Cargo builds Rust skills as cdylib crates.
type Cargo struct {
	Binary  string // defaults to "cargo"
	Offline bool
}

type cargoManifest struct {
	Package cargoPackage   `toml:"package"`
	Lib     cargoLib       `toml:"lib"`
	Profile *cargoProfiles `toml:"profile,omitempty"`
}

type cargoPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version,omitempty"`
	Edition string `toml:"edition,omitempty"`
}

type cargoLib struct {
	Name      string   `toml:"name,omitempty"`
	Path      string   `toml:"path,omitempty"`
	CrateType []string `toml:"crate-type,omitempty"`
}

type cargoProfiles struct {
	Release cargoProfile `toml:"release"`
}

type cargoProfile struct {
	Panic    string `toml:"panic,omitempty"`
	OptLevel int    `toml:"opt-level,omitempty"`
}

func (c *Cargo) Name() string             { return "cargo" }
func (c *Cargo) Language() types.Language { return types.LanguageRust }
func (c *Cargo) Manifest() string         { return "Cargo.toml" }

// Scaffold writes a standalone cdylib crate. Panics abort instead of
// unwinding into the host.
func (c *Cargo) Scaffold(dir, unit, source string) error {
	m := cargoManifest{
		Package: cargoPackage{Name: unit, Version: "0.1.0", Edition: "2021"},
		Lib:     cargoLib{Path: "src/lib.rs", CrateType: []string{"cdylib"}},
		Profile: &cargoProfiles{Release: cargoProfile{Panic: "abort", OptLevel: 3}},
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode Cargo.toml: %w", err)
	}
	// An empty workspace table keeps the crate out of any enclosing workspace.
	data = append(data, "\n[workspace]\n"...)

	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), data, 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "src", "lib.rs"), []byte(source), 0644)
}

// UnitName returns [lib].name, falling back to [package].name. The crate
// must declare a cdylib target.
func (c *Cargo) UnitName(projectDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, "Cargo.toml"))
	if err != nil {
		return "", err
	}
	var m cargoManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse Cargo.toml: %w", err)
	}
	if m.Package.Name == "" {
		return "", fmt.Errorf("Cargo.toml has no [package].name")
	}
	cdylib := false
	for _, t := range m.Lib.CrateType {
		if t == "cdylib" {
			cdylib = true
		}
	}
	if !cdylib {
		return "", fmt.Errorf("crate %s does not declare crate-type = [\"cdylib\"]", m.Package.Name)
	}
	if m.Lib.Name != "" {
		return m.Lib.Name, nil
	}
	return m.Package.Name, nil
}

func (c *Cargo) Build(ctx context.Context, projectDir, scratchDir string) (string, []byte, error) {
	bin := c.Binary
	if bin == "" {
		bin = "cargo"
	}
	targetDir := filepath.Join(scratchDir, "target")
	args := []string{"build", "--release", "--manifest-path", filepath.Join(projectDir, "Cargo.toml")}
	if c.Offline {
		args = append(args, "--offline")
	}
	out, err := run(ctx, projectDir, []string{"CARGO_TARGET_DIR=" + targetDir}, bin, args...)
	return filepath.Join(targetDir, "release"), out, err
}
