package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Language selects the toolchain a change is built with.
type Language string

const (
	LanguageRust Language = "rust"
	LanguageC    Language = "c"
)

// DNA is the hex sha256 of a change's source and its identity for dead-end
// tracking.
type DNA string

// Short returns the first 12 hex characters, used in artifact file names.
func (d DNA) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// ComputeDNA hashes source text.
func ComputeDNA(source string) DNA {
	sum := sha256.Sum256([]byte(source))
	return DNA(hex.EncodeToString(sum[:]))
}

var skillNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ErrTampered is returned by Verify when the source no longer matches its DNA.
var ErrTampered = errors.New("change source does not match its DNA")

// ValidateSkillName checks that a skill name is usable as a crate name,
// a file name and a registry key.
func ValidateSkillName(name string) error {
	if !skillNameRE.MatchString(name) {
		return fmt.Errorf("invalid skill name %q: want lower-case identifier matching %s", name, skillNameRE)
	}
	return nil
}

// ProposedChange is a candidate new version of a skill. Its fields are
// unexported so the source cannot change after it has been hashed.
type ProposedChange struct {
	skill       string
	source      string
	diff        string
	language    Language
	dna         DNA
	submittedAt time.Time
	submitter   string
	severity    ChangeSeverity
}

// ChangeOption configures NewProposedChange.
type ChangeOption func(*ProposedChange)

// WithDiff attaches the patch the source was produced from.
func WithDiff(diff string) ChangeOption { return func(c *ProposedChange) { c.diff = diff } }

// WithSubmitter records who or what proposed the change.
func WithSubmitter(s string) ChangeOption { return func(c *ProposedChange) { c.submitter = s } }

// WithSubmittedAt overrides the submission timestamp.
func WithSubmittedAt(t time.Time) ChangeOption {
	return func(c *ProposedChange) { c.submittedAt = t.UTC() }
}

// WithSeverity sets the blast-radius class. The pipeline normally derives
// it from the source with the classification policy.
func WithSeverity(s ChangeSeverity) ChangeOption {
	return func(c *ProposedChange) { c.severity = s }
}

// NewProposedChange validates and hashes a candidate change.
func NewProposedChange(skill string, lang Language, source string, opts ...ChangeOption) (*ProposedChange, error) {
	if err := ValidateSkillName(skill); err != nil {
		return nil, err
	}
	switch lang {
	case LanguageRust, LanguageC:
	default:
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	if source == "" {
		return nil, errors.New("empty source")
	}
	c := &ProposedChange{
		skill:       skill,
		source:      source,
		language:    lang,
		submittedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dna = ComputeDNA(source)
	return c, nil
}

// Classified returns a copy carrying the given severity. The DNA is
// unchanged because severity is not part of the content.
func (c *ProposedChange) Classified(s ChangeSeverity) *ProposedChange {
	cp := *c
	cp.severity = s
	return &cp
}

// Diffed returns a copy carrying diff. The DNA is unchanged.
func (c *ProposedChange) Diffed(diff string) *ProposedChange {
	cp := *c
	cp.diff = diff
	return &cp
}

func (c *ProposedChange) Skill() string            { return c.skill }
func (c *ProposedChange) Source() string           { return c.source }
func (c *ProposedChange) Diff() string             { return c.diff }
func (c *ProposedChange) Language() Language       { return c.language }
func (c *ProposedChange) DNA() DNA                 { return c.dna }
func (c *ProposedChange) SubmittedAt() time.Time   { return c.submittedAt }
func (c *ProposedChange) Submitter() string        { return c.submitter }
func (c *ProposedChange) Severity() ChangeSeverity { return c.severity }

// Verify re-hashes the source.
func (c *ProposedChange) Verify() error {
	if ComputeDNA(c.source) != c.dna {
		return ErrTampered
	}
	return nil
}

func (c *ProposedChange) String() string {
	return fmt.Sprintf("%s@%s", c.skill, c.dna.Short())
}
