// Package classify grades how much of the host a proposed change can reach.
// A tree-sitter scan turns source into capability facts and a Mangle policy
// derives the change severity and static findings from them.
package classify

import (
	"context"
	"fmt"
	"strings"

	"helix/internal/logging"
	"helix/internal/types"
)

// Report is the full classification of one change.
type Report struct {
	Hits         []Hit
	Capabilities []Capability
	Verdict
}

// Classifier combines the scanner and a policy.
type Classifier struct {
	policy *Policy
}

// New returns a Classifier using policy, or the embedded policy when nil.
func New(policy *Policy) (*Classifier, error) {
	if policy == nil {
		var err error
		if policy, err = DefaultPolicy(); err != nil {
			return nil, err
		}
	}
	return &Classifier{policy: policy}, nil
}

// Analyze scans and evaluates change.
func (c *Classifier) Analyze(ctx context.Context, change *types.ProposedChange) (*Report, error) {
	hits, err := Scan(ctx, change.Language(), []byte(change.Source()))
	if err != nil {
		return nil, err
	}
	caps := Capabilities(hits)
	verdict, err := c.policy.Evaluate(caps)
	if err != nil {
		return nil, err
	}
	logging.ClassifyDebug("%s %s: capabilities=%v severity=%s findings=%d",
		change.Skill(), change.DNA().Short(), caps, verdict.Severity, len(verdict.Findings))
	return &Report{Hits: hits, Capabilities: caps, Verdict: verdict}, nil
}

// Classify returns a copy of change carrying its policy severity.
func (c *Classifier) Classify(ctx context.Context, change *types.ProposedChange) (*types.ProposedChange, *Report, error) {
	report, err := c.Analyze(ctx, change)
	if err != nil {
		logging.ClassifyWarn("classification of %s failed: %v", change.Skill(), err)
		return nil, nil, err
	}
	return change.Classified(report.Severity), report, nil
}

// Evidence summarizes the hits behind capability, for finding rationales.
func (r *Report) Evidence(capability Capability) string {
	var parts []string
	for _, h := range r.Hits {
		if h.Capability == capability {
			parts = append(parts, fmt.Sprintf("line %d: %s", h.Line, h.Evidence))
		}
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, "; ")
}
