// Package approval decides whether a proposed change may be compiled and
// promoted. It layers dead-end memory, consensus review, change severity
// and human overrides into one terminal decision per submission.
package approval

import (
	"context"
	"fmt"
	"time"

	"helix/internal/audit"
	"helix/internal/classify"
	"helix/internal/logging"
	"helix/internal/metrics"
	"helix/internal/override"
	"helix/internal/review"
	"helix/internal/store"
	"helix/internal/types"
)

// Consensus produces a reviewed verdict for a change.
type Consensus interface {
	Review(ctx context.Context, change *types.ProposedChange) types.ConsensusResult
}

// Genetics is the dead-end memory.
type Genetics interface {
	IsDeadEnd(ctx context.Context, skill string, dna types.DNA) (bool, error)
	RecordDeadEnd(ctx context.Context, skill string, dna types.DNA, reason string) (types.DeadEndRecord, error)
}

// History stores terminal decisions for the audit summary.
type History interface {
	AppendReview(ctx context.Context, r store.ReviewRecord) error
	ReviewsSince(ctx context.Context, since time.Time) ([]store.ReviewRecord, error)
}

// Options configures a Gate.
type Options struct {
	// Changes classified at or above this need an override even when the
	// reviewers approve.
	RequireOverrideAt types.ChangeSeverity
	// AllowHighOverride lets a valid token approve High findings.
	AllowHighOverride bool
	Issuer            *override.Issuer // nil disables overrides
	Classifier        *classify.Classifier
	Emitter           audit.Emitter
	Metrics           *metrics.Metrics
}

// Decision is the terminal outcome of one submission.
type Decision struct {
	Status    types.ApprovalStatus  `json:"status"`
	Consensus types.ConsensusResult `json:"consensus"`
	Reason    string                `json:"reason"`
	Skill     string                `json:"skill"`
	DNA       types.DNA             `json:"dna"`
	Severity  types.ChangeSeverity  `json:"severity"`
	Override  string                `json:"override,omitempty"`
	DecidedAt time.Time             `json:"decided_at"`

	// Change is the submitted change as classified.
	Change *types.ProposedChange `json:"-"`
}

// Approved reports whether the change may proceed.
func (d *Decision) Approved() bool { return d.Status == types.StatusApproved }

// Gate is the approval gate.
type Gate struct {
	consensus Consensus
	genetics  Genetics
	history   History
	opts      Options
	metrics   *metrics.Metrics
}

// NewGate wires the gate.
func NewGate(consensus Consensus, genetics Genetics, history History, opts Options) *Gate {
	if opts.Emitter == nil {
		opts.Emitter = audit.Discard
	}
	return &Gate{
		consensus: consensus,
		genetics:  genetics,
		history:   history,
		opts:      opts,
		metrics:   metrics.OrNop(opts.Metrics),
	}
}

// Submit runs change through the gate. Rejections are decisions, not
// errors; err is non-nil only when an infrastructure failure forced a
// fail-closed rejection.
func (g *Gate) Submit(ctx context.Context, change *types.ProposedChange, overrideToken string) (*Decision, error) {
	timer := logging.StartTimer(logging.CategoryApproval, "submit "+change.Skill())
	defer timer.Stop()

	t := NewTicket(change)
	d := &Decision{Skill: change.Skill(), DNA: change.DNA(), Severity: change.Severity(), Change: change}

	reject := func(class, reason string, err error) (*Decision, error) {
		if terr := t.Reject(reason); terr != nil {
			return nil, terr
		}
		g.finish(ctx, d, t, class)
		return d, err
	}

	if err := change.Verify(); err != nil {
		return reject("tampered", "source does not match its DNA", err)
	}

	if g.opts.Classifier != nil {
		classified, _, err := g.opts.Classifier.Classify(ctx, change)
		if err != nil {
			return reject("error", "classification failed: "+err.Error(), err)
		}
		change = classified
		d.Change, d.Severity = change, change.Severity()
	}

	dead, err := g.genetics.IsDeadEnd(ctx, change.Skill(), change.DNA())
	if err != nil {
		return reject("error", "dead-end lookup failed", fmt.Errorf("dead-end lookup: %w", err))
	}
	if dead {
		logging.ApprovalDebug("%s %s is a known dead end; skipping review", change.Skill(), change.DNA().Short())
		return reject("dead_end", "known dead end", nil)
	}

	consensus := g.consensus.Review(ctx, change)
	d.Consensus = consensus

	if consensus.Lethal {
		if _, err := g.genetics.RecordDeadEnd(ctx, change.Skill(), change.DNA(), consensus.Reason); err != nil {
			logging.ApprovalWarn("recording dead end for %s failed: %v", change.Skill(), err)
		}
		return reject("lethal", consensus.Reason, nil)
	}
	if ctx.Err() != nil {
		return reject("canceled", consensus.Reason, nil)
	}

	approver := g.verifyOverride(overrideToken, change)

	if !consensus.Approved {
		if approver == "" {
			class := "findings"
			if !consensus.Has(types.SeverityHigh) {
				class = "quorum"
			}
			return reject(class, consensus.Reason, nil)
		}
		overridden, err := review.ApplyOverride(consensus, approver, g.opts.AllowHighOverride)
		if err != nil {
			return reject("findings", fmt.Sprintf("%s (override refused: %v)", consensus.Reason, err), nil)
		}
		d.Consensus = overridden
		d.Override = approver
	}

	if d.Severity >= g.opts.RequireOverrideAt {
		if approver == "" {
			return reject("severity", fmt.Sprintf("%s change requires a human override", d.Severity), nil)
		}
		d.Override = approver
		d.Consensus.Override = approver
	}

	reason := d.Consensus.Reason
	if d.Override != "" && d.Consensus.Approved && consensus.Approved {
		reason = fmt.Sprintf("%s; %s change approved by %s", reason, d.Severity, approver)
	}
	if err := t.Approve(reason); err != nil {
		return nil, err
	}
	class := "approved"
	if d.Override != "" {
		class = "override"
	}
	g.finish(ctx, d, t, class)
	return d, nil
}

func (g *Gate) verifyOverride(token string, change *types.ProposedChange) string {
	if token == "" {
		return ""
	}
	approver, err := g.opts.Issuer.Verify(token, change.Skill(), change.DNA())
	if err != nil {
		logging.ApprovalWarn("ignoring override for %s: %v", change.Skill(), err)
		return ""
	}
	return approver
}

func (g *Gate) finish(ctx context.Context, d *Decision, t *Ticket, class string) {
	d.Status = t.Status()
	d.Reason = t.Reason()
	d.DecidedAt = time.Now().UTC()
	g.metrics.Decisions.WithLabelValues(d.Status.String(), class).Inc()

	logging.Approval("%s %s: %s (%s)", d.Skill, d.DNA.Short(), d.Status, d.Reason)

	submitter := ""
	if d.Change != nil {
		submitter = d.Change.Submitter()
	}
	// History and audit outlive a canceled submission.
	hctx := context.WithoutCancel(ctx)
	err := g.history.AppendReview(hctx, store.ReviewRecord{
		Skill:      d.Skill,
		DNA:        d.DNA,
		Submitter:  submitter,
		Status:     d.Status,
		Approved:   d.Status == types.StatusApproved,
		Lethal:     d.Consensus.Lethal,
		OverrideBy: d.Override,
		Reason:     d.Reason,
		Findings:   d.Consensus.Findings,
		DecidedAt:  d.DecidedAt,
	})
	if err != nil {
		logging.ApprovalWarn("appending review history for %s failed: %v", d.Skill, err)
	}

	rec := audit.NewRecord(audit.KindDecision, d.Skill, d.DNA)
	rec.Status = d.Status.String()
	rec.Lethal = d.Consensus.Lethal
	rec.Override = d.Override
	rec.Reason = d.Reason
	rec.Findings = d.Consensus.Findings
	rec.At = d.DecidedAt
	g.opts.Emitter.Emit(rec)
}

// Summary aggregates decisions made at or after since.
func (g *Gate) Summary(ctx context.Context, since time.Time) (types.SecurityAuditSummary, error) {
	records, err := g.history.ReviewsSince(ctx, since)
	if err != nil {
		return types.SecurityAuditSummary{}, err
	}
	return Summarize(records, since, time.Now().UTC()), nil
}

// Summarize folds review records into a summary.
func Summarize(records []store.ReviewRecord, since, until time.Time) types.SecurityAuditSummary {
	s := types.SecurityAuditSummary{
		Since:      since,
		Until:      until,
		BySeverity: make(map[string]int),
		BySkill:    make(map[string]int),
		ByCategory: make(map[string]int),
	}
	for _, r := range records {
		s.Decisions++
		s.BySkill[r.Skill]++
		if r.Approved {
			s.Approved++
		} else {
			s.Rejected++
		}
		if r.Lethal {
			s.Lethal++
		}
		if r.OverrideBy != "" {
			s.Overridden++
		}
		for _, f := range r.Findings {
			s.BySeverity[f.Severity.String()]++
			s.ByCategory[f.Category]++
		}
	}
	return s
}
