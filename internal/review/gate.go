package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helix/internal/logging"
	"helix/internal/metrics"
	"helix/internal/types"

	"golang.org/x/sync/errgroup"
)

// GateOptions configures a Gate.
type GateOptions struct {
	Timeout      time.Duration // per reviewer
	MinResponses int
	Analyzer     Analyzer
	Metrics      *metrics.Metrics
}

// Gate fans a change out to every reviewer and reduces the answers.
type Gate struct {
	reviewers []Reviewer
	opts      GateOptions
	metrics   *metrics.Metrics
}

// NewGate returns a Gate over reviewers.
func NewGate(opts GateOptions, reviewers ...Reviewer) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MinResponses < 1 {
		opts.MinResponses = 1
	}
	return &Gate{reviewers: reviewers, opts: opts, metrics: metrics.OrNop(opts.Metrics)}
}

// Reviewers returns the reviewer names in fan-out order.
func (g *Gate) Reviewers() []string {
	names := make([]string, len(g.reviewers))
	for i, r := range g.reviewers {
		names[i] = r.Name()
	}
	return names
}

type outcome struct {
	findings  []types.SecurityFinding
	responded bool
	failure   string
}

// Review asks every reviewer concurrently and reduces their findings. It
// never returns an approved result when fewer than MinResponses reviewers
// answered or when ctx was canceled.
func (g *Gate) Review(ctx context.Context, change *types.ProposedChange) types.ConsensusResult {
	timer := logging.StartTimer(logging.CategoryReview, "review "+change.Skill())
	defer timer.Stop()

	prompt := g.opts.Analyzer.BuildPrompt(change)
	outcomes := make([]outcome, len(g.reviewers))

	var eg errgroup.Group
	for i, r := range g.reviewers {
		eg.Go(func() error {
			outcomes[i] = g.ask(ctx, r, change, prompt)
			return nil
		})
	}
	_ = eg.Wait()

	var all []types.SecurityFinding
	var failed []types.ReviewerFailure
	responders := 0
	for i, o := range outcomes {
		if !o.responded {
			failed = append(failed, types.ReviewerFailure{Reviewer: g.reviewers[i].Name(), Reason: o.failure})
			continue
		}
		responders++
		all = append(all, o.findings...)
	}

	// Prompt reviewers never saw the tail of a truncated source.
	if g.opts.Analyzer.Truncates(change) && g.readsPrompt() {
		all = append(all, types.SecurityFinding{
			Severity:  types.SeverityHigh,
			Category:  types.CategoryAmbiguous,
			Rationale: fmt.Sprintf("source exceeds %d bytes and was reviewed truncated", g.opts.Analyzer.MaxSourceBytes),
			Reviewer:  "gate",
		})
	}

	res := Reduce(all)
	res.Reviewers = g.Reviewers()
	res.Failed = failed
	res.At = time.Now().UTC()

	switch {
	case ctx.Err() != nil:
		res.Approved = false
		res.Reason = fmt.Sprintf("review canceled: %v", ctx.Err())
	case responders < g.opts.MinResponses && !res.Lethal:
		res.Approved = false
		res.Reason = fmt.Sprintf("insufficient reviewer responses: %d of %d, need %d",
			responders, len(g.reviewers), g.opts.MinResponses)
	}

	logging.Review("%s %s: approved=%v lethal=%v findings=%d responders=%d/%d: %s",
		change.Skill(), change.DNA().Short(), res.Approved, res.Lethal, len(res.Findings),
		responders, len(g.reviewers), res.Reason)
	return res
}

func (g *Gate) readsPrompt() bool {
	for _, r := range g.reviewers {
		if _, ok := r.(ChangeReviewer); !ok {
			return true
		}
	}
	return false
}

func (g *Gate) ask(ctx context.Context, r Reviewer, change *types.ProposedChange, prompt string) outcome {
	name := r.Name()
	rctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	start := time.Now()
	var findings []types.SecurityFinding
	var err error
	if cr, ok := r.(ChangeReviewer); ok {
		findings, err = cr.ReviewChange(rctx, change)
	} else {
		var resp ReviewResponse
		resp, err = r.ReviewText(rctx, prompt)
		if err == nil {
			var perr error
			findings, perr = ParseFindings(resp.Text)
			if perr != nil {
				g.metrics.ReviewFailures.WithLabelValues(name, "malformed").Inc()
				logging.ReviewWarn("reviewer %s answered with an unusable document: %v", name, perr)
				findings = []types.SecurityFinding{{
					Severity:  types.SeverityHigh,
					Category:  types.CategoryAmbiguous,
					Rationale: "reviewer output could not be parsed: " + perr.Error(),
				}}
			}
		}
	}
	g.metrics.ReviewDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = "timeout"
		case errors.Is(err, context.Canceled):
			kind = "canceled"
		case errors.Is(err, ErrBreakerOpen):
			kind = "breaker"
		}
		g.metrics.ReviewFailures.WithLabelValues(name, kind).Inc()
		logging.ReviewWarn("reviewer %s did not respond (%s): %v", name, kind, err)
		return outcome{failure: fmt.Sprintf("%s: %v", kind, err)}
	}

	for i := range findings {
		findings[i].Reviewer = name
	}
	return outcome{findings: findings, responded: true}
}
