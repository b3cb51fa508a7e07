package review

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"helix/internal/types"
)

var (
	ErrLethal          = errors.New("lethal verdicts cannot be overridden")
	ErrNotOverridable  = errors.New("verdict has no overridable findings")
	ErrOverrideRefused = errors.New("policy does not allow overriding high findings")
)

// Reduce turns findings into a verdict. Any Critical finding makes the
// change lethal; any High finding rejects it; anything lower is approved
// and kept as a warning. The result depends only on the findings.
func Reduce(findings []types.SecurityFinding) types.ConsensusResult {
	sorted := append([]types.SecurityFinding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Reviewer < b.Reviewer
	})

	res := types.ConsensusResult{Findings: sorted}
	switch top := res.MaxSeverity(); {
	case top >= types.SeverityCritical:
		res.Lethal = true
		res.Reason = "lethal: " + describe(sorted, types.SeverityCritical)
	case top == types.SeverityHigh:
		res.Reason = "rejected: " + describe(sorted, types.SeverityHigh)
	default:
		res.Approved = true
		if n := len(sorted); n > 0 {
			res.Reason = fmt.Sprintf("approved with %d warning(s)", n)
		} else {
			res.Reason = "approved"
		}
	}
	return res
}

func describe(findings []types.SecurityFinding, at types.Severity) string {
	var parts []string
	seen := make(map[string]bool)
	for _, f := range findings {
		if f.Severity != at || seen[f.Category] {
			continue
		}
		seen[f.Category] = true
		p := fmt.Sprintf("%s (%s)", f.Category, f.Severity)
		if f.Reviewer != "" {
			p += " from " + f.Reviewer
		}
		if f.Rationale != "" {
			p += ": " + f.Rationale
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "; ")
}

// ApplyOverride approves a verdict rejected only for High findings.
// Lethal verdicts and verdicts rejected for lack of responses stay
// rejected.
func ApplyOverride(res types.ConsensusResult, approver string, allowHigh bool) (types.ConsensusResult, error) {
	if res.Lethal {
		return res, ErrLethal
	}
	if res.Approved {
		res.Override = approver
		return res, nil
	}
	if !res.Has(types.SeverityHigh) {
		return res, ErrNotOverridable
	}
	if !allowHigh {
		return res, ErrOverrideRefused
	}
	res.Approved = true
	res.Override = approver
	res.Reason = fmt.Sprintf("overridden by %s; was %s", approver, res.Reason)
	res.At = time.Now().UTC()
	return res, nil
}
