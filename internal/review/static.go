package review

import (
	"context"

	"helix/internal/classify"
	"helix/internal/types"
)

// StaticReviewer reports the policy findings derived from a capability
// scan. It needs no network and always answers.
type StaticReviewer struct {
	classifier *classify.Classifier
}

// NewStaticReviewer returns a StaticReviewer backed by classifier.
func NewStaticReviewer(classifier *classify.Classifier) *StaticReviewer {
	return &StaticReviewer{classifier: classifier}
}

func (s *StaticReviewer) Name() string { return "static" }

func (s *StaticReviewer) ReviewText(context.Context, string) (ReviewResponse, error) {
	return ReviewResponse{}, ErrPromptOnly
}

func (s *StaticReviewer) ReviewChange(ctx context.Context, change *types.ProposedChange) ([]types.SecurityFinding, error) {
	report, err := s.classifier.Analyze(ctx, change)
	if err != nil {
		return nil, err
	}
	findings := make([]types.SecurityFinding, 0, len(report.Findings))
	for _, f := range report.Findings {
		findings = append(findings, types.SecurityFinding{
			Severity:  f.Severity,
			Category:  f.Category,
			Rationale: string(f.Capability) + " capability at " + report.Evidence(f.Capability),
		})
	}
	return findings, nil
}
