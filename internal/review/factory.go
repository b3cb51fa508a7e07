package review

import (
	"context"
	"fmt"

	"helix/internal/classify"
	"helix/internal/config"
	"helix/internal/metrics"
)

// NewGateFromConfig builds every configured reviewer and the gate over
// them. Remote reviewers are wrapped in Resilient.
func NewGateFromConfig(ctx context.Context, cfg *config.Config, classifier *classify.Classifier, m *metrics.Metrics) (*Gate, error) {
	reviewers := make([]Reviewer, 0, len(cfg.Review.Reviewers))
	for _, rc := range cfg.Review.Reviewers {
		r, err := newReviewer(ctx, rc, classifier, cfg)
		if err != nil {
			return nil, err
		}
		if rc.Kind != "static" {
			r = NewResilient(r, ResilientOptions{
				RateLimit:       rc.RateLimit,
				Burst:           rc.Burst,
				MaxAttempts:     rc.MaxAttempts,
				BreakerFailures: rc.BreakerFailures,
				BreakerCooldown: rc.GetBreakerCooldown(),
				Metrics:         m,
			})
		}
		reviewers = append(reviewers, r)
	}
	return NewGate(GateOptions{
		Timeout:      cfg.GetReviewTimeout(),
		MinResponses: cfg.Review.MinResponses,
		Metrics:      m,
	}, reviewers...), nil
}

func newReviewer(ctx context.Context, rc config.ReviewerConfig, classifier *classify.Classifier, cfg *config.Config) (Reviewer, error) {
	switch rc.Kind {
	case "static":
		if classifier == nil {
			return nil, fmt.Errorf("reviewer %q: static reviewer needs a classifier", rc.Name)
		}
		return NewStaticReviewer(classifier), nil
	case "gemini":
		return NewGeminiReviewer(ctx, GeminiConfig{Name: nameOr(rc.Name, "gemini"), APIKey: rc.APIKey, Model: rc.Model, BaseURL: rc.BaseURL})
	case "openai":
		return NewOpenAIReviewer(OpenAIConfig{
			Name:    nameOr(rc.Name, "openai"),
			APIKey:  rc.APIKey,
			BaseURL: rc.BaseURL,
			Model:   rc.Model,
			Timeout: cfg.GetReviewTimeout(),
		})
	default:
		return nil, fmt.Errorf("reviewer %q: unknown kind %q", rc.Name, rc.Kind)
	}
}

func nameOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}
