// Package review runs proposed changes past independent security reviewers
// and reduces their findings into one consensus verdict.
//
// Reviewers that time out, error or answer with something that is not a
// findings document never count toward approval.
package review

import (
	"context"
	"errors"
	"time"

	"helix/internal/types"
)

var (
	ErrBreakerOpen = errors.New("reviewer circuit breaker open")
	ErrPromptOnly  = errors.New("reviewer does not accept prompts")
)

// ReviewResponse is a reviewer's raw answer to a prompt.
type ReviewResponse struct {
	Text    string
	Model   string
	Latency time.Duration
}

// Reviewer is a backend that answers a security review prompt.
type Reviewer interface {
	Name() string
	ReviewText(ctx context.Context, prompt string) (ReviewResponse, error)
}

// ChangeReviewer is implemented by reviewers that inspect the change itself
// instead of a rendered prompt. The gate prefers it when present.
type ChangeReviewer interface {
	Reviewer
	ReviewChange(ctx context.Context, change *types.ProposedChange) ([]types.SecurityFinding, error)
}
