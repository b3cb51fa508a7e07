package review

import (
	"context"
	"errors"
	"time"

	"helix/internal/logging"
	"helix/internal/metrics"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ResilientOptions configures a Resilient wrapper. Zero values pick
// defaults; RateLimit zero means unlimited.
type ResilientOptions struct {
	RateLimit       float64 // requests per second
	Burst           int
	MaxAttempts     uint
	RetryDelay      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Metrics         *metrics.Metrics
}

// Resilient puts a rate limiter, a circuit breaker and retries with
// backoff in front of a remote reviewer.
type Resilient struct {
	inner   Reviewer
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	opts    ResilientOptions
}

// NewResilient wraps inner.
func NewResilient(inner Reviewer, opts ResilientOptions) *Resilient {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}

	m := metrics.OrNop(opts.Metrics)
	name := inner.Name()
	m.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// A caller giving up is not the backend's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
			logging.ReviewWarn("reviewer %s breaker %s -> %s", name, from, to)
		},
	})

	return &Resilient{
		inner:   inner,
		limiter: rate.NewLimiter(limit, opts.Burst),
		cb:      cb,
		opts:    opts,
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

// State exposes the breaker state.
func (r *Resilient) State() gobreaker.State { return r.cb.State() }

func (r *Resilient) ReviewText(ctx context.Context, prompt string) (ReviewResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ReviewResponse{}, err
	}

	out, err := r.cb.Execute(func() (interface{}, error) {
		var resp ReviewResponse
		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.opts.MaxAttempts),
			retry.Delay(r.opts.RetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
		).Do(func() error {
			var callErr error
			resp, callErr = r.inner.ReviewText(ctx, prompt)
			return callErr
		})
		return resp, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ReviewResponse{}, errors.Join(ErrBreakerOpen, err)
	}
	if err != nil {
		return ReviewResponse{}, err
	}
	return out.(ReviewResponse), nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
