package planner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"fixline/internal/domain"
	"fixline/internal/logging"
	"fixline/internal/metrics"
	"fixline/internal/schema"
)

// Request is one proposal attempt. Nudge carries the corrective note after a
// rejected plan.
type Request struct {
	Context domain.EnrichedContext
	Tools   []schema.Definition
	Nudge   string
	Attempt int
}

// Generator proposes a remediation plan. Errors should be *domain.Error with
// code model_error; Retryable marks transient failures.
type Generator interface {
	Propose(ctx context.Context, req Request) (domain.Plan, error)
}

// Retrying retries transient model errors with exponential backoff and jitter.
type Retrying struct {
	Generator       Generator
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *logging.Logger
	Metrics         *metrics.Metrics
}

func (r Retrying) Propose(ctx context.Context, req Request) (domain.Plan, error) {
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	b.RandomizationFactor = 0.5
	attempts := r.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	op := func() (domain.Plan, error) {
		plan, err := r.Generator.Propose(ctx, req)
		if err == nil {
			r.Metrics.PlanAttempt("ok")
			return plan, nil
		}
		r.Metrics.PlanAttempt("model_error")
		if !domain.IsRetryable(err) {
			return plan, backoff.Permanent(err)
		}
		return plan, err
	}
	plan, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if r.Logger != nil {
				r.Logger.Warn(ctx, "model call failed, retrying", zap.Error(err), zap.Duration("wait", wait))
			}
		}),
	)
	if err != nil {
		e := domain.AsError(err)
		if e.Code != domain.CodeModelError {
			e = domain.ModelError(false, "%s", e.Message)
		}
		out := *e
		out.Retryable = false
		return domain.Plan{}, out.With("attempts", attempts)
	}
	return plan, nil
}

// Unconfigured fails every proposal; used when no model provider is set.
type Unconfigured struct{}

func (Unconfigured) Propose(context.Context, Request) (domain.Plan, error) {
	return domain.Plan{}, domain.ModelError(false, "no plan generator configured")
}
