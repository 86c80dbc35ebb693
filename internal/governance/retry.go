package governance

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

// RetryExtension decides which outcomes are retried. It keeps the retry loop
// independent of the transport that produced the outcome.
type RetryExtension interface {
	// IsRetryStatus reports whether a response status is retried given the
	// policy's retryOnResponseStatus list.
	IsRetryStatus(statuses []string, status int) bool
	// IsRetryError reports whether a failure without a status is retried.
	IsRetryError(err error) bool
}

// DefaultRetryExtension retries listed statuses and every failure that is
// neither a governance rejection nor a cancellation.
type DefaultRetryExtension struct{}

// IsRetryStatus implements RetryExtension.
func (DefaultRetryExtension) IsRetryStatus(statuses []string, status int) bool {
	code := strconv.Itoa(status)
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

// IsRetryError implements RetryExtension.
func (DefaultRetryExtension) IsRetryError(err error) bool {
	if domain.IsRejection(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type attemptKey struct{}

// AttemptFromContext returns the 1-based attempt number of the call running
// under a Retry, or 0 outside one.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Retry re-executes failed calls.
type Retry struct {
	name        string
	key         string
	maxAttempts int
	retryOnSame int
	statuses    []string
	strategy    string
	wait        time.Duration
	initial     time.Duration
	multiplier  float64
	randomize   float64
	ext         RetryExtension
	clock       clock.Clock
}

// NewRetry builds the retry processor for p. A nil ext selects
// DefaultRetryExtension.
func NewRetry(key string, p *policy.RetryPolicy, ext RetryExtension, clk clock.Clock) *Retry {
	if ext == nil {
		ext = DefaultRetryExtension{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Retry{
		name:        p.PolicyName(),
		key:         key,
		maxAttempts: p.MaxAttempts,
		retryOnSame: p.RetryOnSame,
		statuses:    p.RetryOnResponseStatus,
		strategy:    p.Strategy(),
		wait:        p.WaitDuration.D(),
		initial:     p.InitialInterval.D(),
		multiplier:  p.Multiplier,
		randomize:   p.RandomizationFactor,
		ext:         ext,
		clock:       clk,
	}
}

// Key returns the governance key.
func (r *Retry) Key() string { return r.key }

// MaxAttempts returns the total number of tries.
func (r *Retry) MaxAttempts() int { return r.maxAttempts }

// SameInstance reports whether the given attempt should reuse the instance of
// the first try.
func (r *Retry) SameInstance(attempt int) bool {
	return attempt > 1 && attempt-1 <= r.retryOnSame
}

// Interval returns the wait after the given failed attempt.
func (r *Retry) Interval(attempt int) time.Duration {
	if r.strategy != policy.RetryRandomBackoff {
		return r.wait
	}
	base := float64(r.initial) * math.Pow(r.multiplier, float64(attempt-1))
	if r.randomize == 0 {
		return time.Duration(base)
	}
	delta := r.randomize * base
	// #nosec G404 - jitter does not need a cryptographic source
	return time.Duration(base - delta + rand.Float64()*(2*delta))
}

// ShouldRetry reports whether err is retried.
func (r *Retry) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := StatusOf(err); ok {
		return r.ext.IsRetryStatus(r.statuses, status)
	}
	return r.ext.IsRetryError(err)
}

// Execute runs fn until it succeeds, a failure is not retryable or the
// attempts are exhausted. The last failure is returned unchanged.
func (r *Retry) Execute(ctx context.Context, fn func(context.Context) error) error {
	var err error
	attempt := 1
	defer func() {
		if attempt > 1 {
			telemetry.RecordRetries(ctx, r.name, attempt-1)
		}
	}()

	for ; ; attempt++ {
		err = fn(context.WithValue(ctx, attemptKey{}, attempt))
		if err == nil || attempt >= r.maxAttempts || !r.ShouldRetry(err) {
			return err
		}
		if wait := r.Interval(attempt); wait > 0 {
			timer := r.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C():
			}
		} else if ctx.Err() != nil {
			return err
		}
	}
}

// RetryHandler resolves retry processors per policy.
type RetryHandler = Handler[*policy.RetryPolicy, *Retry]

// NewRetryHandler creates the retry handler.
func NewRetryHandler(policies PolicySource[*policy.RetryPolicy], deps Deps, ext RetryExtension) *RetryHandler {
	deps = deps.withDefaults()
	return NewHandler(Spec[*policy.RetryPolicy, *Retry]{
		Kind:     policy.KindRetry,
		Policies: policies,
		Build: func(key string, p *policy.RetryPolicy) (*Retry, func(), error) {
			return NewRetry(key, p, ext, deps.Clock), nil, nil
		},
	}, deps)
}
