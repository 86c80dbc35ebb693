package governance

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/policy"
)

// TimeLimiter bounds the latency of a call.
type TimeLimiter struct {
	key     string
	timeout time.Duration
	cancel  bool
	clock   clock.Clock
}

// NewTimeLimiter builds the limiter for p.
func NewTimeLimiter(key string, p *policy.TimeLimiterPolicy, clk clock.Clock) *TimeLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &TimeLimiter{
		key:     key,
		timeout: p.TimeoutDuration.D(),
		cancel:  p.CancelRunningFuture,
		clock:   clk,
	}
}

// Key returns the governance key.
func (t *TimeLimiter) Key() string { return t.key }

// Timeout returns the latency bound.
func (t *TimeLimiter) Timeout() time.Duration { return t.timeout }

// Execute races fn against the timeout. On timeout the call's context is
// cancelled when cancelRunningFuture is set; otherwise the call is abandoned
// and keeps running until it returns. The timeout error wraps ErrTimeout.
func (t *TimeLimiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	timer := t.clock.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-timer.C():
		if t.cancel {
			cancel()
		} else {
			go func() {
				<-done
				cancel()
			}()
		}
		return fmt.Errorf("%w: %s after %s", ErrTimeout, t.key, t.timeout)
	}
}

// TimeLimiterHandler resolves time limiters per policy.
type TimeLimiterHandler = Handler[*policy.TimeLimiterPolicy, *TimeLimiter]

// NewTimeLimiterHandler creates the timeLimiter handler.
func NewTimeLimiterHandler(policies PolicySource[*policy.TimeLimiterPolicy], deps Deps) *TimeLimiterHandler {
	deps = deps.withDefaults()
	return NewHandler(Spec[*policy.TimeLimiterPolicy, *TimeLimiter]{
		Kind:     policy.KindTimeLimiter,
		Policies: policies,
		Build: func(key string, p *policy.TimeLimiterPolicy) (*TimeLimiter, func(), error) {
			return NewTimeLimiter(key, p, deps.Clock), nil, nil
		},
	}, deps)
}
