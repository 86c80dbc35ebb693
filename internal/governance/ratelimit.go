package governance

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

// RateLimiter is the token bucket processor of a rate limiting policy. It
// refills Rate permits every LimitRefreshPeriod and holds at most Rate.
type RateLimiter struct {
	kind    policy.Kind
	key     string
	limiter *rate.Limiter
	clock   clock.Clock
	timeout time.Duration
	burst   int
	waiting atomic.Int64
}

// NewRateLimiter builds the limiter for p.
func NewRateLimiter(kind policy.Kind, key string, p *policy.RateLimitingPolicy, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	limit := rate.Limit(float64(p.Rate) / p.LimitRefreshPeriod.D().Seconds())
	return &RateLimiter{
		kind:    kind,
		key:     key,
		limiter: rate.NewLimiter(limit, p.Rate),
		clock:   clk,
		timeout: p.TimeoutDuration.D(),
		burst:   p.Rate,
	}
}

// Key returns the governance key.
func (l *RateLimiter) Key() string { return l.key }

// Limit returns the number of permits per refresh period.
func (l *RateLimiter) Limit() int { return l.burst }

// TryAcquire takes a permit without waiting.
func (l *RateLimiter) TryAcquire() bool {
	return l.limiter.AllowN(l.clock.Now(), 1)
}

// IsLimitNewRequest reports whether a new request would be rejected, taking
// the permit when it is not.
func (l *RateLimiter) IsLimitNewRequest() bool {
	return !l.TryAcquire()
}

// Acquire takes a permit, waiting at most the policy timeout for one to become
// available. A rejection is a *domain.RejectionError wrapping ErrRateLimited.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.clock.Now()
	if l.timeout <= 0 {
		if l.limiter.AllowN(now, 1) {
			return nil
		}
		return reject(l.kind, l.key, "rate limit exceeded for "+l.key, ErrRateLimited)
	}

	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return reject(l.kind, l.key, "rate limit exceeded for "+l.key, ErrRateLimited)
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > l.timeout {
		r.CancelAt(now)
		return reject(l.kind, l.key, "rate limit exceeded for "+l.key, ErrRateLimited)
	}

	l.waiting.Add(1)
	defer l.waiting.Add(-1)
	timer := l.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return ctx.Err()
	}
}

// Available returns the permits currently available.
func (l *RateLimiter) Available() float64 {
	return l.limiter.TokensAt(l.clock.Now())
}

// Waiting returns the number of callers waiting for a permit.
func (l *RateLimiter) Waiting() int64 { return l.waiting.Load() }

func (l *RateLimiter) bindMetrics(m *Metrics) func() {
	unbindAvailable := m.BindGauge(l.kind, "available_permits", "Permits currently available.", l.key, l.Available)
	unbindWaiting := m.BindGauge(l.kind, "waiting_callers", "Callers waiting for a permit.", l.key, func() float64 {
		return float64(l.Waiting())
	})
	return func() {
		unbindAvailable()
		unbindWaiting()
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, l *RateLimiter) {
	remaining := int(l.Available())
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}

// RateLimitingHandler resolves rate limiters per policy.
type RateLimitingHandler = Handler[*policy.RateLimitingPolicy, *RateLimiter]

// NewRateLimitingHandler creates the rateLimiting handler.
func NewRateLimitingHandler(policies PolicySource[*policy.RateLimitingPolicy], deps Deps) *RateLimitingHandler {
	deps = deps.withDefaults()
	return NewHandler(Spec[*policy.RateLimitingPolicy, *RateLimiter]{
		Kind:     policy.KindRateLimiting,
		Policies: policies,
		Build: func(key string, p *policy.RateLimitingPolicy) (*RateLimiter, func(), error) {
			l := NewRateLimiter(policy.KindRateLimiting, key, p, deps.Clock)
			return l, l.bindMetrics(deps.Metrics), nil
		},
	}, deps)
}

// IdentifierRateLimitingHandler resolves one rate limiter per policy and
// identifier header value.
type IdentifierRateLimitingHandler = Handler[*policy.IdentifierRateLimitingPolicy, *RateLimiter]

// NewIdentifierRateLimitingHandler creates the identifierRateLimiting handler.
// Requests without the identifier header are not governed.
func NewIdentifierRateLimitingHandler(policies PolicySource[*policy.IdentifierRateLimitingPolicy], deps Deps) *IdentifierRateLimitingHandler {
	deps = deps.withDefaults()
	kind := policy.KindIdentifierRateLimiting
	return NewHandler(Spec[*policy.IdentifierRateLimitingPolicy, *RateLimiter]{
		Kind:               kind,
		Policies:           policies,
		PrefixInvalidation: true,
		CreateKey: func(req *domain.GovernanceRequest, p *policy.IdentifierRateLimitingPolicy) (string, bool) {
			value, ok := req.Header(p.Identifier)
			if !ok || value == "" {
				return "", false
			}
			return kind.Key(p.PolicyName()) + "." + value, true
		},
		Build: func(key string, p *policy.IdentifierRateLimitingPolicy) (*RateLimiter, func(), error) {
			l := NewRateLimiter(kind, key, &p.RateLimitingPolicy, deps.Clock)
			return l, l.bindMetrics(deps.Metrics), nil
		},
	}, deps)
}
