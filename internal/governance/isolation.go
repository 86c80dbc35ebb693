package governance

import (
	"context"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/policy/match"
)

// DefaultIsolationPolicy names the instance isolation policy used when no
// other policy applies to a request.
const DefaultIsolationPolicy = "default"

// InstanceIsolationHandler resolves one breaker per policy and instance.
type InstanceIsolationHandler = Handler[*policy.CircuitBreakerPolicy, *CircuitBreaker]

// InstanceIsolationOptions tune instance isolation policy lookup.
type InstanceIsolationOptions struct {
	// DefaultFallback selects the "default" policy when neither a marker nor
	// the target service name selects one. When false such requests are not
	// governed.
	DefaultFallback bool
}

// NewInstanceIsolationHandler creates the instanceIsolation handler. Requests
// without a service name or instance id are not governed.
func NewInstanceIsolationHandler(policies PolicySource[*policy.CircuitBreakerPolicy], deps Deps, opts InstanceIsolationOptions) *InstanceIsolationHandler {
	deps = deps.withDefaults()
	kind := policy.KindInstanceIsolation
	return NewHandler(Spec[*policy.CircuitBreakerPolicy, *CircuitBreaker]{
		Kind:     kind,
		Policies: policies,
		MatchPolicy: func(ctx context.Context, req *domain.GovernanceRequest) (*policy.CircuitBreakerPolicy, bool) {
			if req.ServiceName == "" || req.InstanceID == "" {
				return nil, false
			}
			all := policies.ParsedEntity()
			if deps.Matcher != nil {
				if p, ok := match.Select(ctx, deps.Matcher, req, all); ok {
					return p, true
				}
			}
			if p, ok := all[req.ServiceName]; ok {
				return p, true
			}
			if opts.DefaultFallback {
				p, ok := all[DefaultIsolationPolicy]
				return p, ok
			}
			return nil, false
		},
		CreateKey: func(req *domain.GovernanceRequest, p *policy.CircuitBreakerPolicy) (string, bool) {
			return kind.Key(p.PolicyName()) + "." + req.InstanceID, true
		},
		PrefixInvalidation: true,
		Build: func(key string, p *policy.CircuitBreakerPolicy) (*CircuitBreaker, func(), error) {
			cb := NewCircuitBreaker(kind, key, p, deps.Clock)
			return cb, cb.bindMetrics(deps.Metrics), nil
		},
	}, deps)
}
