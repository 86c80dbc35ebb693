package governance

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

// LoadBalancer picks one of the candidate instances handed to it by the
// invocation layer.
type LoadBalancer struct {
	key        string
	rule       string
	hashHeader string
	next       atomic.Uint64
}

// NewLoadBalancer builds the balancer for p.
func NewLoadBalancer(key string, p *policy.LoadBalancerPolicy) *LoadBalancer {
	return &LoadBalancer{key: key, rule: p.CanonicalRule(), hashHeader: p.HashHeader}
}

// Key returns the governance key.
func (lb *LoadBalancer) Key() string { return lb.key }

// Rule returns the canonical rule name.
func (lb *LoadBalancer) Rule() string { return lb.rule }

// Choose selects an instance. ConsistentHash uses rendezvous hashing on the
// hash header so a value keeps its instance while that instance is listed;
// requests without the header fall back to round robin.
func (lb *LoadBalancer) Choose(req *domain.GovernanceRequest, instances []string) (string, bool) {
	if len(instances) == 0 {
		return "", false
	}
	switch lb.rule {
	case policy.RuleRandom:
		// #nosec G404 - instance selection does not need a cryptographic source
		return instances[rand.IntN(len(instances))], true
	case policy.RuleConsistentHash:
		if value, ok := req.Header(lb.hashHeader); ok && value != "" {
			return rendezvous(value, instances), true
		}
	}
	n := lb.next.Add(1) - 1
	return instances[n%uint64(len(instances))], true
}

func rendezvous(value string, instances []string) string {
	var (
		best      string
		bestScore uint64
	)
	for i, inst := range instances {
		d := xxhash.New()
		_, _ = d.WriteString(value)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(inst)
		if score := d.Sum64(); i == 0 || score > bestScore {
			best, bestScore = inst, score
		}
	}
	return best
}

// LoadBalanceHandler resolves load balancers per policy.
type LoadBalanceHandler = Handler[*policy.LoadBalancerPolicy, *LoadBalancer]

// NewLoadBalanceHandler creates the loadbalance handler.
func NewLoadBalanceHandler(policies PolicySource[*policy.LoadBalancerPolicy], deps Deps) *LoadBalanceHandler {
	return NewHandler(Spec[*policy.LoadBalancerPolicy, *LoadBalancer]{
		Kind:     policy.KindLoadBalance,
		Policies: policies,
		Build: func(key string, p *policy.LoadBalancerPolicy) (*LoadBalancer, func(), error) {
			return NewLoadBalancer(key, p), nil, nil
		},
	}, deps)
}
