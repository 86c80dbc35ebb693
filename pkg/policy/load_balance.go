package policy

import "strings"

// Load balancing rules.
const (
	RuleRoundRobin     = "RoundRobin"
	RuleRandom         = "Random"
	RuleConsistentHash = "ConsistentHash"
)

// LoadBalancerPolicy chooses how a call picks among candidate instances.
type LoadBalancerPolicy struct {
	Base       `yaml:",inline"`
	Rule       string `yaml:"rule"`
	HashHeader string `yaml:"hashHeader"`
}

func NewLoadBalancerPolicy() *LoadBalancerPolicy {
	return &LoadBalancerPolicy{Rule: RuleRoundRobin}
}

// CanonicalRule returns the rule name with canonical casing, or "" when the
// rule is unknown.
func (p *LoadBalancerPolicy) CanonicalRule() string {
	for _, r := range []string{RuleRoundRobin, RuleRandom, RuleConsistentHash} {
		if strings.EqualFold(strings.TrimSpace(p.Rule), r) {
			return r
		}
	}
	return ""
}

func (p *LoadBalancerPolicy) Validate() error {
	switch p.CanonicalRule() {
	case "":
		return invalid("unknown load balance rule %q", p.Rule)
	case RuleConsistentHash:
		if p.HashHeader == "" {
			return invalid("hashHeader is required for %s", RuleConsistentHash)
		}
	}
	return nil
}
