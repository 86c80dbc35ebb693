package policy

import (
	"strings"

	"github.com/polisai/polis-governance/pkg/domain"
)

// ConfigPrefix is the namespace shared by every governance configuration key.
const ConfigPrefix = "servicecomb"

// Kind names a governance concern. It doubles as the second segment of the
// configuration keys for that concern.
type Kind string

const (
	KindMatchGroup             Kind = "matchGroup"
	KindRateLimiting           Kind = "rateLimiting"
	KindIdentifierRateLimiting Kind = "identifierRateLimiting"
	KindCircuitBreaker         Kind = "circuitBreaker"
	KindInstanceIsolation      Kind = "instanceIsolation"
	KindBulkhead               Kind = "bulkhead"
	KindInstanceBulkhead       Kind = "instanceBulkhead"
	KindRetry                  Kind = "retry"
	KindTimeLimiter            Kind = "timeLimiter"
	KindFaultInjection         Kind = "faultInjection"
	KindMapper                 Kind = "mapper"
	KindLoadBalance            Kind = "loadbalance"
	KindCache                  Kind = "cache"
)

// Kinds lists every policy kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindMatchGroup,
		KindRateLimiting,
		KindIdentifierRateLimiting,
		KindCircuitBreaker,
		KindInstanceIsolation,
		KindBulkhead,
		KindInstanceBulkhead,
		KindRetry,
		KindTimeLimiter,
		KindFaultInjection,
		KindMapper,
		KindLoadBalance,
		KindCache,
	}
}

// KeyPrefix returns the configuration key prefix for the kind, including the
// trailing dot.
func (k Kind) KeyPrefix() string {
	return ConfigPrefix + "." + string(k) + "."
}

// Key returns the configuration key of the named policy.
func (k Kind) Key(name string) string {
	return k.KeyPrefix() + name
}

// Policy is implemented by every decoded governance rule.
type Policy interface {
	// PolicyName returns the name taken from the configuration key.
	PolicyName() string
	// SetName assigns the policy name. Decode calls it once.
	SetName(name string)
	// ServiceFilter returns the raw services expression, empty when the
	// policy applies to every service.
	ServiceFilter() string
	// Validate reports semantic errors such as out of range thresholds.
	Validate() error
}

// Base carries the fields shared by all policies.
type Base struct {
	Name     string `yaml:"-"`
	Services string `yaml:"services,omitempty"`
}

// PolicyName implements Policy.
func (b *Base) PolicyName() string { return b.Name }

// SetName implements Policy.
func (b *Base) SetName(name string) { b.Name = name }

// ServiceFilter implements Policy.
func (b *Base) ServiceFilter() string { return b.Services }

// AppliesTo reports whether a services expression selects the given service.
// The expression is a comma separated list of "name" or "name:version" items;
// an empty expression selects everything.
func AppliesTo(services string, meta domain.ServiceMeta) bool {
	services = strings.TrimSpace(services)
	if services == "" {
		return true
	}
	for _, item := range strings.Split(services, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, version, hasVersion := strings.Cut(item, ":")
		if name != meta.Name {
			continue
		}
		if !hasVersion || version == meta.Version {
			return true
		}
	}
	return false
}

// New returns a policy of kind carrying its defaults. ok is false for an
// unknown kind.
func New(kind Kind) (p Policy, ok bool) {
	switch kind {
	case KindMatchGroup:
		return NewTrafficMarker(), true
	case KindRateLimiting:
		return NewRateLimitingPolicy(), true
	case KindIdentifierRateLimiting:
		return NewIdentifierRateLimitingPolicy(), true
	case KindCircuitBreaker, KindInstanceIsolation:
		return NewCircuitBreakerPolicy(), true
	case KindBulkhead, KindInstanceBulkhead:
		return NewBulkheadPolicy(), true
	case KindRetry:
		return NewRetryPolicy(), true
	case KindTimeLimiter:
		return NewTimeLimiterPolicy(), true
	case KindFaultInjection:
		return NewFaultInjectionPolicy(), true
	case KindMapper:
		return NewMapperPolicy(), true
	case KindLoadBalance:
		return NewLoadBalancerPolicy(), true
	case KindCache:
		return NewGovernanceCachePolicy(), true
	}
	return nil, false
}

// ParseKey splits servicecomb.<kind>.<name> into its kind and name.
func ParseKey(key string) (kind Kind, name string, ok bool) {
	for _, k := range Kinds() {
		prefix := k.KeyPrefix()
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return k, key[len(prefix):], true
		}
	}
	return "", "", false
}
