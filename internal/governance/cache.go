package governance

import (
	"github.com/jellydator/ttlcache/v3"

	"github.com/polisai/polis-governance/pkg/policy"
)

// GovernanceCache is a bounded TTL cache of call results. Entries expire ttl
// after they were written; the least recently used entry is evicted once
// maximumSize is reached.
type GovernanceCache struct {
	kind  policy.Kind
	key   string
	cache *ttlcache.Cache[string, any]
}

// NewGovernanceCache builds the cache for p.
func NewGovernanceCache(key string, p *policy.GovernanceCachePolicy) *GovernanceCache {
	return &GovernanceCache{
		kind: policy.KindCache,
		key:  key,
		cache: ttlcache.New[string, any](
			ttlcache.WithTTL[string, any](p.TTL.D()),
			ttlcache.WithCapacity[string, any](uint64(p.MaximumSize)),
			ttlcache.WithDisableTouchOnHit[string, any](),
		),
	}
}

// Key returns the governance key.
func (c *GovernanceCache) Key() string { return c.key }

// Get returns the unexpired value stored under k.
func (c *GovernanceCache) Get(k string) (any, bool) {
	item := c.cache.Get(k)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Put stores v under k with the policy TTL.
func (c *GovernanceCache) Put(k string, v any) {
	c.cache.Set(k, v, ttlcache.DefaultTTL)
}

// Len returns the number of stored entries, expired ones included until they
// are read or evicted.
func (c *GovernanceCache) Len() int { return c.cache.Len() }

func (c *GovernanceCache) close() { c.cache.DeleteAll() }

func (c *GovernanceCache) bindMetrics(m *Metrics) func() {
	return m.BindGauge(c.kind, "size", "Entries held by the cache.", c.key, func() float64 {
		return float64(c.Len())
	})
}

// CacheHandler resolves caches per policy.
type CacheHandler = Handler[*policy.GovernanceCachePolicy, *GovernanceCache]

// NewCacheHandler creates the cache handler.
func NewCacheHandler(policies PolicySource[*policy.GovernanceCachePolicy], deps Deps) *CacheHandler {
	return NewHandler(Spec[*policy.GovernanceCachePolicy, *GovernanceCache]{
		Kind:     policy.KindCache,
		Policies: policies,
		Build: func(key string, p *policy.GovernanceCachePolicy) (*GovernanceCache, func(), error) {
			c := NewGovernanceCache(key, p)
			unbind := c.bindMetrics(deps.Metrics)
			return c, func() {
				unbind()
				c.close()
			}, nil
		},
	}, deps)
}
