package policy

import "time"

// GovernanceCachePolicy configures a bounded time-to-live result cache.
type GovernanceCachePolicy struct {
	Base             `yaml:",inline"`
	TTL              Duration `yaml:"ttl"`
	MaximumSize      int      `yaml:"maximumSize"`
	ConcurrencyLevel int      `yaml:"concurrencyLevel"`
}

func NewGovernanceCachePolicy() *GovernanceCachePolicy {
	return &GovernanceCachePolicy{
		TTL:              Duration(6 * time.Hour),
		MaximumSize:      10000,
		ConcurrencyLevel: 8,
	}
}

func (p *GovernanceCachePolicy) Validate() error {
	switch {
	case p.TTL <= 0:
		return invalid("ttl must be positive")
	case p.MaximumSize <= 0:
		return invalid("maximumSize must be positive, got %d", p.MaximumSize)
	case p.ConcurrencyLevel <= 0:
		return invalid("concurrencyLevel must be positive, got %d", p.ConcurrencyLevel)
	}
	return nil
}
