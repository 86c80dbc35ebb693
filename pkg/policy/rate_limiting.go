package policy

import "time"

// RateLimitingPolicy admits at most Rate calls per LimitRefreshPeriod. A
// caller waits up to TimeoutDuration for a permit before being rejected.
type RateLimitingPolicy struct {
	Base               `yaml:",inline"`
	Rate               int      `yaml:"rate"`
	LimitRefreshPeriod Duration `yaml:"limitRefreshPeriod"`
	TimeoutDuration    Duration `yaml:"timeoutDuration"`
}

// NewRateLimitingPolicy returns a policy carrying the defaults.
func NewRateLimitingPolicy() *RateLimitingPolicy {
	return &RateLimitingPolicy{
		Rate:               1000,
		LimitRefreshPeriod: Duration(time.Second),
	}
}

func (p *RateLimitingPolicy) Validate() error {
	if p.Rate <= 0 {
		return invalid("rate must be positive, got %d", p.Rate)
	}
	if p.LimitRefreshPeriod <= 0 {
		return invalid("limitRefreshPeriod must be positive")
	}
	if p.TimeoutDuration < 0 {
		return invalid("timeoutDuration must not be negative")
	}
	return nil
}

// IdentifierRateLimitingPolicy applies a rate limit per distinct value of the
// Identifier request header.
type IdentifierRateLimitingPolicy struct {
	RateLimitingPolicy `yaml:",inline"`
	Identifier         string `yaml:"identifier"`
}

func NewIdentifierRateLimitingPolicy() *IdentifierRateLimitingPolicy {
	return &IdentifierRateLimitingPolicy{RateLimitingPolicy: *NewRateLimitingPolicy()}
}

func (p *IdentifierRateLimitingPolicy) Validate() error {
	if p.Identifier == "" {
		return invalid("identifier header is required")
	}
	return p.RateLimitingPolicy.Validate()
}
