package policy

import (
	"strings"
	"time"
)

// Retry strategies.
const (
	RetryFixedInterval = "FixedInterval"
	RetryRandomBackoff = "RandomBackoff"
)

// RetryPolicy configures bounded re-execution of a call.
type RetryPolicy struct {
	Base                  `yaml:",inline"`
	MaxAttempts           int      `yaml:"maxAttempts"`
	RetryOnSame           int      `yaml:"retryOnSame"`
	RetryOnResponseStatus []string `yaml:"retryOnResponseStatus"`
	WaitDuration          Duration `yaml:"waitDuration"`
	RetryStrategy         string   `yaml:"retryStrategy"`
	InitialInterval       Duration `yaml:"initialInterval"`
	Multiplier            float64  `yaml:"multiplier"`
	RandomizationFactor   float64  `yaml:"randomizationFactor"`
}

// NewRetryPolicy returns a policy carrying the defaults.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:           3,
		RetryOnResponseStatus: []string{"502", "503"},
		WaitDuration:          Duration(10 * time.Millisecond),
		RetryStrategy:         RetryFixedInterval,
		InitialInterval:       Duration(time.Millisecond),
		Multiplier:            2,
		RandomizationFactor:   0.5,
	}
}

// Strategy returns the canonical strategy name, FixedInterval when unset.
func (p *RetryPolicy) Strategy() string {
	if strings.EqualFold(strings.TrimSpace(p.RetryStrategy), RetryRandomBackoff) {
		return RetryRandomBackoff
	}
	return RetryFixedInterval
}

func (p *RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return invalid("maxAttempts must be at least 1, got %d", p.MaxAttempts)
	case p.RetryOnSame < 0:
		return invalid("retryOnSame must not be negative")
	case p.WaitDuration < 0:
		return invalid("waitDuration must not be negative")
	}
	s := strings.TrimSpace(p.RetryStrategy)
	if s != "" && !strings.EqualFold(s, RetryFixedInterval) && !strings.EqualFold(s, RetryRandomBackoff) {
		return invalid("unknown retryStrategy %q", p.RetryStrategy)
	}
	if p.Strategy() == RetryRandomBackoff {
		if p.InitialInterval <= 0 {
			return invalid("initialInterval must be positive")
		}
		if p.Multiplier < 1 {
			return invalid("multiplier must be at least 1, got %v", p.Multiplier)
		}
		if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
			return invalid("randomizationFactor must be in [0, 1), got %v", p.RandomizationFactor)
		}
	}
	return nil
}
