package policy

import "time"

// TimeLimiterPolicy bounds call latency.
type TimeLimiterPolicy struct {
	Base                `yaml:",inline"`
	TimeoutDuration     Duration `yaml:"timeoutDuration"`
	CancelRunningFuture bool     `yaml:"cancelRunningFuture"`
}

func NewTimeLimiterPolicy() *TimeLimiterPolicy {
	return &TimeLimiterPolicy{TimeoutDuration: Duration(time.Second)}
}

func (p *TimeLimiterPolicy) Validate() error {
	if p.TimeoutDuration <= 0 {
		return invalid("timeoutDuration must be positive")
	}
	return nil
}
