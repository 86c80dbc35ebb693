package policy

// BulkheadPolicy caps concurrent calls. Callers queue for at most
// MaxWaitDuration when every permit is taken.
type BulkheadPolicy struct {
	Base               `yaml:",inline"`
	MaxConcurrentCalls int      `yaml:"maxConcurrentCalls"`
	MaxWaitDuration    Duration `yaml:"maxWaitDuration"`
}

func NewBulkheadPolicy() *BulkheadPolicy {
	return &BulkheadPolicy{MaxConcurrentCalls: 1000}
}

func (p *BulkheadPolicy) Validate() error {
	if p.MaxConcurrentCalls < 0 {
		return invalid("maxConcurrentCalls must not be negative, got %d", p.MaxConcurrentCalls)
	}
	if p.MaxWaitDuration < 0 {
		return invalid("maxWaitDuration must not be negative")
	}
	return nil
}
