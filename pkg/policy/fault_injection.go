package policy

import "strings"

// Fault types.
const (
	FaultDelay = "delay"
	FaultAbort = "abort"
)

// Fallback behaviours for aborted calls.
const (
	FallbackThrowException = "ThrowException"
	FallbackReturnNull     = "ReturnNull"
)

// FaultInjectionPolicy delays or aborts a percentage of matching calls.
type FaultInjectionPolicy struct {
	Base         `yaml:",inline"`
	Type         string   `yaml:"type"`
	Percentage   int      `yaml:"percentage"`
	DelayTime    Duration `yaml:"delayTime"`
	ErrorCode    int      `yaml:"errorCode"`
	FallbackType string   `yaml:"fallbackType"`
	ForceClosed  bool     `yaml:"forceClosed"`
}

func NewFaultInjectionPolicy() *FaultInjectionPolicy {
	return &FaultInjectionPolicy{
		Type:         FaultDelay,
		Percentage:   -1,
		ErrorCode:    500,
		FallbackType: FallbackThrowException,
	}
}

// Fallback returns the canonical fallback type.
func (p *FaultInjectionPolicy) Fallback() string {
	if strings.EqualFold(p.FallbackType, FallbackReturnNull) {
		return FallbackReturnNull
	}
	return FallbackThrowException
}

func (p *FaultInjectionPolicy) Validate() error {
	switch {
	case p.FallbackType == "",
		strings.EqualFold(p.FallbackType, FallbackThrowException),
		strings.EqualFold(p.FallbackType, FallbackReturnNull):
	default:
		return invalid("unknown fallbackType %q", p.FallbackType)
	}
	if p.Percentage < 0 || p.Percentage > 100 {
		return invalid("percentage must be in [0, 100], got %d", p.Percentage)
	}
	switch strings.ToLower(p.Type) {
	case FaultDelay:
		if p.DelayTime <= 0 {
			return invalid("delayTime must be positive for delay faults")
		}
	case FaultAbort:
		if p.ErrorCode < 200 || p.ErrorCode >= 600 {
			return invalid("errorCode must be a valid status, got %d", p.ErrorCode)
		}
	default:
		return invalid("unknown fault type %q", p.Type)
	}
	return nil
}
