package policy

import (
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WindowType selects how a circuit breaker sliding window is measured.
type WindowType string

const (
	// WindowCount aggregates the last N calls.
	WindowCount WindowType = "count"
	// WindowTime aggregates the calls of the last N seconds.
	WindowTime WindowType = "time"
)

// WindowSize is the sliding window size. Digits are taken as is; duration
// strings are converted to whole seconds.
type WindowSize int

// UnmarshalYAML implements yaml.Unmarshaler.
func (w *WindowSize) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*w = defaultWindowSize
		return nil
	}
	if isDigits(raw) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return invalid("slidingWindowSize %q: %v", raw, err)
		}
		*w = WindowSize(n)
		return nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*w = WindowSize(d / time.Second)
	return nil
}

const defaultWindowSize WindowSize = 100

// CircuitBreakerPolicy configures a sliding window circuit breaker. The same
// shape is used for instance isolation, where one breaker exists per instance.
type CircuitBreakerPolicy struct {
	Base                                  `yaml:",inline"`
	FailureRateThreshold                  float64    `yaml:"failureRateThreshold"`
	SlowCallRateThreshold                 float64    `yaml:"slowCallRateThreshold"`
	WaitDurationInOpenState               Duration   `yaml:"waitDurationInOpenState"`
	SlowCallDurationThreshold             Duration   `yaml:"slowCallDurationThreshold"`
	PermittedNumberOfCallsInHalfOpenState int        `yaml:"permittedNumberOfCallsInHalfOpenState"`
	MinimumNumberOfCalls                  int        `yaml:"minimumNumberOfCalls"`
	SlidingWindowType                     string     `yaml:"slidingWindowType"`
	SlidingWindowSize                     WindowSize `yaml:"slidingWindowSize"`
	RecordFailureStatus                   []string   `yaml:"recordFailureStatus"`
	ForceOpen                             bool       `yaml:"forceOpen"`
	ForceClosed                           bool       `yaml:"forceClosed"`
}

// NewCircuitBreakerPolicy returns a policy carrying the defaults.
func NewCircuitBreakerPolicy() *CircuitBreakerPolicy {
	return &CircuitBreakerPolicy{
		FailureRateThreshold:                  50,
		SlowCallRateThreshold:                 100,
		WaitDurationInOpenState:               Duration(60 * time.Second),
		SlowCallDurationThreshold:             Duration(60 * time.Second),
		PermittedNumberOfCallsInHalfOpenState: 10,
		MinimumNumberOfCalls:                  100,
		SlidingWindowSize:                     defaultWindowSize,
		RecordFailureStatus:                   []string{"502", "503"},
	}
}

// WindowType resolves SlidingWindowType. An empty type is time based.
func (p *CircuitBreakerPolicy) WindowType() WindowType {
	t, _ := parseWindowType(p.SlidingWindowType)
	return t
}

func parseWindowType(raw string) (WindowType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "count", "count_based":
		return WindowCount, true
	case "", "time", "time_based":
		return WindowTime, true
	default:
		return WindowTime, false
	}
}

// FailureStatuses returns the non-empty status codes recorded as failures,
// falling back to 502 and 503.
func (p *CircuitBreakerPolicy) FailureStatuses() []string {
	out := make([]string, 0, len(p.RecordFailureStatus))
	for _, s := range p.RecordFailureStatus {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"502", "503"}
	}
	return out
}

func (p *CircuitBreakerPolicy) Validate() error {
	switch {
	case p.FailureRateThreshold <= 0 || p.FailureRateThreshold > 100:
		return invalid("failureRateThreshold must be in (0, 100], got %v", p.FailureRateThreshold)
	case p.SlowCallRateThreshold <= 0 || p.SlowCallRateThreshold > 100:
		return invalid("slowCallRateThreshold must be in (0, 100], got %v", p.SlowCallRateThreshold)
	case p.WaitDurationInOpenState <= 0:
		return invalid("waitDurationInOpenState must be positive")
	case p.SlowCallDurationThreshold <= 0:
		return invalid("slowCallDurationThreshold must be positive")
	case p.PermittedNumberOfCallsInHalfOpenState <= 0:
		return invalid("permittedNumberOfCallsInHalfOpenState must be positive")
	case p.MinimumNumberOfCalls <= 0:
		return invalid("minimumNumberOfCalls must be positive")
	case p.SlidingWindowSize <= 0:
		return invalid("slidingWindowSize must be positive")
	case !validWindowType(p.SlidingWindowType):
		return invalid("unknown slidingWindowType %q", p.SlidingWindowType)
	case p.ForceOpen && p.ForceClosed:
		return invalid("forceOpen and forceClosed are mutually exclusive")
	}
	return nil
}

func validWindowType(raw string) bool {
	_, ok := parseWindowType(raw)
	return ok
}
