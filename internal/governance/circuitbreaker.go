package governance

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/policy"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitState = "open"
	// StateHalfOpen indicates the circuit is testing whether the target recovered.
	StateHalfOpen CircuitState = "half_open"
	// StateForcedOpen rejects every call regardless of outcomes.
	StateForcedOpen CircuitState = "forced_open"
	// StateDisabled permits every call and records nothing.
	StateDisabled CircuitState = "disabled"
)

func (s CircuitState) gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	case StateForcedOpen:
		return 3
	case StateDisabled:
		return 4
	default:
		return 0
	}
}

type breakerConfig struct {
	failureRateThreshold  float64
	slowCallRateThreshold float64
	slowCallDuration      time.Duration
	waitInOpen            time.Duration
	halfOpenPermits       int
	minimumCalls          int
	failureStatuses       map[int]struct{}
}

// CircuitBreaker is the sliding window breaker built from a circuit breaker or
// instance isolation policy.
//
// The breaker evaluates failure and slow call rates once the window holds
// enough calls, opens when either reaches its threshold, moves to half-open
// lazily after the open wait, and decides from the outcome of the permitted
// trial calls whether to close or open again.
type CircuitBreaker struct {
	kind  policy.Kind
	key   string
	clock clock.PassiveClock

	mu               sync.Mutex
	state            CircuitState
	config           breakerConfig
	window           slidingWindow
	halfOpen         windowStats
	halfOpenAdmitted int
	openUntil        time.Time
	lastStateChange  time.Time
}

// NewCircuitBreaker builds the breaker for p.
func NewCircuitBreaker(kind policy.Kind, key string, p *policy.CircuitBreakerPolicy, clk clock.PassiveClock) *CircuitBreaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	now := clk.Now()
	cfg := breakerConfig{
		failureRateThreshold:  p.FailureRateThreshold,
		slowCallRateThreshold: p.SlowCallRateThreshold,
		slowCallDuration:      p.SlowCallDurationThreshold.D(),
		waitInOpen:            p.WaitDurationInOpenState.D(),
		halfOpenPermits:       p.PermittedNumberOfCallsInHalfOpenState,
		minimumCalls:          p.MinimumNumberOfCalls,
		failureStatuses:       statusSet(p.FailureStatuses()),
	}

	var window slidingWindow
	if p.WindowType() == policy.WindowCount {
		window = newCountWindow(int(p.SlidingWindowSize))
		// A count window never holds more calls than its size.
		if cfg.minimumCalls > int(p.SlidingWindowSize) {
			cfg.minimumCalls = int(p.SlidingWindowSize)
		}
	} else {
		window = newTimeWindow(int(p.SlidingWindowSize), now)
	}

	state := StateClosed
	switch {
	case p.ForceOpen:
		state = StateForcedOpen
	case p.ForceClosed:
		state = StateDisabled
	}

	return &CircuitBreaker{
		kind:            kind,
		key:             key,
		clock:           clk,
		state:           state,
		config:          cfg,
		window:          window,
		lastStateChange: now,
	}
}

// Key returns the governance key.
func (cb *CircuitBreaker) Key() string { return cb.key }

// Acquire asks the breaker for permission to make a call. A rejection is a
// *domain.RejectionError wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	switch cb.state {
	case StateClosed, StateDisabled:
		return nil
	case StateOpen:
		if now.Before(cb.openUntil) {
			return cb.rejection()
		}
		cb.transitionToLocked(StateHalfOpen, now)
		cb.halfOpenAdmitted++
		return nil
	case StateHalfOpen:
		if cb.halfOpenAdmitted < cb.config.halfOpenPermits {
			cb.halfOpenAdmitted++
			return nil
		}
		return cb.rejection()
	default:
		return cb.rejection()
	}
}

func (cb *CircuitBreaker) rejection() error {
	return reject(cb.kind, cb.key, "circuit breaker is "+string(cb.state)+" for "+cb.key, ErrCircuitOpen)
}

// Record reports the outcome of a permitted call. err is a failure unless it
// carries a response status outside the policy's failure status list.
func (cb *CircuitBreaker) Record(duration time.Duration, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock.Now()
	o := outcome{
		failed: cb.isFailure(err),
		slow:   duration >= cb.config.slowCallDuration,
	}

	switch cb.state {
	case StateClosed:
		cb.window.record(now, o)
		stats := cb.window.snapshot(now)
		if stats.calls < cb.config.minimumCalls {
			return
		}
		if cb.breached(stats) {
			cb.transitionToLocked(StateOpen, now)
		}
	case StateHalfOpen:
		cb.halfOpen.add(o)
		if cb.halfOpen.calls < cb.config.halfOpenPermits {
			return
		}
		if cb.breached(cb.halfOpen) {
			cb.transitionToLocked(StateOpen, now)
		} else {
			cb.transitionToLocked(StateClosed, now)
		}
	}
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Acquire(); err != nil {
		return err
	}
	start := cb.clock.Now()
	err := fn(ctx)
	cb.Record(cb.clock.Since(start), err)
	return err
}

func (cb *CircuitBreaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if status, ok := StatusOf(err); ok {
		_, failed := cb.config.failureStatuses[status]
		return failed
	}
	return true
}

func (cb *CircuitBreaker) breached(stats windowStats) bool {
	if stats.calls == 0 {
		return false
	}
	if stats.failureRate() >= cb.config.failureRateThreshold {
		return true
	}
	return stats.slowRate() >= cb.config.slowCallRateThreshold
}

func (cb *CircuitBreaker) transitionToLocked(next CircuitState, now time.Time) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.lastStateChange = now
	cb.halfOpen = windowStats{}
	cb.halfOpenAdmitted = 0

	switch next {
	case StateOpen:
		cb.openUntil = now.Add(cb.config.waitInOpen)
	case StateClosed:
		cb.openUntil = time.Time{}
		cb.window.reset(now)
	case StateHalfOpen:
		cb.openUntil = time.Time{}
	}
}

// State returns the current state. An open breaker whose wait elapsed still
// reports open until the next Acquire.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := cb.window.snapshot(cb.clock.Now())
	return CircuitBreakerStats{
		State:           string(cb.state),
		BufferedCalls:   stats.calls,
		FailedCalls:     stats.failures,
		SlowCalls:       stats.slow,
		FailureRate:     stats.failureRate(),
		SlowCallRate:    stats.slowRate(),
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string  `json:"state"`
	BufferedCalls   int     `json:"bufferedCalls"`
	FailedCalls     int     `json:"failedCalls"`
	SlowCalls       int     `json:"slowCalls"`
	FailureRate     float64 `json:"failureRate"`
	SlowCallRate    float64 `json:"slowCallRate"`
	LastStateChange string  `json:"lastStateChange"`
}

func (cb *CircuitBreaker) bindMetrics(m *Metrics) func() {
	unbindState := m.BindGauge(cb.kind, "state", "Breaker state: 0 closed, 1 open, 2 half open, 3 forced open, 4 disabled.", cb.key, func() float64 {
		return cb.State().gauge()
	})
	unbindBuffered := m.BindGauge(cb.kind, "buffered_calls", "Calls held in the sliding window.", cb.key, func() float64 {
		return float64(cb.Stats().BufferedCalls)
	})
	unbindRate := m.BindGauge(cb.kind, "failure_rate", "Failure rate in percent over the sliding window.", cb.key, func() float64 {
		return cb.Stats().FailureRate
	})
	return func() {
		unbindState()
		unbindBuffered()
		unbindRate()
	}
}

// CircuitBreakerHandler resolves breakers per policy.
type CircuitBreakerHandler = Handler[*policy.CircuitBreakerPolicy, *CircuitBreaker]

// NewCircuitBreakerHandler creates the circuitBreaker handler.
func NewCircuitBreakerHandler(policies PolicySource[*policy.CircuitBreakerPolicy], deps Deps) *CircuitBreakerHandler {
	deps = deps.withDefaults()
	return NewHandler(Spec[*policy.CircuitBreakerPolicy, *CircuitBreaker]{
		Kind:     policy.KindCircuitBreaker,
		Policies: policies,
		Build: func(key string, p *policy.CircuitBreakerPolicy) (*CircuitBreaker, func(), error) {
			cb := NewCircuitBreaker(policy.KindCircuitBreaker, key, p, deps.Clock)
			return cb, cb.bindMetrics(deps.Metrics), nil
		},
	}, deps)
}
