package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

var errCall = errors.New("call failed")

func countBreakerPolicy(minCalls, window int) *policy.CircuitBreakerPolicy {
	p := policy.NewCircuitBreakerPolicy()
	p.SlidingWindowType = "count"
	p.SlidingWindowSize = policy.WindowSize(window)
	p.MinimumNumberOfCalls = minCalls
	p.PermittedNumberOfCallsInHalfOpenState = 2
	p.WaitDurationInOpenState = policy.Duration(10 * time.Second)
	return p
}

func feed(cb *CircuitBreaker, failures, successes int) {
	for range failures {
		cb.Record(0, errCall)
	}
	for range successes {
		cb.Record(0, nil)
	}
}

func TestCircuitBreakerOpensOnTenthCall(t *testing.T) {
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", countBreakerPolicy(10, 10), newFakeClock())

	feed(cb, 6, 3)
	assert.Equal(t, StateClosed, cb.State())
	feed(cb, 0, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", countBreakerPolicy(10, 10), newFakeClock())

	feed(cb, 4, 6)

	assert.Equal(t, StateClosed, cb.State())
	stats := cb.Stats()
	assert.Equal(t, 10, stats.BufferedCalls)
	assert.InDelta(t, 40, stats.FailureRate, 0.001)
}

func TestCircuitBreakerHonoursMinimumNumberOfCalls(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		minCalls := rapid.IntRange(1, 50).Draw(rt, "minCalls")
		cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", countBreakerPolicy(minCalls, 100), newFakeClock())

		feed(cb, minCalls-1, 0)
		require.Equal(rt, StateClosed, cb.State())
		feed(cb, 1, 0)
		require.Equal(rt, StateOpen, cb.State())
	})
}

func TestCircuitBreakerRejectsWhileOpen(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "servicecomb.circuitBreaker.hello", countBreakerPolicy(2, 2), clk)
	feed(cb, 2, 0)
	require.Equal(t, StateOpen, cb.State())

	err := cb.Acquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, domain.IsRejection(err))

	clk.Step(9 * time.Second)
	assert.ErrorIs(t, cb.Acquire(), ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenCloses(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", countBreakerPolicy(2, 2), clk)
	feed(cb, 2, 0)
	clk.Step(10 * time.Second)

	require.NoError(t, cb.Acquire())
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Acquire())
	assert.ErrorIs(t, cb.Acquire(), ErrCircuitOpen, "only the permitted trial calls pass")

	feed(cb, 0, 1)
	assert.Equal(t, StateHalfOpen, cb.State())
	feed(cb, 0, 1)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Stats().BufferedCalls)
	assert.NoError(t, cb.Acquire())
}

func TestCircuitBreakerHalfOpenReopens(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", countBreakerPolicy(2, 2), clk)
	feed(cb, 2, 0)
	clk.Step(10 * time.Second)
	require.NoError(t, cb.Acquire())
	require.NoError(t, cb.Acquire())

	feed(cb, 1, 1)

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Acquire(), ErrCircuitOpen)
}

func TestCircuitBreakerForcedStates(t *testing.T) {
	open := countBreakerPolicy(1, 1)
	open.ForceOpen = true
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", open, newFakeClock())
	assert.Equal(t, StateForcedOpen, cb.State())
	assert.ErrorIs(t, cb.Acquire(), ErrCircuitOpen)

	closed := countBreakerPolicy(1, 1)
	closed.ForceClosed = true
	cb = NewCircuitBreaker(policy.KindCircuitBreaker, "k", closed, newFakeClock())
	feed(cb, 10, 0)
	assert.Equal(t, StateDisabled, cb.State())
	assert.NoError(t, cb.Acquire())
}

func TestCircuitBreakerFailureStatuses(t *testing.T) {
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", countBreakerPolicy(2, 2), newFakeClock())

	cb.Record(0, NewStatusError(404, errCall))
	cb.Record(0, NewStatusError(400, nil))
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Stats().FailedCalls)

	cb.Record(0, NewStatusError(503, errCall))
	cb.Record(0, NewStatusError(502, errCall))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerSlowCalls(t *testing.T) {
	p := countBreakerPolicy(2, 4)
	p.SlowCallRateThreshold = 50
	p.SlowCallDurationThreshold = policy.Duration(time.Second)
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", p, newFakeClock())

	cb.Record(10*time.Millisecond, nil)
	cb.Record(2*time.Second, nil)

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 1, cb.Stats().SlowCalls)
}

func TestCircuitBreakerTimeWindowForgetsOldCalls(t *testing.T) {
	clk := newFakeClock()
	p := policy.NewCircuitBreakerPolicy()
	p.SlidingWindowSize = 10
	p.MinimumNumberOfCalls = 2
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", p, clk)

	cb.Record(0, errCall)
	clk.Step(11 * time.Second)
	cb.Record(0, errCall)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Stats().BufferedCalls)

	clk.Step(3 * time.Second)
	cb.Record(0, errCall)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerExecute(t *testing.T) {
	clk := newFakeClock()
	cb := NewCircuitBreaker(policy.KindCircuitBreaker, "k", countBreakerPolicy(1, 1), clk)
	calls := 0
	fail := func(context.Context) error {
		calls++
		return errCall
	}

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errCall)
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreakerHandlerGauges(t *testing.T) {
	src := config.NewMemorySource(map[string]string{
		"servicecomb.matchGroup.hello":     pathMarker("/hello"),
		"servicecomb.circuitBreaker.hello": "minimumNumberOfCalls: 1\nslidingWindowType: count\nslidingWindowSize: 1\n",
	})
	reg := prometheus.NewRegistry()
	h := NewCircuitBreakerHandler(properties(src, policy.KindCircuitBreaker, policy.NewCircuitBreakerPolicy), newTestDeps(src, newFakeClock(), reg))

	cb, ok, err := h.GetActuator(context.Background(), &domain.GovernanceRequest{APIPath: "/hello"})
	require.NoError(t, err)
	require.True(t, ok)
	cb.Record(0, errCall)

	v, found := gaugeValue(t, reg, "servicecomb_circuit_breaker_state", "servicecomb.circuitBreaker.hello")
	require.True(t, found)
	assert.Equal(t, StateOpen.gauge(), v)
	v, found = gaugeValue(t, reg, "servicecomb_circuit_breaker_buffered_calls", "servicecomb.circuitBreaker.hello")
	require.True(t, found)
	assert.Equal(t, float64(1), v)
}

func TestCircuitBreakerHandlerRejectsUnknownWindowType(t *testing.T) {
	src := config.NewMemorySource(map[string]string{
		"servicecomb.matchGroup.hello":     pathMarker("/hello"),
		"servicecomb.circuitBreaker.hello": "minimumNumberOfCalls: 1\nslidingWindowType: bogus\n",
	})
	h := NewCircuitBreakerHandler(properties(src, policy.KindCircuitBreaker, policy.NewCircuitBreakerPolicy), newTestDeps(src, newFakeClock(), nil))

	_, ok, err := h.GetActuator(context.Background(), &domain.GovernanceRequest{APIPath: "/hello"})
	assert.False(t, ok)
	var cfgErr *policy.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, policy.KindCircuitBreaker, cfgErr.Kind)
	assert.Zero(t, h.Processors().Len())
}
