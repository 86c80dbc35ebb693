package governance

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/policy/match"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

func newTestGovernor(t *testing.T, values map[string]string) (*config.MemorySource, *Governor) {
	t.Helper()
	src := config.NewMemorySource(values)
	g, err := NewGovernor(Options{
		Source:                           src,
		Clock:                            newFakeClock(),
		Registerer:                       prometheus.NewRegistry(),
		InstanceIsolationDefaultFallback: true,
	})
	require.NoError(t, err)
	return src, g
}

func TestNewGovernorRequiresSource(t *testing.T) {
	_, err := NewGovernor(Options{})
	assert.Error(t, err)
}

func TestGovernorExecuteRateLimits(t *testing.T) {
	_, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello":   pathMarker("/hello"),
		"servicecomb.rateLimiting.hello": "rate: 1\n",
	})
	ctx := context.Background()
	req := &domain.GovernanceRequest{APIPath: "/hello"}
	calls := 0
	fn := func(context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, g.Execute(ctx, req, fn))
	err := g.Execute(ctx, req, fn)
	require.Error(t, err)
	assert.True(t, domain.IsRejection(err))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, calls)

	d := executeDecision("execute", err)
	assert.Equal(t, string(policy.KindRateLimiting), d.Kind)
	assert.Equal(t, "servicecomb.rateLimiting.hello", d.Policy)
	assert.Equal(t, telemetry.OutcomeRejected, d.Outcome)

	require.NoError(t, g.Execute(ctx, &domain.GovernanceRequest{APIPath: "/other"}, fn))
	assert.Equal(t, 2, calls)
}

func TestGovernorExecuteConfigErrorSkipsCall(t *testing.T) {
	_, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello": pathMarker("/hello"),
		"servicecomb.bulkhead.hello":   "maxConcurrentCalls: -5\n",
	})

	err := g.Execute(context.Background(), &domain.GovernanceRequest{APIPath: "/hello"}, func(context.Context) error {
		t.Fatal("call must not run")
		return nil
	})

	assert.ErrorIs(t, err, policy.ErrInvalidPolicy)
	assert.False(t, domain.IsRejection(err))

	d := executeDecision(string(policy.KindBulkhead), err)
	assert.Equal(t, "servicecomb.bulkhead.hello", d.Policy)
	assert.Equal(t, telemetry.OutcomeError, d.Outcome)
	assert.Equal(t, telemetry.Decision{Kind: "execute", Outcome: telemetry.OutcomeAllowed}, executeDecision("execute", nil))
}

func TestGovernorExecuteRetriesInsideBreaker(t *testing.T) {
	_, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello":     pathMarker("/hello"),
		"servicecomb.retry.hello":          "maxAttempts: 3\nwaitDuration: 0\n",
		"servicecomb.circuitBreaker.hello": "minimumNumberOfCalls: 1\nslidingWindowType: count\nslidingWindowSize: 1\n",
	})
	ctx := context.Background()
	req := &domain.GovernanceRequest{APIPath: "/hello"}
	attempts := 0

	err := g.Execute(ctx, req, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return NewStatusError(503, errCall)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	cb, ok, err := g.CircuitBreaker().GetActuator(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateClosed, cb.State())
}

func TestGovernorExecuteBreakerOpensAfterExhaustedRetries(t *testing.T) {
	_, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello":     pathMarker("/hello"),
		"servicecomb.retry.hello":          "maxAttempts: 2\nwaitDuration: 0\n",
		"servicecomb.circuitBreaker.hello": "minimumNumberOfCalls: 1\nslidingWindowType: count\nslidingWindowSize: 1\n",
	})
	ctx := context.Background()
	req := &domain.GovernanceRequest{APIPath: "/hello"}
	attempts := 0
	fail := func(context.Context) error {
		attempts++
		return errCall
	}

	assert.ErrorIs(t, g.Execute(ctx, req, fail), errCall)
	assert.Equal(t, 2, attempts)

	err := g.Execute(ctx, req, fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, attempts)
}

func TestGovernorExecuteFaultInjection(t *testing.T) {
	_, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello":     pathMarker("/hello"),
		"servicecomb.faultInjection.hello": "type: abort\npercentage: 100\nerrorCode: 503\n",
	})

	err := g.Execute(context.Background(), &domain.GovernanceRequest{APIPath: "/hello"}, func(context.Context) error {
		t.Fatal("aborted call must not run")
		return nil
	})

	assert.ErrorIs(t, err, ErrFaultInjected)
	status, ok := StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, 503, status)
}

func TestGovernorCheck(t *testing.T) {
	_, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello":   pathMarker("/hello"),
		"servicecomb.rateLimiting.hello": "rate: 1\n",
		"servicecomb.bulkhead.hello":     "maxConcurrentCalls: 0\n",
	})
	ctx := context.Background()
	req := &domain.GovernanceRequest{APIPath: "/hello"}

	byKind := func(ds []KindDecision) map[string]KindDecision {
		out := make(map[string]KindDecision, len(ds))
		for _, d := range ds {
			out[d.Kind] = d
		}
		return out
	}

	first := byKind(g.Check(ctx, req))
	assert.Equal(t, telemetry.OutcomeAllowed, first["rateLimiting"].Outcome)
	assert.Equal(t, "servicecomb.rateLimiting.hello", first["rateLimiting"].Key)
	assert.Equal(t, telemetry.OutcomeRejected, first["bulkhead"].Outcome)
	assert.Equal(t, telemetry.OutcomeInactive, first["circuitBreaker"].Outcome)
	assert.Equal(t, telemetry.OutcomeInactive, first["instanceIsolation"].Outcome)

	second := byKind(g.Check(ctx, req))
	assert.Equal(t, telemetry.OutcomeRejected, second["rateLimiting"].Outcome)
	assert.NotEmpty(t, second["rateLimiting"].Reason)
}

func TestGovernorHelpers(t *testing.T) {
	_, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello":  pathMarker("/hello"),
		"servicecomb.loadbalance.hello": "rule: RoundRobin\n",
		"servicecomb.mapper.hello":      "target:\n  tenant: $H{x-tenant}\n",
		"servicecomb.cache.hello":       "ttl: 1h\n",
	})
	ctx := context.Background()
	req := &domain.GovernanceRequest{APIPath: "/hello", Headers: map[string]string{"x-tenant": "acme"}}

	inst, ok, err := g.ChooseInstance(ctx, req, []string{"a", "b"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", inst)

	mapping, err := g.Mapping(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant": "acme"}, mapping)

	c, ok, err := g.Cache(ctx, req)
	require.NoError(t, err)
	require.True(t, ok)
	c.Put("k", "v")
	again, _, err := g.Cache(ctx, req)
	require.NoError(t, err)
	assert.Same(t, c, again)

	_, ok, err = g.ChooseInstance(ctx, &domain.GovernanceRequest{APIPath: "/other"}, []string{"a"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGovernorReactsToConfigurationChanges(t *testing.T) {
	src, g := newTestGovernor(t, map[string]string{
		"servicecomb.matchGroup.hello": pathMarker("/hello"),
	})
	ctx := context.Background()
	req := &domain.GovernanceRequest{APIPath: "/hello"}
	noop := func(context.Context) error { return nil }

	require.NoError(t, g.Execute(ctx, req, noop))
	require.NoError(t, g.Execute(ctx, req, noop))

	src.Set("servicecomb.rateLimiting.hello", "rate: 1\n")
	require.NoError(t, g.Execute(ctx, req, noop))
	assert.ErrorIs(t, g.Execute(ctx, req, noop), ErrRateLimited)

	src.Delete("servicecomb.rateLimiting.hello")
	assert.NoError(t, g.Execute(ctx, req, noop))
}

func TestGovernorCustomMatchers(t *testing.T) {
	src := config.NewMemorySource(map[string]string{
		"servicecomb.matchGroup.vip": "matches:\n  - customMatcher:\n      customMatcherHandler: vip\n      customMatcherParameters: gold\n",
		"servicecomb.bulkhead.vip":   "maxConcurrentCalls: 0\n",
	})
	vip := match.CustomMatchFunc(func(_ context.Context, req *domain.GovernanceRequest, params string) (bool, error) {
		tier, _ := req.Header("x-tier")
		if tier == "" {
			return false, errors.New("no tier")
		}
		return tier == params, nil
	})
	g, err := NewGovernor(Options{Source: src, CustomMatchers: map[string]match.CustomMatch{"vip": vip}})
	require.NoError(t, err)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	err = g.Execute(ctx, &domain.GovernanceRequest{Headers: map[string]string{"x-tier": "gold"}}, noop)
	assert.ErrorIs(t, err, ErrBulkheadFull)
	assert.NoError(t, g.Execute(ctx, &domain.GovernanceRequest{Headers: map[string]string{"x-tier": "silver"}}, noop))
	assert.NoError(t, g.Execute(ctx, &domain.GovernanceRequest{}, noop))
}
