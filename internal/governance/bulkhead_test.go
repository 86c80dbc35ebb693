package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

func bulkheadPolicy(max int, wait time.Duration) *policy.BulkheadPolicy {
	p := policy.NewBulkheadPolicy()
	p.MaxConcurrentCalls = max
	p.MaxWaitDuration = policy.Duration(wait)
	return p
}

func TestBulkheadRejectsWhenFull(t *testing.T) {
	b := NewBulkhead(policy.KindBulkhead, "k", bulkheadPolicy(1, 0))
	ctx := context.Background()

	release, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.Zero(t, b.Available())

	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrBulkheadFull)
	assert.True(t, domain.IsRejection(err))

	release()
	release()
	assert.Equal(t, int64(1), b.Available())
	release, err = b.Acquire(ctx)
	require.NoError(t, err)
	release()
}

func TestBulkheadWaitsForPermit(t *testing.T) {
	b := NewBulkhead(policy.KindBulkhead, "k", bulkheadPolicy(1, time.Second))
	ctx := context.Background()
	release, err := b.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		r, err := b.Acquire(ctx)
		if err == nil {
			r()
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return b.Waiting() == 1 }, time.Second, time.Millisecond)
	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller never got the permit")
	}
}

func TestBulkheadWaitTimesOut(t *testing.T) {
	b := NewBulkhead(policy.KindBulkhead, "k", bulkheadPolicy(1, 20*time.Millisecond))
	ctx := context.Background()
	release, err := b.Acquire(ctx)
	require.NoError(t, err)
	defer release()

	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrBulkheadFull)
	assert.Zero(t, b.Waiting())
}

func TestBulkheadZeroCapacityRejects(t *testing.T) {
	b := NewBulkhead(policy.KindBulkhead, "k", bulkheadPolicy(0, time.Second))
	err := b.Execute(context.Background(), func(context.Context) error {
		t.Fatal("call must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrBulkheadFull)
}

func TestInstanceBulkheadPrefixInvalidation(t *testing.T) {
	src := config.NewMemorySource(map[string]string{
		"servicecomb.matchGroup.policyA":       pathMarker("/a"),
		"servicecomb.matchGroup.policyB":       pathMarker("/b"),
		"servicecomb.instanceBulkhead.policyA": "maxConcurrentCalls: 1\n",
		"servicecomb.instanceBulkhead.policyB": "maxConcurrentCalls: 1\n",
	})
	h := NewInstanceBulkheadHandler(properties(src, policy.KindInstanceBulkhead, policy.NewBulkheadPolicy), newTestDeps(src, newFakeClock(), nil))
	src.Subscribe(h)
	ctx := context.Background()

	for _, path := range []string{"/a", "/b"} {
		for _, instance := range []string{"i-1", "i-2"} {
			_, ok, err := h.GetActuator(ctx, &domain.GovernanceRequest{APIPath: path, ServiceName: "orders", InstanceID: instance})
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	require.Equal(t, []string{
		"servicecomb.instanceBulkhead.policyA.orders.i-1",
		"servicecomb.instanceBulkhead.policyA.orders.i-2",
		"servicecomb.instanceBulkhead.policyB.orders.i-1",
		"servicecomb.instanceBulkhead.policyB.orders.i-2",
	}, h.Processors().Keys())

	var disposed []*Disposable[*Bulkhead]
	for _, key := range h.Processors().Keys()[:2] {
		d, _ := h.Processors().Get(key)
		disposed = append(disposed, d)
	}
	kept, _ := h.Processors().Get("servicecomb.instanceBulkhead.policyB.orders.i-1")

	src.Set("servicecomb.instanceBulkhead.policyA", "maxConcurrentCalls: 2\n")

	assert.Equal(t, []string{
		"servicecomb.instanceBulkhead.policyB.orders.i-1",
		"servicecomb.instanceBulkhead.policyB.orders.i-2",
	}, h.Processors().Keys())
	for _, d := range disposed {
		assert.True(t, d.Disposed())
	}
	assert.False(t, kept.Disposed())
}

func TestInstanceBulkheadRequiresInstance(t *testing.T) {
	src := config.NewMemorySource(map[string]string{
		"servicecomb.matchGroup.policyA":       pathMarker("/a"),
		"servicecomb.instanceBulkhead.policyA": "maxConcurrentCalls: 1\n",
	})
	h := NewInstanceBulkheadHandler(properties(src, policy.KindInstanceBulkhead, policy.NewBulkheadPolicy), newTestDeps(src, newFakeClock(), nil))

	_, ok, err := h.GetActuator(context.Background(), &domain.GovernanceRequest{APIPath: "/a", ServiceName: "orders"})
	require.NoError(t, err)
	assert.False(t, ok)
}
