package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/policy"
)

func timeLimiterPolicy(timeout time.Duration, cancel bool) *policy.TimeLimiterPolicy {
	p := policy.NewTimeLimiterPolicy()
	p.TimeoutDuration = policy.Duration(timeout)
	p.CancelRunningFuture = cancel
	return p
}

func TestTimeLimiterReturnsCallResult(t *testing.T) {
	tl := NewTimeLimiter("k", timeLimiterPolicy(time.Second, false), nil)

	assert.NoError(t, tl.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.ErrorIs(t, tl.Execute(context.Background(), func(context.Context) error { return errCall }), errCall)
}

func TestTimeLimiterCancelsRunningCall(t *testing.T) {
	tl := NewTimeLimiter("k", timeLimiterPolicy(20*time.Millisecond, true), nil)
	cancelled := make(chan struct{})

	err := tl.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	assert.ErrorIs(t, err, ErrTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running call was not cancelled")
	}
}

func TestTimeLimiterAbandonsRunningCall(t *testing.T) {
	tl := NewTimeLimiter("k", timeLimiterPolicy(20*time.Millisecond, false), nil)
	release := make(chan struct{})
	observed := make(chan error, 1)

	err := tl.Execute(context.Background(), func(ctx context.Context) error {
		<-release
		observed <- ctx.Err()
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)

	close(release)
	select {
	case ctxErr := <-observed:
		assert.NoError(t, ctxErr, "an abandoned call keeps its context")
	case <-time.After(time.Second):
		t.Fatal("abandoned call did not finish")
	}
}
