package governance

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

// Bulkhead bounds the number of concurrent calls sharing a governance key.
type Bulkhead struct {
	kind    policy.Kind
	key     string
	max     int64
	wait    time.Duration
	sem     *semaphore.Weighted
	inUse   atomic.Int64
	waiting atomic.Int64
}

// NewBulkhead builds the bulkhead for p.
func NewBulkhead(kind policy.Kind, key string, p *policy.BulkheadPolicy) *Bulkhead {
	return &Bulkhead{
		kind: kind,
		key:  key,
		max:  int64(p.MaxConcurrentCalls),
		wait: p.MaxWaitDuration.D(),
		sem:  semaphore.NewWeighted(int64(p.MaxConcurrentCalls)),
	}
}

// Key returns the governance key.
func (b *Bulkhead) Key() string { return b.key }

// Acquire takes a concurrency permit, queueing at most the policy wait
// duration. The returned release function must be called exactly once. A
// rejection is a *domain.RejectionError wrapping ErrBulkheadFull.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	if b.max <= 0 {
		return nil, b.rejection()
	}
	if b.wait <= 0 {
		if !b.sem.TryAcquire(1) {
			return nil, b.rejection()
		}
		return b.releaser(), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.wait)
	defer cancel()
	b.waiting.Add(1)
	err := b.sem.Acquire(waitCtx, 1)
	b.waiting.Add(-1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, b.rejection()
		}
		return nil, err
	}
	return b.releaser(), nil
}

func (b *Bulkhead) releaser() func() {
	b.inUse.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			b.inUse.Add(-1)
			b.sem.Release(1)
		}
	}
}

func (b *Bulkhead) rejection() error {
	return reject(b.kind, b.key, "bulkhead is full for "+b.key, ErrBulkheadFull)
}

// Execute runs fn holding a permit.
func (b *Bulkhead) Execute(ctx context.Context, fn func(context.Context) error) error {
	release, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Available returns the number of free permits.
func (b *Bulkhead) Available() int64 {
	if n := b.max - b.inUse.Load(); n > 0 {
		return n
	}
	return 0
}

// Waiting returns the number of queued callers.
func (b *Bulkhead) Waiting() int64 { return b.waiting.Load() }

func (b *Bulkhead) bindMetrics(m *Metrics) func() {
	unbindAvailable := m.BindGauge(b.kind, "available_concurrent_calls", "Free concurrency permits.", b.key, func() float64 {
		return float64(b.Available())
	})
	unbindWaiting := m.BindGauge(b.kind, "waiting_callers", "Callers queued for a permit.", b.key, func() float64 {
		return float64(b.Waiting())
	})
	return func() {
		unbindAvailable()
		unbindWaiting()
	}
}

// BulkheadHandler resolves bulkheads per policy.
type BulkheadHandler = Handler[*policy.BulkheadPolicy, *Bulkhead]

// NewBulkheadHandler creates the bulkhead handler.
func NewBulkheadHandler(policies PolicySource[*policy.BulkheadPolicy], deps Deps) *BulkheadHandler {
	deps = deps.withDefaults()
	return NewHandler(Spec[*policy.BulkheadPolicy, *Bulkhead]{
		Kind:     policy.KindBulkhead,
		Policies: policies,
		Build: func(key string, p *policy.BulkheadPolicy) (*Bulkhead, func(), error) {
			b := NewBulkhead(policy.KindBulkhead, key, p)
			return b, b.bindMetrics(deps.Metrics), nil
		},
	}, deps)
}

// InstanceBulkheadHandler resolves one bulkhead per policy, service and
// instance.
type InstanceBulkheadHandler = Handler[*policy.BulkheadPolicy, *Bulkhead]

// NewInstanceBulkheadHandler creates the instanceBulkhead handler. Requests
// without a service name or instance id are not governed. A change to a
// policy disposes the bulkheads of all its instances.
func NewInstanceBulkheadHandler(policies PolicySource[*policy.BulkheadPolicy], deps Deps) *InstanceBulkheadHandler {
	deps = deps.withDefaults()
	kind := policy.KindInstanceBulkhead
	return NewHandler(Spec[*policy.BulkheadPolicy, *Bulkhead]{
		Kind:               kind,
		Policies:           policies,
		PrefixInvalidation: true,
		CreateKey: func(req *domain.GovernanceRequest, p *policy.BulkheadPolicy) (string, bool) {
			if req.ServiceName == "" || req.InstanceID == "" {
				return "", false
			}
			return kind.Key(p.PolicyName()) + "." + req.ServiceName + "." + req.InstanceID, true
		},
		Build: func(key string, p *policy.BulkheadPolicy) (*Bulkhead, func(), error) {
			b := NewBulkhead(kind, key, p)
			return b, b.bindMetrics(deps.Metrics), nil
		},
	}, deps)
}
