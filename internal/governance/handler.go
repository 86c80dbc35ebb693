package governance

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/policy/match"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

// PolicySource exposes the parsed policies of one kind.
type PolicySource[T policy.Policy] interface {
	ParsedEntity() map[string]T
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Matcher *match.Manager
	Clock   clock.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// BuildFunc constructs the processor for key from a validated policy. The
// returned teardown, if any, runs when the processor is disposed.
type BuildFunc[T policy.Policy, P any] func(key string, p T) (P, func(), error)

// Spec describes one governance kind.
type Spec[T policy.Policy, P any] struct {
	Kind     policy.Kind
	Policies PolicySource[T]
	Build    BuildFunc[T, P]
	// MatchPolicy overrides marker based matching.
	MatchPolicy func(ctx context.Context, req *domain.GovernanceRequest) (T, bool)
	// CreateKey overrides the default servicecomb.<kind>.<name> key. Returning
	// false means the request cannot be keyed and governance is skipped.
	CreateKey func(req *domain.GovernanceRequest, p T) (string, bool)
	// PrefixInvalidation removes every cached processor built from a changed
	// policy key instead of the exact key only.
	PrefixInvalidation bool
}

// Handler resolves, caches and disposes the processors of one kind.
type Handler[T policy.Policy, P any] struct {
	spec       Spec[T, P]
	deps       Deps
	logger     *slog.Logger
	processors *DisposableMap[P]

	// mu serialises construction and invalidation. generation changes on
	// every invalidation so a construction that raced one re-resolves.
	mu         sync.Mutex
	generation atomic.Uint64
}

// NewHandler creates a handler for spec.
func NewHandler[T policy.Policy, P any](spec Spec[T, P], deps Deps) *Handler[T, P] {
	deps = deps.withDefaults()
	h := &Handler[T, P]{
		spec:   spec,
		deps:   deps,
		logger: deps.Logger.With("kind", string(spec.Kind)),
	}
	h.processors = NewDisposableMap[P](deps.Clock, h.expire)
	return h
}

// Kind returns the governance kind.
func (h *Handler[T, P]) Kind() policy.Kind { return h.spec.Kind }

// Processors exposes the processor cache.
func (h *Handler[T, P]) Processors() *DisposableMap[P] { return h.processors }

// MatchPolicy returns the policy that applies to req.
func (h *Handler[T, P]) MatchPolicy(ctx context.Context, req *domain.GovernanceRequest) (T, bool) {
	if h.spec.MatchPolicy != nil {
		return h.spec.MatchPolicy(ctx, req)
	}
	var zero T
	if h.deps.Matcher == nil || h.spec.Policies == nil {
		return zero, false
	}
	return match.Select(ctx, h.deps.Matcher, req, h.spec.Policies.ParsedEntity())
}

// CreateKey derives the cache key of req under p.
func (h *Handler[T, P]) CreateKey(req *domain.GovernanceRequest, p T) (string, bool) {
	if h.spec.CreateKey != nil {
		return h.spec.CreateKey(req, p)
	}
	return h.spec.Kind.Key(p.PolicyName()), true
}

// GetActuator returns the processor governing req. The boolean is false when
// governance is inactive for the request. Construction errors are returned
// and nothing is cached, so the next call retries construction.
func (h *Handler[T, P]) GetActuator(ctx context.Context, req *domain.GovernanceRequest) (P, bool, error) {
	var zero P
	gen := h.generation.Load()

	p, key, ok := h.resolve(ctx, req)
	if !ok {
		return zero, false, nil
	}
	if d, found := h.processors.Get(key); found {
		d.Touch(h.deps.Clock.Now())
		return d.Processor(), true, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.generation.Load() != gen {
		if p, key, ok = h.resolve(ctx, req); !ok {
			return zero, false, nil
		}
	}
	if d, found := h.processors.Get(key); found {
		d.Touch(h.deps.Clock.Now())
		return d.Processor(), true, nil
	}

	if err := policy.Check(h.spec.Kind, p); err != nil {
		h.logger.Error("invalid governance policy", "policy", p.PolicyName(), "governance_key", key, "error", err)
		return zero, false, err
	}
	processor, teardown, err := h.spec.Build(key, p)
	if err != nil {
		h.logger.Error("failed to build governance processor", "policy", p.PolicyName(), "governance_key", key, "error", err)
		return zero, false, &policy.ConfigError{Kind: h.spec.Kind, Name: p.PolicyName(), Err: err}
	}

	kind := string(h.spec.Kind)
	d := NewDisposable(key, processor, h.deps.Clock.Now(), teardown, func() {
		telemetry.RecordProcessorLifecycle(context.Background(), kind, "disposed")
	})
	h.processors.Put(key, d.OwnedBy(h.spec.Kind.Key(p.PolicyName())))
	telemetry.RecordProcessorLifecycle(ctx, kind, "created")
	h.logger.Debug("governance processor created", "policy", p.PolicyName(), "governance_key", key)
	return processor, true, nil
}

func (h *Handler[T, P]) resolve(ctx context.Context, req *domain.GovernanceRequest) (T, string, bool) {
	p, ok := h.MatchPolicy(ctx, req)
	if !ok {
		return p, "", false
	}
	key, ok := h.CreateKey(req, p)
	if !ok {
		h.logger.Debug("governance inactive, request cannot be keyed", "policy", p.PolicyName())
		return p, "", false
	}
	return p, key, true
}

// OnConfigurationChanged implements domain.ChangeListener.
func (h *Handler[T, P]) OnConfigurationChanged(event domain.ConfigurationChangedEvent) {
	prefix := h.spec.Kind.KeyPrefix()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.generation.Add(1)

	for _, changed := range event.ChangedKeys {
		if !strings.HasPrefix(changed, prefix) {
			continue
		}
		if !h.spec.PrefixInvalidation {
			if h.processors.Remove(changed) {
				h.logger.Info("governance processor disposed", "governance_key", changed)
			}
			continue
		}
		removed := h.processors.RemoveOwnedBy(changed)
		if len(removed) > 0 {
			h.logger.Info("governance processors disposed", "governance_key", changed, "count", len(removed))
		}
	}
}

func (h *Handler[T, P]) expire(key string, d *Disposable[P]) {
	if h.processors.RemoveEntry(key, d) {
		h.logger.Info("governance processor expired", "governance_key", key, "last_accessed", d.LastAccessed())
	}
}
