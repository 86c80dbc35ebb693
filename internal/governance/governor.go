package governance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/policy/match"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

// Options configure a Governor.
type Options struct {
	Source  domain.ConfigSource
	Service domain.ServiceMeta
	Clock   clock.Clock
	// Registerer receives per-processor gauges. Nil disables them.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// RetryExtension decides which outcomes are retried. Nil selects
	// DefaultRetryExtension.
	RetryExtension RetryExtension
	// CustomMatchers are registered with the request processor by name.
	CustomMatchers map[string]match.CustomMatch
	// InstanceIsolationDefaultFallback enables the "default" instance
	// isolation policy.
	InstanceIsolationDefaultFallback bool
}

// Governor owns the typed policy views and handlers of every governance kind
// and applies them around calls.
type Governor struct {
	logger    *slog.Logger
	processor *match.RequestProcessor
	matcher   *match.Manager

	rateLimiting           *RateLimitingHandler
	identifierRateLimiting *IdentifierRateLimitingHandler
	circuitBreaker         *CircuitBreakerHandler
	instanceIsolation      *InstanceIsolationHandler
	bulkhead               *BulkheadHandler
	instanceBulkhead       *InstanceBulkheadHandler
	retry                  *RetryHandler
	timeLimiter            *TimeLimiterHandler
	faultInjection         *FaultInjectionHandler
	mapper                 *MapperHandler
	loadBalance            *LoadBalanceHandler
	cache                  *CacheHandler
}

// NewGovernor builds the policy views, subscribes them and the handlers to
// opts.Source, and wires the handlers to a shared matcher.
func NewGovernor(opts Options) (*Governor, error) {
	if opts.Source == nil {
		return nil, errors.New("governance: configuration source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	processor := match.NewRequestProcessor(logger)
	for name, m := range opts.CustomMatchers {
		if err := processor.RegisterCustomMatch(name, m); err != nil {
			return nil, err
		}
	}

	src, svc := opts.Source, opts.Service
	markers := config.NewProperties(policy.KindMatchGroup, src, svc, policy.NewTrafficMarker, logger)
	matcher := match.NewManager(markers, processor)
	deps := Deps{
		Matcher: matcher,
		Clock:   clk,
		Metrics: NewMetrics(opts.Registerer, logger),
		Logger:  logger,
	}

	g := &Governor{
		logger:    logger,
		processor: processor,
		matcher:   matcher,
	}
	g.rateLimiting = NewRateLimitingHandler(
		config.NewProperties(policy.KindRateLimiting, src, svc, policy.NewRateLimitingPolicy, logger), deps)
	g.identifierRateLimiting = NewIdentifierRateLimitingHandler(
		config.NewProperties(policy.KindIdentifierRateLimiting, src, svc, policy.NewIdentifierRateLimitingPolicy, logger), deps)
	g.circuitBreaker = NewCircuitBreakerHandler(
		config.NewProperties(policy.KindCircuitBreaker, src, svc, policy.NewCircuitBreakerPolicy, logger), deps)
	g.instanceIsolation = NewInstanceIsolationHandler(
		config.NewProperties(policy.KindInstanceIsolation, src, svc, policy.NewCircuitBreakerPolicy, logger), deps,
		InstanceIsolationOptions{DefaultFallback: opts.InstanceIsolationDefaultFallback})
	g.bulkhead = NewBulkheadHandler(
		config.NewProperties(policy.KindBulkhead, src, svc, policy.NewBulkheadPolicy, logger), deps)
	g.instanceBulkhead = NewInstanceBulkheadHandler(
		config.NewProperties(policy.KindInstanceBulkhead, src, svc, policy.NewBulkheadPolicy, logger), deps)
	g.retry = NewRetryHandler(
		config.NewProperties(policy.KindRetry, src, svc, policy.NewRetryPolicy, logger), deps, opts.RetryExtension)
	g.timeLimiter = NewTimeLimiterHandler(
		config.NewProperties(policy.KindTimeLimiter, src, svc, policy.NewTimeLimiterPolicy, logger), deps)
	g.faultInjection = NewFaultInjectionHandler(
		config.NewProperties(policy.KindFaultInjection, src, svc, policy.NewFaultInjectionPolicy, logger), deps)
	g.mapper = NewMapperHandler(
		config.NewProperties(policy.KindMapper, src, svc, policy.NewMapperPolicy, logger), deps)
	g.loadBalance = NewLoadBalanceHandler(
		config.NewProperties(policy.KindLoadBalance, src, svc, policy.NewLoadBalancerPolicy, logger), deps)
	g.cache = NewCacheHandler(
		config.NewProperties(policy.KindCache, src, svc, policy.NewGovernanceCachePolicy, logger), deps)

	// Handlers subscribe after every view so that a change event refreshes the
	// policies before processors are dropped.
	for _, l := range []domain.ChangeListener{
		g.rateLimiting, g.identifierRateLimiting, g.circuitBreaker, g.instanceIsolation,
		g.bulkhead, g.instanceBulkhead, g.retry, g.timeLimiter,
		g.faultInjection, g.mapper, g.loadBalance, g.cache,
	} {
		src.Subscribe(l)
	}
	return g, nil
}

// RequestProcessor returns the processor used for marker matching, so callers
// can register more custom matchers.
func (g *Governor) RequestProcessor() *match.RequestProcessor { return g.processor }

// Matcher returns the marker manager.
func (g *Governor) Matcher() *match.Manager { return g.matcher }

// RateLimiting returns the rateLimiting handler.
func (g *Governor) RateLimiting() *RateLimitingHandler { return g.rateLimiting }

// IdentifierRateLimiting returns the identifierRateLimiting handler.
func (g *Governor) IdentifierRateLimiting() *IdentifierRateLimitingHandler {
	return g.identifierRateLimiting
}

// CircuitBreaker returns the circuitBreaker handler.
func (g *Governor) CircuitBreaker() *CircuitBreakerHandler { return g.circuitBreaker }

// InstanceIsolation returns the instanceIsolation handler.
func (g *Governor) InstanceIsolation() *InstanceIsolationHandler { return g.instanceIsolation }

// Bulkhead returns the bulkhead handler.
func (g *Governor) Bulkhead() *BulkheadHandler { return g.bulkhead }

// InstanceBulkhead returns the instanceBulkhead handler.
func (g *Governor) InstanceBulkhead() *InstanceBulkheadHandler { return g.instanceBulkhead }

// Retry returns the retry handler.
func (g *Governor) Retry() *RetryHandler { return g.retry }

// TimeLimiter returns the timeLimiter handler.
func (g *Governor) TimeLimiter() *TimeLimiterHandler { return g.timeLimiter }

// FaultInjection returns the faultInjection handler.
func (g *Governor) FaultInjection() *FaultInjectionHandler { return g.faultInjection }

type callFunc = func(context.Context) error

// Execute applies, from the outside in, fault injection, rate limiting,
// identifier rate limiting, bulkhead, instance bulkhead, circuit breaker,
// instance isolation, time limiter and retry around fn. Kinds without a
// matching policy are skipped. Admission rejections and configuration errors
// are returned without calling fn.
func (g *Governor) Execute(ctx context.Context, req *domain.GovernanceRequest, fn func(context.Context) error) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "governance.execute")
	defer span.End()

	start := time.Now()
	kind := "execute"
	defer func() {
		if rej, rerr := domain.AsRejection(err); rerr == nil {
			telemetry.RecordRejection(span, rej.Kind, req.ServiceName, rej.Reason)
		}
		d := executeDecision(kind, err)
		d.Duration = time.Since(start)
		telemetry.RecordDecision(ctx, d)
	}()

	call, err := g.chain(ctx, req, fn)
	if err != nil {
		var cfgErr *policy.ConfigError
		if errors.As(err, &cfgErr) {
			kind = string(cfgErr.Kind)
		}
		return err
	}
	return call(ctx)
}

// executeDecision labels the outcome of Execute with the key of the
// rejecting processor or of the invalid policy.
func executeDecision(kind string, err error) telemetry.Decision {
	d := telemetry.Decision{Kind: kind, Outcome: telemetry.OutcomeAllowed}
	if rej, rerr := domain.AsRejection(err); rerr == nil {
		d.Kind, d.Policy, d.Outcome = rej.Kind, rej.Key, telemetry.OutcomeRejected
		return d
	}
	if errors.Is(err, policy.ErrInvalidPolicy) {
		d.Outcome = telemetry.OutcomeError
		var cfgErr *policy.ConfigError
		if errors.As(err, &cfgErr) {
			d.Policy = cfgErr.Kind.Key(cfgErr.Name)
		}
	}
	return d
}

func (g *Governor) chain(ctx context.Context, req *domain.GovernanceRequest, fn callFunc) (callFunc, error) {
	call := fn

	if r, ok, err := g.retry.GetActuator(ctx, req); err != nil {
		return nil, err
	} else if ok {
		next := call
		call = func(c context.Context) error { return r.Execute(c, next) }
	}
	if tl, ok, err := g.timeLimiter.GetActuator(ctx, req); err != nil {
		return nil, err
	} else if ok {
		next := call
		call = func(c context.Context) error { return tl.Execute(c, next) }
	}
	for _, h := range []*CircuitBreakerHandler{g.instanceIsolation, g.circuitBreaker} {
		if cb, ok, err := h.GetActuator(ctx, req); err != nil {
			return nil, err
		} else if ok {
			next := call
			call = func(c context.Context) error { return cb.Execute(c, next) }
		}
	}
	for _, h := range []*BulkheadHandler{g.instanceBulkhead, g.bulkhead} {
		if b, ok, err := h.GetActuator(ctx, req); err != nil {
			return nil, err
		} else if ok {
			next := call
			call = func(c context.Context) error { return b.Execute(c, next) }
		}
	}
	if l, ok, err := g.identifierRateLimiting.GetActuator(ctx, req); err != nil {
		return nil, err
	} else if ok {
		call = acquireThen(l, call)
	}
	if l, ok, err := g.rateLimiting.GetActuator(ctx, req); err != nil {
		return nil, err
	} else if ok {
		call = acquireThen(l, call)
	}
	if f, ok, err := g.faultInjection.GetActuator(ctx, req); err != nil {
		return nil, err
	} else if ok {
		next := call
		call = func(c context.Context) error {
			skip, err := f.Inject(c)
			if err != nil || skip {
				return err
			}
			return next(c)
		}
	}
	return call, nil
}

func acquireThen(l *RateLimiter, next callFunc) callFunc {
	return func(c context.Context) error {
		if err := l.Acquire(c); err != nil {
			return err
		}
		return next(c)
	}
}

// KindDecision is the admission result of one governance kind.
type KindDecision struct {
	Kind    string            `json:"kind"`
	Key     string            `json:"key,omitempty"`
	Outcome telemetry.Outcome `json:"outcome"`
	Reason  string            `json:"reason,omitempty"`
}

// Check runs the admission checks of req without executing a call: it takes
// rate permits, probes the bulkheads and reads breaker states.
func (g *Governor) Check(ctx context.Context, req *domain.GovernanceRequest) []KindDecision {
	acquire := func(l *RateLimiter) error { return l.Acquire(ctx) }
	probeBulkhead := func(b *Bulkhead) error {
		release, err := b.Acquire(ctx)
		if err == nil {
			release()
		}
		return err
	}
	breakerState := func(cb *CircuitBreaker) error {
		if s := cb.State(); s == StateOpen || s == StateForcedOpen {
			return cb.rejection()
		}
		return nil
	}

	return []KindDecision{
		probe(ctx, g.rateLimiting, req, acquire),
		probe(ctx, g.identifierRateLimiting, req, acquire),
		probe(ctx, g.bulkhead, req, probeBulkhead),
		probe(ctx, g.instanceBulkhead, req, probeBulkhead),
		probe(ctx, g.circuitBreaker, req, breakerState),
		probe(ctx, g.instanceIsolation, req, breakerState),
	}
}

type keyed interface{ Key() string }

func probe[T policy.Policy, P keyed](ctx context.Context, h *Handler[T, P], req *domain.GovernanceRequest, admit func(P) error) KindDecision {
	d := KindDecision{Kind: string(h.Kind()), Outcome: telemetry.OutcomeAllowed}
	p, ok, err := h.GetActuator(ctx, req)
	if ok {
		d.Key = p.Key()
		err = admit(p)
	}
	switch {
	case err != nil && domain.IsRejection(err):
		d.Outcome = telemetry.OutcomeRejected
		d.Reason = err.Error()
	case err != nil:
		d.Outcome = telemetry.OutcomeError
		d.Reason = err.Error()
	case !ok:
		d.Outcome = telemetry.OutcomeInactive
	}
	telemetry.RecordDecision(ctx, telemetry.Decision{Kind: d.Kind, Policy: d.Key, Outcome: d.Outcome})
	return d
}

// ChooseInstance picks one of instances for req with the matching load
// balance policy. ok is false when no policy applies or instances is empty.
func (g *Governor) ChooseInstance(ctx context.Context, req *domain.GovernanceRequest, instances []string) (string, bool, error) {
	lb, ok, err := g.loadBalance.GetActuator(ctx, req)
	if err != nil || !ok {
		return "", false, err
	}
	instance, ok := lb.Choose(req, instances)
	return instance, ok, nil
}

// Mapping returns the resolved mapper target for req, or nil when no mapper
// policy applies.
func (g *Governor) Mapping(ctx context.Context, req *domain.GovernanceRequest) (map[string]string, error) {
	m, ok, err := g.mapper.GetActuator(ctx, req)
	if err != nil || !ok {
		return nil, err
	}
	return m.Map(req), nil
}

// Cache returns the governance cache for req, if a cache policy applies.
func (g *Governor) Cache(ctx context.Context, req *domain.GovernanceRequest) (*GovernanceCache, bool, error) {
	return g.cache.GetActuator(ctx, req)
}
