package governance

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

// FaultInjector delays or aborts a percentage of calls. Calls are counted per
// key, and the nth call is faulted when n*percentage/100 crosses an integer,
// spreading faults evenly instead of randomly.
type FaultInjector struct {
	name       string
	key        string
	faultType  string
	percentage int64
	delay      time.Duration
	errorCode  int
	fallback   string
	disabled   bool
	calls      atomic.Int64
	clock      clock.Clock
}

// NewFaultInjector builds the injector for p.
func NewFaultInjector(key string, p *policy.FaultInjectionPolicy, clk clock.Clock) *FaultInjector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &FaultInjector{
		name:       p.PolicyName(),
		key:        key,
		faultType:  strings.ToLower(p.Type),
		percentage: int64(p.Percentage),
		delay:      p.DelayTime.D(),
		errorCode:  p.ErrorCode,
		fallback:   p.Fallback(),
		disabled:   p.ForceClosed,
		clock:      clk,
	}
}

// Key returns the governance key.
func (f *FaultInjector) Key() string { return f.key }

func (f *FaultInjector) needInject() bool {
	n := f.calls.Add(1)
	return n*f.percentage/100 != (n-1)*f.percentage/100
}

// Inject applies the fault to the current call. skip is true when the call
// must not run and the caller sees an empty result. An abort with the
// ThrowException fallback returns a *StatusError wrapping ErrFaultInjected.
func (f *FaultInjector) Inject(ctx context.Context) (skip bool, err error) {
	if f.disabled || !f.needInject() {
		return false, nil
	}
	telemetry.RecordFault(ctx, f.name, f.faultType)

	if f.faultType == policy.FaultDelay {
		timer := f.clock.NewTimer(f.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C():
			return false, nil
		}
	}

	if f.fallback == policy.FallbackReturnNull {
		return true, nil
	}
	return false, NewStatusError(f.errorCode, ErrFaultInjected)
}

// FaultInjectionHandler resolves fault injectors per policy.
type FaultInjectionHandler = Handler[*policy.FaultInjectionPolicy, *FaultInjector]

// NewFaultInjectionHandler creates the faultInjection handler.
func NewFaultInjectionHandler(policies PolicySource[*policy.FaultInjectionPolicy], deps Deps) *FaultInjectionHandler {
	deps = deps.withDefaults()
	return NewHandler(Spec[*policy.FaultInjectionPolicy, *FaultInjector]{
		Kind:     policy.KindFaultInjection,
		Policies: policies,
		Build: func(key string, p *policy.FaultInjectionPolicy) (*FaultInjector, func(), error) {
			return NewFaultInjector(key, p, deps.Clock), nil, nil
		},
	}, deps)
}
