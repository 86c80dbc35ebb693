package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies a governance decision.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeRejected Outcome = "rejected"
	OutcomeInactive Outcome = "inactive"
	OutcomeError    Outcome = "error"
)

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	decisionCounter   metric.Int64Counter
	retryCounter      metric.Int64Counter
	faultCounter      metric.Int64Counter
	processorCounter  metric.Int64Counter
	callLatencyMillis metric.Float64Histogram
)

// Decision captures the fields recorded for one governance check.
type Decision struct {
	Kind     string
	Policy   string
	Outcome  Outcome
	Duration time.Duration
}

// RecordDecision counts a governance decision and, when a duration is set,
// the latency of the governed call.
func RecordDecision(ctx context.Context, d Decision) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("governance.kind", d.Kind),
		attribute.String("governance.policy", d.Policy),
		attribute.String("governance.outcome", string(d.Outcome)),
	)
	decisionCounter.Add(ctx, 1, attrs)

	if d.Duration > 0 {
		callLatencyMillis.Record(ctx, float64(d.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordRetries counts re-executions performed by a retry policy.
func RecordRetries(ctx context.Context, policy string, retries int) {
	if retries <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil {
		return
	}
	retryCounter.Add(ctx, int64(retries), metric.WithAttributes(attribute.String("governance.policy", policy)))
}

// RecordFault counts an injected delay or abort.
func RecordFault(ctx context.Context, policy, faultType string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	faultCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("governance.policy", policy),
		attribute.String("governance.fault", faultType),
	))
}

// RecordProcessorLifecycle counts processor creation ("created") and
// disposal ("disposed") per kind.
func RecordProcessorLifecycle(ctx context.Context, kind, event string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	processorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("governance.kind", kind),
		attribute.String("governance.event", event),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.governance")

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"governance.decisions_total",
			metric.WithDescription("Governance decisions partitioned by kind and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		retryCounter, metricsInitErr = meter.Int64Counter(
			"governance.retries_total",
			metric.WithDescription("Re-executions performed by retry policies"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		faultCounter, metricsInitErr = meter.Int64Counter(
			"governance.faults_injected_total",
			metric.WithDescription("Delays and aborts injected by fault injection policies"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		processorCounter, metricsInitErr = meter.Int64Counter(
			"governance.processors_total",
			metric.WithDescription("Governance processors created and disposed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		callLatencyMillis, metricsInitErr = meter.Float64Histogram(
			"governance.call.duration_ms",
			metric.WithDescription("Latency of governed calls"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordRejection attaches a governance rejection to the span.
func RecordRejection(span trace.Span, kind, policy, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("governance.kind", kind),
		attribute.String("governance.policy", policy),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("governance.reason", reason))
	}

	span.AddEvent("governance.rejected", trace.WithAttributes(attrs...))
}
