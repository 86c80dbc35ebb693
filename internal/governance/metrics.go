package governance

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/polisai/polis-governance/pkg/policy"
)

// Metrics binds per-processor gauges to an optional Prometheus registerer.
// A nil *Metrics or a nil registerer turns every binding into a no-op.
type Metrics struct {
	reg    prometheus.Registerer
	logger *slog.Logger

	// live maps metric name and governance key to the gauge currently
	// registered for them, so a stale teardown cannot remove its successor.
	mu   sync.Mutex
	live map[gaugeID]prometheus.Collector
}

type gaugeID struct {
	name, key string
}

// NewMetrics wraps reg.
func NewMetrics(reg prometheus.Registerer, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Metrics{reg: reg, logger: logger, live: make(map[gaugeID]prometheus.Collector)}
}

// MetricName returns servicecomb_<kind>_<metric> with the kind in snake case.
func MetricName(kind policy.Kind, metric string) string {
	return "servicecomb_" + snake(string(kind)) + "_" + metric
}

// BindGauge registers a gauge reporting fn under the governance key and
// returns the function that unregisters it. A gauge bound again for the same
// key replaces the previous one, whose unregister function becomes a no-op.
func (m *Metrics) BindGauge(kind policy.Kind, metric, help, key string, fn func() float64) func() {
	if m == nil || m.reg == nil {
		return func() {}
	}
	id := gaugeID{name: MetricName(kind, metric), key: key}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        id.name,
		Help:        help,
		ConstLabels: prometheus.Labels{"governance_key": key},
	}, fn)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			m.reg.Unregister(already.ExistingCollector)
			err = m.reg.Register(gauge)
		}
		if err != nil {
			m.logger.Warn("failed to register governance gauge", "metric", id.name, "governance_key", key, "error", err)
			return func() {}
		}
	}
	m.live[id] = gauge
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.live[id] != gauge {
			return
		}
		delete(m.live, id)
		m.reg.Unregister(gauge)
	}
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
