package governance

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/policy/match"
)

func pathMarker(prefix string) string {
	return "matches:\n  - apiPath:\n      prefix: " + prefix + "\n"
}

func newFakeClock() *testclock.FakeClock {
	return testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// newTestDeps builds handler dependencies whose markers read from src.
func newTestDeps(src *config.MemorySource, clk *testclock.FakeClock, reg prometheus.Registerer) Deps {
	markers := config.NewProperties(policy.KindMatchGroup, src, domain.ServiceMeta{}, policy.NewTrafficMarker, nil)
	deps := Deps{
		Matcher: match.NewManager(markers, match.NewRequestProcessor(nil)),
		Metrics: NewMetrics(reg, nil),
	}
	if clk != nil {
		deps.Clock = clk
	}
	return deps
}

func properties[P policy.Policy](src *config.MemorySource, kind policy.Kind, newFn func() P) *config.Properties[P] {
	return config.NewProperties(kind, src, domain.ServiceMeta{}, newFn, nil)
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name, key string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "governance_key" && l.GetValue() == key {
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}
