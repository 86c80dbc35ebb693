package match

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

type staticMarkers map[string]*policy.TrafficMarker

func (s staticMarkers) ParsedEntity() map[string]*policy.TrafficMarker { return s }

func marker(matchers ...policy.Matcher) *policy.TrafficMarker {
	return &policy.TrafficMarker{Matches: matchers}
}

func TestSelectVisitsPoliciesInNameOrder(t *testing.T) {
	markers := staticMarkers{
		"a-hello": marker(policy.Matcher{APIPath: policy.RawOperator{"prefix": "/hello"}}),
		"b-hello": marker(policy.Matcher{APIPath: policy.RawOperator{"exact": "/hello"}}),
		"c-other": marker(policy.Matcher{APIPath: policy.RawOperator{"exact": "/other"}}),
	}
	m := NewManager(markers, NewRequestProcessor(nil))
	policies := map[string]*policy.BulkheadPolicy{}
	for _, name := range []string{"b-hello", "a-hello", "c-other", "no-marker"} {
		p := policy.NewBulkheadPolicy()
		p.SetName(name)
		policies[name] = p
	}

	got, ok := Select(context.Background(), m, &domain.GovernanceRequest{APIPath: "/hello"}, policies)
	require.True(t, ok)
	assert.Equal(t, "a-hello", got.PolicyName())

	got, ok = Select(context.Background(), m, &domain.GovernanceRequest{APIPath: "/other"}, policies)
	require.True(t, ok)
	assert.Equal(t, "c-other", got.PolicyName())

	_, ok = Select(context.Background(), m, &domain.GovernanceRequest{APIPath: "/nothing"}, policies)
	assert.False(t, ok)
}

func TestMarkedAnyMatcher(t *testing.T) {
	markers := staticMarkers{
		"demo": marker(
			policy.Matcher{Method: []string{"POST"}},
			policy.Matcher{APIPath: policy.RawOperator{"exact": "/hello"}},
		),
	}
	m := NewManager(markers, NewRequestProcessor(nil))
	ctx := context.Background()

	assert.True(t, m.Marked(ctx, &domain.GovernanceRequest{Method: "POST", APIPath: "/x"}, "demo"))
	assert.True(t, m.Marked(ctx, &domain.GovernanceRequest{Method: "GET", APIPath: "/hello"}, "demo"))
	assert.False(t, m.Marked(ctx, &domain.GovernanceRequest{Method: "GET", APIPath: "/x"}, "demo"))
	assert.False(t, m.Marked(ctx, &domain.GovernanceRequest{Method: "POST"}, "absent"))
}
