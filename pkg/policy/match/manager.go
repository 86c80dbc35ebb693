package match

import (
	"context"
	"sort"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

// MarkerSource exposes the current traffic markers by name.
type MarkerSource interface {
	ParsedEntity() map[string]*policy.TrafficMarker
}

// Manager resolves policies for requests through traffic markers.
type Manager struct {
	markers   MarkerSource
	processor *RequestProcessor
}

// NewManager wires a marker source to a request processor.
func NewManager(markers MarkerSource, processor *RequestProcessor) *Manager {
	return &Manager{markers: markers, processor: processor}
}

// Marked reports whether the marker called name accepts req. A missing marker
// never matches.
func (m *Manager) Marked(ctx context.Context, req *domain.GovernanceRequest, name string) bool {
	marker, ok := m.markers.ParsedEntity()[name]
	if !ok || marker == nil {
		return false
	}
	return m.marked(ctx, req, marker)
}

func (m *Manager) marked(ctx context.Context, req *domain.GovernanceRequest, marker *policy.TrafficMarker) bool {
	for _, matcher := range marker.Matches {
		if m.processor.Match(ctx, req, matcher) {
			return true
		}
	}
	return false
}

// Select returns the first policy, in name order, whose marker accepts req.
// The boolean is false when nothing matches, meaning governance is inactive
// for the request.
func Select[T policy.Policy](ctx context.Context, m *Manager, req *domain.GovernanceRequest, policies map[string]T) (T, bool) {
	var zero T
	if len(policies) == 0 {
		return zero, false
	}
	markers := m.markers.ParsedEntity()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		marker, ok := markers[name]
		if !ok || marker == nil {
			continue
		}
		if m.marked(ctx, req, marker) {
			return policies[name], true
		}
	}
	return zero, false
}
