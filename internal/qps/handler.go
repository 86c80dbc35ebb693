package qps

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

// KindFlowControl is the kind reported by QPS rejections.
const KindFlowControl = "qpsFlowControl"

// ErrLimited is wrapped by every QPS rejection.
var ErrLimited = errors.New("qps limit exceeded")

// FlowControlHandler admits calls through a Manager. For the Provider role
// microserviceName is the calling service; for Consumer it is the target.
type FlowControlHandler struct {
	manager *Manager
}

// NewFlowControlHandler wraps m.
func NewFlowControlHandler(m *Manager) *FlowControlHandler {
	return &FlowControlHandler{manager: m}
}

// Manager returns the underlying manager.
func (h *FlowControlHandler) Manager() *Manager { return h.manager }

// Handle returns a 429 rejection when the call exceeds its QPS limit.
func (h *FlowControlHandler) Handle(ctx context.Context, microserviceName string, meta domain.InvocationMeta) error {
	if !h.manager.Enabled() {
		return nil
	}
	c := h.manager.GetOrCreate(microserviceName, meta)
	if _, hasLimit := c.Limit(); !hasLimit {
		return nil
	}

	if c.IsLimitNewRequest() {
		telemetry.RecordDecision(ctx, telemetry.Decision{Kind: KindFlowControl, Policy: c.Key(), Outcome: telemetry.OutcomeRejected})
		rej := domain.NewRejection(KindFlowControl,
			fmt.Sprintf("%s qps limit of %s exceeded", h.manager.Role(), c.Key()), ErrLimited)
		rej.Key = c.Key()
		return rej
	}
	telemetry.RecordDecision(ctx, telemetry.Decision{Kind: KindFlowControl, Policy: c.Key(), Outcome: telemetry.OutcomeAllowed})
	return nil
}
