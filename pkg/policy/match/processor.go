package match

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

// CustomMatch is a user supplied request predicate referenced from a matcher
// by name.
type CustomMatch interface {
	MatchRequest(ctx context.Context, req *domain.GovernanceRequest, parameters string) (bool, error)
}

// CustomMatchFunc adapts a function to CustomMatch.
type CustomMatchFunc func(ctx context.Context, req *domain.GovernanceRequest, parameters string) (bool, error)

// MatchRequest implements CustomMatch.
func (f CustomMatchFunc) MatchRequest(ctx context.Context, req *domain.GovernanceRequest, parameters string) (bool, error) {
	return f(ctx, req, parameters)
}

// RequestProcessor evaluates a single matcher against a request.
type RequestProcessor struct {
	logger *slog.Logger

	mu     sync.RWMutex
	custom map[string]CustomMatch
}

// NewRequestProcessor creates a processor with no custom matchers.
func NewRequestProcessor(logger *slog.Logger) *RequestProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestProcessor{logger: logger, custom: make(map[string]CustomMatch)}
}

// RegisterCustomMatch makes a custom matcher available under name.
func (p *RequestProcessor) RegisterCustomMatch(name string, m CustomMatch) error {
	name = strings.TrimSpace(name)
	if name == "" || m == nil {
		return fmt.Errorf("custom matcher requires a name and an implementation")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.custom[name]; exists {
		return fmt.Errorf("custom matcher %q already registered", name)
	}
	p.custom[name] = m
	return nil
}

// Match reports whether every populated field of matcher accepts req.
func (p *RequestProcessor) Match(ctx context.Context, req *domain.GovernanceRequest, matcher policy.Matcher) bool {
	if req == nil {
		return false
	}
	return p.methodMatch(req, matcher) &&
		p.apiPathMatch(req, matcher) &&
		p.headersMatch(req, matcher) &&
		serviceNameMatch(req, matcher) &&
		p.customMatch(ctx, req, matcher)
}

func (p *RequestProcessor) methodMatch(req *domain.GovernanceRequest, matcher policy.Matcher) bool {
	if matcher.Method == nil {
		return true
	}
	for _, m := range matcher.Method {
		if strings.EqualFold(m, req.Method) {
			return true
		}
	}
	return false
}

func (p *RequestProcessor) apiPathMatch(req *domain.GovernanceRequest, matcher policy.Matcher) bool {
	if matcher.APIPath == nil {
		return true
	}
	ok, unknown := operatorMatch(req.APIPath, matcher.APIPath)
	p.reportUnknown(unknown)
	return ok
}

func (p *RequestProcessor) headersMatch(req *domain.GovernanceRequest, matcher policy.Matcher) bool {
	for name, raw := range matcher.Headers {
		value, ok := req.Header(name)
		if !ok {
			return false
		}
		matched, unknown := operatorMatch(value, raw)
		p.reportUnknown(unknown)
		if !matched {
			return false
		}
	}
	return true
}

func serviceNameMatch(req *domain.GovernanceRequest, matcher policy.Matcher) bool {
	return matcher.ServiceName == "" || matcher.ServiceName == req.ServiceName
}

func (p *RequestProcessor) customMatch(ctx context.Context, req *domain.GovernanceRequest, matcher policy.Matcher) bool {
	cm := matcher.CustomMatcher
	if cm == nil || cm.Handler == "" || cm.Parameters == "" {
		return true
	}
	p.mu.RLock()
	impl, ok := p.custom[cm.Handler]
	p.mu.RUnlock()
	if !ok {
		p.logger.Error("custom matcher not registered", "handler", cm.Handler)
		return false
	}
	matched, err := impl.MatchRequest(ctx, req, cm.Parameters)
	if err != nil {
		p.logger.Error("custom matcher failed", "handler", cm.Handler, "error", err)
		return false
	}
	return matched
}

func (p *RequestProcessor) reportUnknown(name string) {
	if name != "" {
		p.logger.Error("unsupported match operator", "operator", name, "supported", OperatorNames())
	}
}
