package config

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

// Properties is the typed view of one policy kind in a configuration source.
// It parses every servicecomb.<kind>.<name> key once at construction and then
// re-parses only the keys named by change events.
type Properties[P policy.Policy] struct {
	kind    policy.Kind
	prefix  string
	newFn   func() P
	source  domain.ConfigSource
	service domain.ServiceMeta
	logger  *slog.Logger

	mu     sync.RWMutex
	parsed map[string]P
}

// NewProperties builds the view and subscribes it to source. Create
// Properties before the handlers that read them so that policies are
// refreshed before handlers drop their processors.
func NewProperties[P policy.Policy](kind policy.Kind, source domain.ConfigSource, service domain.ServiceMeta, newFn func() P, logger *slog.Logger) *Properties[P] {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Properties[P]{
		kind:    kind,
		prefix:  kind.KeyPrefix(),
		newFn:   newFn,
		source:  source,
		service: service,
		logger:  logger.With("kind", string(kind)),
		parsed:  make(map[string]P),
	}

	for key, raw := range source.Properties() {
		if name, ok := p.nameOf(key); ok {
			p.apply(name, raw, true)
		}
	}
	source.Subscribe(p)
	return p
}

// Kind returns the policy kind.
func (p *Properties[P]) Kind() policy.Kind { return p.kind }

// ParsedEntity returns a snapshot of the current policies keyed by name.
func (p *Properties[P]) ParsedEntity() map[string]P {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]P, len(p.parsed))
	for k, v := range p.parsed {
		out[k] = v
	}
	return out
}

// Get returns the policy called name.
func (p *Properties[P]) Get(name string) (P, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.parsed[name]
	return v, ok
}

// OnConfigurationChanged implements domain.ChangeListener.
func (p *Properties[P]) OnConfigurationChanged(event domain.ConfigurationChangedEvent) {
	for _, key := range event.ChangedKeys {
		name, ok := p.nameOf(key)
		if !ok {
			continue
		}
		raw, present := p.source.Property(key)
		p.apply(name, raw, present)
	}
}

func (p *Properties[P]) nameOf(key string) (string, bool) {
	if !strings.HasPrefix(key, p.prefix) || len(key) == len(p.prefix) {
		return "", false
	}
	return key[len(p.prefix):], true
}

func (p *Properties[P]) apply(name, raw string, present bool) {
	if !present || strings.TrimSpace(raw) == "" {
		p.remove(name)
		return
	}

	decoded, err := policy.Decode(p.kind, name, raw, p.newFn)
	if err != nil {
		p.logger.Error("dropping undecodable governance policy", "policy", name, "error", err)
		p.remove(name)
		return
	}
	if !policy.AppliesTo(decoded.ServiceFilter(), p.service) {
		p.logger.Debug("governance policy does not apply to this service", "policy", name, "services", decoded.ServiceFilter())
		p.remove(name)
		return
	}

	p.mu.Lock()
	p.parsed[name] = decoded
	p.mu.Unlock()
}

func (p *Properties[P]) remove(name string) {
	p.mu.Lock()
	delete(p.parsed, name)
	p.mu.Unlock()
}
