package governance

import (
	"maps"
	"regexp"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

var headerRef = regexp.MustCompile(`\$H\{([^}]+)\}`)

// Mapper rewrites request attributes to the policy targets. A target value may
// reference request headers as $H{name}; missing headers expand to "".
type Mapper struct {
	key    string
	target map[string]string
}

// NewMapper builds the mapper for p.
func NewMapper(key string, p *policy.MapperPolicy) *Mapper {
	return &Mapper{key: key, target: maps.Clone(p.Target)}
}

// Key returns the governance key.
func (m *Mapper) Key() string { return m.key }

// Target returns a copy of the raw target map.
func (m *Mapper) Target() map[string]string { return maps.Clone(m.target) }

// Map resolves the target map against req.
func (m *Mapper) Map(req *domain.GovernanceRequest) map[string]string {
	out := make(map[string]string, len(m.target))
	for k, v := range m.target {
		out[k] = headerRef.ReplaceAllStringFunc(v, func(ref string) string {
			name := headerRef.FindStringSubmatch(ref)[1]
			value, _ := req.Header(name)
			return value
		})
	}
	return out
}

// MapperHandler resolves mappers per policy.
type MapperHandler = Handler[*policy.MapperPolicy, *Mapper]

// NewMapperHandler creates the mapper handler.
func NewMapperHandler(policies PolicySource[*policy.MapperPolicy], deps Deps) *MapperHandler {
	return NewHandler(Spec[*policy.MapperPolicy, *Mapper]{
		Kind:     policy.KindMapper,
		Policies: policies,
		Build: func(key string, p *policy.MapperPolicy) (*Mapper, func(), error) {
			return NewMapper(key, p), nil, nil
		},
	}, deps)
}
