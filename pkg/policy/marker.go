package policy

// RawOperator maps operator names (exact, prefix, suffix, contains, compare)
// to operands. Every listed operator must accept the value.
type RawOperator map[string]string

// CustomMatcher delegates matching to a named, registered implementation. It
// is skipped when either field is empty.
type CustomMatcher struct {
	Handler    string `yaml:"customMatcherHandler"`
	Parameters string `yaml:"customMatcherParameters"`
}

// Matcher is one AND-combined predicate over a request. Empty fields are not
// checked.
type Matcher struct {
	Name          string                 `yaml:"name"`
	APIPath       RawOperator            `yaml:"apiPath"`
	Method        []string               `yaml:"method"`
	Headers       map[string]RawOperator `yaml:"headers"`
	ServiceName   string                 `yaml:"serviceName"`
	CustomMatcher *CustomMatcher         `yaml:"customMatcher"`
}

// TrafficMarker groups matchers under a name shared with the governance
// policies it selects traffic for. A request is marked when any matcher
// accepts it.
type TrafficMarker struct {
	Base    `yaml:",inline"`
	Matches []Matcher `yaml:"matches"`
}

func NewTrafficMarker() *TrafficMarker { return &TrafficMarker{} }

func (m *TrafficMarker) Validate() error {
	if len(m.Matches) == 0 {
		return invalid("match group has no matches")
	}
	return nil
}
