package policy

// MapperPolicy rewrites request attributes to the target values.
type MapperPolicy struct {
	Base   `yaml:",inline"`
	Target map[string]string `yaml:"target"`
}

func NewMapperPolicy() *MapperPolicy { return &MapperPolicy{} }

func (p *MapperPolicy) Validate() error {
	if len(p.Target) == 0 {
		return invalid("target must not be empty")
	}
	return nil
}
