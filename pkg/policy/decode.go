package policy

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"
)

// Decode parses one YAML rule into a fresh policy produced by newFn. newFn
// must return a value carrying the kind's defaults; fields present in raw
// override them. The returned policy is named and has passed decoding but not
// Validate, which processor construction runs so that semantic errors surface
// to the caller that triggered it.
func Decode[P Policy](kind Kind, name, raw string, newFn func() P) (P, error) {
	p := newFn()
	dec := yaml.NewDecoder(bytes.NewBufferString(raw))
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		var zero P
		return zero, &ConfigError{Kind: kind, Name: name, Err: err}
	}
	p.SetName(name)
	return p, nil
}

// DecodeValid is Decode followed by Validate.
func DecodeValid[P Policy](kind Kind, name, raw string, newFn func() P) (P, error) {
	p, err := Decode(kind, name, raw, newFn)
	if err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		var zero P
		return zero, &ConfigError{Kind: kind, Name: name, Err: err}
	}
	return p, nil
}

// Check wraps the validation result of an already decoded policy in a
// ConfigError.
func Check(kind Kind, p Policy) error {
	if err := p.Validate(); err != nil {
		return &ConfigError{Kind: kind, Name: p.PolicyName(), Err: err}
	}
	return nil
}
