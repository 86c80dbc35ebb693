package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy marks decoding and validation failures of a governance rule.
var ErrInvalidPolicy = errors.New("invalid governance policy")

// ConfigError reports a rule that could not be decoded or validated.
type ConfigError struct {
	Kind Kind
	Name string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s policy %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is lets errors.Is match ConfigError against ErrInvalidPolicy even when the
// wrapped error comes from the YAML decoder.
func (e *ConfigError) Is(target error) bool { return target == ErrInvalidPolicy }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidPolicy}, args...)...)
}
