package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Common domain errors
var (
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrNotRejection  = errors.New("not a governance rejection")
)

// StatusTooManyRequests is the status carried by every admission rejection.
const StatusTooManyRequests = http.StatusTooManyRequests

// RejectionError is the structured result of a failed admission check. It is
// an expected outcome, distinguishable from transport failures via IsRejection.
type RejectionError struct {
	Status int
	Kind   string
	// Key is the governance key of the rejecting processor, when known.
	Key    string
	Reason string
	Err    error
}

// NewRejection builds a 429 rejection for the given governance kind.
func NewRejection(kind, reason string, cause error) *RejectionError {
	return &RejectionError{
		Status: StatusTooManyRequests,
		Kind:   kind,
		Reason: reason,
		Err:    cause,
	}
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected request (%d): %s", e.Kind, e.Status, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err carries a governance rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// AsRejection extracts the rejection carried by err.
func AsRejection(err error) (*RejectionError, error) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, nil
	}
	return nil, ErrNotRejection
}

// ErrorResponse defines the JSON error model returned by the admin API.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}
