package governance

import (
	"errors"
	"strconv"
	"strings"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker does not permit calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrBulkheadFull is returned when no concurrency permit became available.
	ErrBulkheadFull = errors.New("bulkhead is full")
	// ErrRateLimited is returned when no rate permit became available in time.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTimeout is returned when a time limited call does not finish in time.
	ErrTimeout = errors.New("call timed out")
	// ErrFaultInjected is the cause of calls aborted by fault injection.
	ErrFaultInjected = errors.New("fault injected")
)

// reject builds the structured admission rejection of the processor at key.
func reject(kind policy.Kind, key, reason string, cause error) *domain.RejectionError {
	rej := domain.NewRejection(string(kind), reason, cause)
	rej.Key = key
	return rej
}

// StatusCoder is implemented by call errors that carry a response status.
type StatusCoder interface {
	StatusCode() int
}

// StatusError attaches a response status to a call failure.
type StatusError struct {
	Code int
	Err  error
}

// NewStatusError wraps err with the response status code.
func NewStatusError(code int, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return "status " + strconv.Itoa(e.Code)
	}
	return "status " + strconv.Itoa(e.Code) + ": " + e.Err.Error()
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode implements StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// StatusOf extracts the response status carried by err.
func StatusOf(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

// statusSet parses a list of status codes, skipping malformed entries.
func statusSet(codes []string) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		if n, err := strconv.Atoi(strings.TrimSpace(c)); err == nil {
			set[n] = struct{}{}
		}
	}
	return set
}
