package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors for the transport.
var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("remote: object not found")

	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("remote: circuit breaker is open")

	// ErrBulkheadFull is returned when no request slot frees up in time.
	ErrBulkheadFull = errors.New("remote: too many concurrent requests")

	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("remote: request timed out")

	// ErrStreamClosed is returned when a stream subscription ends.
	ErrStreamClosed = errors.New("remote: stream closed")

	// ErrInvalidConfig is returned by ResilienceConfig.Validate.
	ErrInvalidConfig = errors.New("remote: invalid resilience config")
)

// Error is a failed remote call.
type Error struct {
	// Op names the failed call, such as "loadObjects".
	Op string
	// Status is the HTTP-like status code, 0 when the request never
	// reached the server.
	Status int
	// Name is the server's error name, if any.
	Name    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("remote: ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Name != "" {
		b.WriteString(": ")
		b.WriteString(e.Name)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call could succeed: transport
// failures, 408, 429 and 5xx.
func (e *Error) Retryable() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// IsRetryable reports whether err is worth retrying. Errors that are not
// *Error are retried unless they are cancellations, not-found, or
// validation failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable()
	}
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCircuitOpen):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// ValidationError is returned when the server rejects an action before
// making any edit.
type ValidationError struct {
	Action string
	// Result is the server's verdict, typically "INVALID".
	Result string
	// Parameters maps parameter names to their failure reasons.
	Parameters map[string]string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("remote: action %s failed validation", e.Action)
	if e.Result != "" {
		msg += " (" + e.Result + ")"
	}
	if len(e.Parameters) == 0 {
		return msg
	}
	names := make([]string, 0, len(e.Parameters))
	for name := range e.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Parameters[name])
	}
	return msg + ": " + strings.Join(parts, "; ")
}
