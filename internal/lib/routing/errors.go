package routing

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies a routing failure
type ErrorKind string

const (
	// Caller error, never retried
	KindInvalidCoordinates ErrorKind = "INVALID_COORDINATES"
	// Provider-side logical failure such as "no route found"
	KindAPIError ErrorKind = "API_ERROR"
	KindRateLimit ErrorKind = "RATE_LIMIT"
	KindNetworkError ErrorKind = "NETWORK_ERROR"
	// Only raised by the hybrid router once every provider is exhausted
	KindServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
)

// Retryable reports the default retry policy for the kind
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimit || k == KindNetworkError
}

// Error is a tagged routing failure
type Error struct {
	Kind      ErrorKind
	Provider  ProviderID
	Retryable bool
	Message   string
	Err       error
}

// NewError creates an error whose retryable flag follows the kind
func NewError(kind ErrorKind, provider ProviderID, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Retryable: kind.Retryable(), Message: message}
}

// WrapError creates an error carrying cause
func WrapError(kind ErrorKind, provider ProviderID, message string, cause error) *Error {
	e := NewError(kind, provider, message)
	e.Err = cause
	return e
}

// Errorf is NewError with a formatted message
func Errorf(kind ErrorKind, provider ProviderID, format string, args ...any) *Error {
	return NewError(kind, provider, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s]: %s", e.Kind, e.Provider, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: ...}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// GRPCStatus maps the error onto a gRPC status for transport layers
func (e *Error) GRPCStatus() *status.Status {
	var code codes.Code
	switch e.Kind {
	case KindInvalidCoordinates:
		code = codes.InvalidArgument
	case KindAPIError:
		code = codes.NotFound
	case KindRateLimit:
		code = codes.ResourceExhausted
	case KindNetworkError:
		code = codes.DeadlineExceeded
	case KindServiceUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Unknown
	}
	return status.New(code, e.Error())
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRetryable reports whether err may be retried. Unclassified errors are not
// retryable.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// InvalidCoordinates builds the error returned for out of range input
func InvalidCoordinates(provider ProviderID, cause error) *Error {
	return WrapError(KindInvalidCoordinates, provider, "coordinates out of range", cause)
}
