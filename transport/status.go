package transport

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// StatusError is a stream failure annotated with a status code. Every
// transport maps its native failures (HTTP status, websocket close code,
// redis network error, gRPC status) onto this type.
type StatusError struct {
	Code codes.Code
	Msg  string
	Err  error
}

func (e *StatusError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("transport: %s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("transport: %s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("transport: %s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("transport: %s", e.Code)
	}
}

func (e *StatusError) Unwrap() error { return e.Err }

// Errorf builds a *StatusError with a formatted message.
func Errorf(code codes.Code, format string, args ...any) error {
	return &StatusError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable wraps err as a retryable failure.
func Unavailable(msg string, err error) error {
	return &StatusError{Code: codes.Unavailable, Msg: msg, Err: err}
}

// Code extracts the status code carried by err. Errors that do not carry a
// status report codes.Unknown; nil reports codes.OK.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return codes.Unknown
}

// IsRetryable reports whether err belongs to the retryable status class.
// Only codes.Unavailable is retryable by default.
func IsRetryable(err error) bool {
	return Code(err) == codes.Unavailable
}

// FromHTTPStatus maps the HTTP status of a rejected stream request onto the
// status vocabulary. Overload and gateway failures are Unavailable.
func FromHTTPStatus(status int) codes.Code {
	switch status {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	}
	if status >= 500 {
		return codes.Internal
	}
	return codes.Unknown
}
