package llm

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrInvalidArgument = errors.New("invalid argument")

func InvalidArgument(msg string) error {
	if msg == "" {
		return ErrInvalidArgument
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}

// GatewayError is returned by Gateway implementations when the upstream call
// fails. StatusCode is the upstream HTTP status when one is known.
type GatewayError struct {
	Message    string
	StatusCode int
}

func NewGatewayError(statusCode int, format string, args ...any) *GatewayError {
	return &GatewayError{Message: fmt.Sprintf(format, args...), StatusCode: statusCode}
}

func (e *GatewayError) Error() string {
	return e.Message
}

// HTTPStatus is the status a caller should see for this failure. Gateway
// errors without an upstream status surface as 502.
func (e *GatewayError) HTTPStatus() int {
	if e == nil || e.StatusCode == 0 {
		return http.StatusBadGateway
	}
	return e.StatusCode
}

// AsGatewayError reports whether err wraps a *GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}
