package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/prism/internal/inference"
	"github.com/samcharles93/prism/internal/vision"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps runtime errors to an HTTP status and OpenAI error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, inference.ErrImageTokenMismatch),
		errors.Is(err, vision.ErrImageTooLarge):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, inference.ErrNotLoaded):
		return http.StatusServiceUnavailable, "model_not_loaded"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
