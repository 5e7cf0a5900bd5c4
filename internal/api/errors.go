package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/vectord/internal/dispatch"
	"github.com/samcharles93/vectord/internal/embedding"
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

// classify maps an error from the prediction path to an HTTP status and
// the error type reported in the envelope.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, embedding.ErrTokenization):
		return http.StatusUnprocessableEntity, "tokenization_error"
	case errors.Is(err, embedding.ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout_error"
	case errors.Is(err, dispatch.ErrPoolClosed):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.Is(err, embedding.ErrInference):
		return http.StatusInternalServerError, "inference_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
