package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

const statusKey = "vectord.status"

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return writeJSON(c, status, ErrorResponse{
		Error: ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeJSON encodes v with go-json and records the status for the access log.
func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b, _ = json.Marshal(ErrorResponse{Error: ResponseError{
			Message: fmt.Sprintf("encode response: %v", err),
			Type:    "server_error",
		}})
	}
	c.Set(statusKey, status)
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	data, err := io.ReadAll(r)
	if err != nil {
		return out, fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, newInvalidRequest("request body is empty")
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, newInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}
