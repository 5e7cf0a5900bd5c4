package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/vectord/internal/logger"
)

const headerRequestID = "X-Request-ID"

// requestLog tags each request with an id, taken from X-Request-ID when the
// client sends one, and logs the payload size and handling time.
func requestLog(log logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			id := req.Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(headerRequestID, id)

			reqLog := log.With("request_id", id)
			c.SetRequest(req.WithContext(logger.WithContext(req.Context(), reqLog)))

			start := time.Now()
			err := next(c)
			status, _ := c.Get(statusKey).(int)
			args := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"size", req.ContentLength,
				"status", status,
				"elapsed", time.Since(start),
			}
			if err != nil {
				args = append(args, "err", err)
			}
			reqLog.Info("request", args...)
			return err
		}
	}
}
