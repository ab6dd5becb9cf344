package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// TimeoutMessage is the body message of a 504.
const TimeoutMessage = "Request processing exceeded the allowed time limit"

// RequestTimeout puts a deadline on the request context and answers 504 when
// the handler has not returned in time. Upload, chat and websocket paths
// are exempt; uploads and AI calls are bounded by the backend client
// timeout instead.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || exempt(c.Request().URL.Path) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, map[string]string{"message": TimeoutMessage})
			}
		}
	}
}

func exempt(path string) bool {
	return path == "/ws" || strings.HasPrefix(path, "/ws/") ||
		strings.Contains(path, "/uploads/") || strings.HasPrefix(path, "/chat/")
}
