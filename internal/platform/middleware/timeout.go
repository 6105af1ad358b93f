package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// RequestTimeout bounds every request with a context deadline so storage
// calls are cancelled with it. The handler runs on the request goroutine;
// a deadline error it returns becomes 504. A timeout <= 0 disables it.
func RequestTimeout(timeout time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	if timeout <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout: timeout,
		ErrorHandler: func(err error, c echo.Context) error {
			if !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			rid, _ := c.Get("request_id").(string)
			logger.Warn().
				Str("request_id", rid).
				Str("route", c.Path()).
				Dur("timeout", timeout).
				Msg("request timed out")
			return echo.NewHTTPError(http.StatusGatewayTimeout, timeoutMessage).SetInternal(err)
		},
	})
}

const timeoutMessage = "request took too long"
