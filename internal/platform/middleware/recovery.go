package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitalis/vitalis/internal/platform/metrics"
)

// Recovery converts a handler panic into a 500 response. The panic is logged
// with the request id and route and counted in vitalis_http_panics_total.
// http.ErrAbortHandler is re-raised so net/http aborts the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				route := c.Path()
				if route == "" {
					route = c.Request().URL.Path
				}
				metrics.ObservePanic(route)

				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", route).
					Bytes("stack", debug.Stack())
				if e, ok := r.(error); ok {
					evt = evt.Err(e)
				} else {
					evt = evt.Interface("panic", r)
				}
				evt.Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
