package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/auth"
	"github.com/rookx88/emdr-platform-sub000/internal/platform/hipaa"
)

// Recovery turns a handler panic into a 500. Panic values built from
// request data can carry PHI, so a value that matches a PHI pattern is
// withheld from the log.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("actor_id", auth.UserIDFromContext(c.Request().Context())).
					Str("panic", panicValue(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}

func panicValue(r any) string {
	v := fmt.Sprint(r)
	if hipaa.ContainsPHI(v) {
		return fmt.Sprintf("%T (value withheld)", r)
	}
	return v
}
