package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/rookx88/emdr-platform-sub000/internal/platform/hipaa"
)

// RequestInfo copies the caller's address, user agent and request id into
// the request context, where the access policy reads them for its audit
// records. It must run after RequestID.
func RequestInfo() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			ctx := hipaa.WithRequestInfo(req.Context(), hipaa.RequestInfo{
				IPAddress: c.RealIP(),
				UserAgent: req.UserAgent(),
				RequestID: rid,
			})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
