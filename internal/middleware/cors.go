package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const (
	allowMethods = "GET, POST, OPTIONS, PUT, DELETE, PATCH"
	preflightAge = "86400"
)

// CORS returns an Echo middleware that strips hop-by-hop headers from the
// inbound request and sets the fixed cross-origin header set on every
// response. Preflight requests are answered with 204 without reaching a
// handler. X-Frame-Options and X-Content-Type-Options are never set here:
// proxied pages must render inside the host frame and relayed bodies keep
// upstream's content type handling.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, h := range hopByHopHeaders {
				req.Header.Del(h)
			}

			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, allowMethods)
			h.Set(echo.HeaderAccessControlAllowCredentials, "true")

			if req.Method == http.MethodOptions {
				if reqHeaders := req.Header.Get(echo.HeaderAccessControlRequestHeaders); reqHeaders != "" {
					h.Set(echo.HeaderAccessControlAllowHeaders, reqHeaders)
				} else {
					h.Set(echo.HeaderAccessControlAllowHeaders, "*")
				}
				h.Set(echo.HeaderAccessControlMaxAge, preflightAge)
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
