package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"frameproxy/internal/config"
	"frameproxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// OPTIONS routes exist so preflights match a route; the CORS middleware
// answers them.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, media *MediaHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/protocol", Protocol)
	e.POST("/protocol/messages", CheckMessage)

	proxyMethods := []string{
		http.MethodGet, http.MethodHead, http.MethodPost,
		http.MethodPut, http.MethodPatch, http.MethodDelete,
	}
	e.Match(proxyMethods, "/proxy", proxy.Handle)
	e.Match(proxyMethods, "/rewrite", proxy.Handle)
	e.Match([]string{http.MethodGet, http.MethodHead}, "/media", media.Handle)

	for _, path := range []string{"/proxy", "/rewrite", "/media"} {
		e.OPTIONS(path, func(c echo.Context) error {
			return c.NoContent(http.StatusNoContent)
		})
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
