package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"frameproxy/internal/client"
	"frameproxy/internal/config"
	"frameproxy/internal/model"
	"frameproxy/internal/service"
	"frameproxy/internal/target"
)

// urlQueryPattern matches the query string of URLs embedded in error
// messages; target queries can carry session tokens.
var urlQueryPattern = regexp.MustCompile(`(https?://[^\s?"]+)\?[^\s"]*`)

// ProxyHandler serves /proxy and /rewrite.
type ProxyHandler struct {
	service *service.ProxyService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the target named by the url (or target) query parameter
// and streams the rewritten or passed-through response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	raw := targetParam(c)
	if raw == "" {
		return writeError(c, http.StatusBadRequest, "missing url parameter", "")
	}

	u, err := h.service.Resolve(raw)
	if err != nil {
		return mapError(c, h.logger, err)
	}

	pr := &model.ProxyRequest{
		Ctx:         req.Context(),
		Method:      req.Method,
		Target:      u,
		Header:      req.Header,
		Body:        req.Body,
		ProxyOrigin: proxyOrigin(c, h.cfg),
	}

	resp, err := h.service.Fetch(pr)
	if err != nil {
		return mapError(c, h.logger, err)
	}

	h.logger.Debug("serving target",
		"host", u.Host,
		"route", resp.Route.String(),
		"rewritten", resp.Rewritten,
	)

	return stream(c, h.logger, resp.StatusCode, resp.Header, resp.Body)
}

// targetParam returns the url query parameter, falling back to target.
func targetParam(c echo.Context) string {
	if v := c.QueryParam("url"); v != "" {
		return v
	}
	return c.QueryParam("target")
}

// proxyOrigin is the origin the browser uses to reach the proxy: the
// configured public URL, or the scheme and Host of the inbound request.
func proxyOrigin(c echo.Context, cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return cfg.Server.PublicURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// stream copies headers and status, then the body when there is one.
func stream(c echo.Context, logger *slog.Logger, status int, header http.Header, body io.ReadCloser) error {
	for key, vals := range header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(status)

	if body == nil {
		return nil
	}
	defer func() { _ = body.Close() }()

	// The status is already on the wire, so a failed copy can only truncate
	// the response.
	if _, err := io.Copy(c.Response(), body); err != nil {
		level := slog.LevelError
		if errors.Is(c.Request().Context().Err(), context.Canceled) {
			level = slog.LevelDebug
		}
		logger.Log(c.Request().Context(), level, "streaming response body",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func mapError(c echo.Context, logger *slog.Logger, err error) error {
	var ue *service.UpstreamError
	switch {
	case errors.Is(err, target.ErrInvalidURL):
		return writeError(c, http.StatusBadRequest, "invalid url", sanitizeError(err))

	case errors.Is(err, target.ErrForbiddenHost):
		logger.Warn("blocked target", "err", sanitizeError(err))
		return writeError(c, http.StatusForbidden, "target host is not allowed", "")

	case errors.As(err, &ue):
		logger.Info("upstream error status", "status", ue.Status)
		return writeError(c, ue.Status, "upstream error", ue.Error())
	}

	logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, client.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusGatewayTimeout, "upstream timeout", sanitizeError(err))

	case errors.Is(err, context.Canceled):
		return writeError(c, http.StatusBadGateway, "client disconnected", "")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return writeError(c, http.StatusInternalServerError, "upstream host unreachable", dnsErr.Error())
	}

	return writeError(c, http.StatusInternalServerError, "upstream request failed", sanitizeError(err))
}

// errorBody is the JSON error payload of every endpoint.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(c echo.Context, status int, msg, details string) error {
	return jsonResponse(c, status, errorBody{Error: msg, Details: details})
}

// jsonResponse writes a body generated by the proxy itself. Relayed
// upstream responses never pass through here and keep their own headers.
func jsonResponse(c echo.Context, status int, v any) error {
	c.Response().Header().Set(echo.HeaderXContentTypeOptions, "nosniff")
	return c.JSON(status, v)
}

// sanitizeError redacts URL query strings from error messages.
func sanitizeError(err error) string {
	return urlQueryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}
