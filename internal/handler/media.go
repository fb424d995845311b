package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"frameproxy/internal/config"
	"frameproxy/internal/model"
	"frameproxy/internal/service"
)

// MediaHandler serves /media.
type MediaHandler struct {
	media    *service.MediaService
	resolver *service.ProxyService
	cfg      *config.Config
	logger   *slog.Logger
}

// NewMediaHandler creates a MediaHandler. Targets are validated by resolver,
// normally the ProxyService so blocked hits are counted in one place.
func NewMediaHandler(media *service.MediaService, resolver *service.ProxyService, cfg *config.Config, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{
		media:    media,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "media_handler"),
	}
}

// Handle relays the media resource named by the url query parameter,
// honouring Range and the optional type hint.
func (h *MediaHandler) Handle(c echo.Context) error {
	req := c.Request()

	raw := c.QueryParam("url")
	if raw == "" {
		return writeError(c, http.StatusBadRequest, "missing url parameter", "")
	}
	u, err := h.resolver.Resolve(raw)
	if err != nil {
		return mapError(c, h.logger, err)
	}

	pr := &model.ProxyRequest{
		Ctx:         req.Context(),
		Method:      req.Method,
		Target:      u,
		Header:      req.Header,
		ProxyOrigin: proxyOrigin(c, h.cfg),
	}

	resp, err := h.media.Relay(pr, c.QueryParam("type"))
	if err != nil {
		return mapError(c, h.logger, err)
	}

	body := resp.Body
	if req.Method == http.MethodHead || resp.StatusCode == http.StatusNotModified {
		_ = resp.Body.Close()
		body = nil
	}
	return stream(c, h.logger, resp.StatusCode, resp.Header, body)
}
