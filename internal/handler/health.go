package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"frameproxy/internal/config"
	"frameproxy/internal/protocol"
	"frameproxy/internal/target"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg       *config.Config
	blocklist *target.Blocklist
	version   Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, bl *target.Blocklist, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, blocklist: bl, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return jsonResponse(c, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	entries := 0
	if h.blocklist != nil {
		entries = h.blocklist.Len()
	}
	return jsonResponse(c, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           string(h.version),
		"protocol_version":  protocol.Version,
		"blocklist_entries": entries,
		"public_url":        h.cfg.Server.PublicURL,
	})
}
