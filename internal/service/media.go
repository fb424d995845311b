package service

import (
	"fmt"
	"log/slog"
	"net/http"

	"frameproxy/internal/client"
	"frameproxy/internal/config"
	"frameproxy/internal/model"
)

// MediaService relays audio, video and other seekable bodies with their
// range semantics intact.
type MediaService struct {
	client *client.UpstreamClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewMediaService creates a MediaService.
func NewMediaService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *MediaService {
	return &MediaService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "media_service"),
	}
}

// Relay fetches pr.Target with the inbound Range and conditional headers and
// returns the upstream response with its status (200, 206 or 304) and every
// header except hop-by-hop and CORS ones. The deadline only covers the wait
// for headers; the body streams for as long as the client reads it.
// typeHint replaces a missing or generic Content-Type.
func (s *MediaService) Relay(pr *model.ProxyRequest, typeHint string) (*model.UpstreamResponse, error) {
	header := buildMediaHeaders(pr, s.cfg.Upstream.UserAgent)

	s.logger.Debug("relaying media",
		"method", pr.Method,
		"host", pr.Target.Host,
		"range", header.Get("Range"),
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, pr.Target.String(), header, nil)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", pr.Target.Host, err)
	}
	resp.StopTimeout()

	if resp.StatusCode != http.StatusNotModified && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		drainAndClose(resp.Body)
		return nil, newUpstreamError(resp)
	}

	resp.Header = relayHeaders(resp.Header)
	if hint := mediaType(typeHint); hint != "" {
		if ct := mediaType(resp.Header.Get("Content-Type")); ct == "" || ct == "application/octet-stream" {
			resp.Header.Set("Content-Type", hint)
		}
	}
	return resp, nil
}
