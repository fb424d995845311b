// Package shim renders the runtime script injected into rewritten pages.
package shim

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"frameproxy/internal/config"
	"frameproxy/internal/model"
	"frameproxy/internal/protocol"
	"frameproxy/internal/rewrite"
)

//go:embed shim.js
var source string

// ConfigGlobal is the window property the rendered config is assigned to.
// The script removes it once read.
const ConfigGlobal = "__FRAMEPROXY_CONFIG__"

// MediaExtensions are the URL suffixes the shim routes to the media relay.
var MediaExtensions = []string{
	"mp4", "m4v", "webm", "ogv", "mov", "mkv",
	"mp3", "m4a", "ogg", "oga", "wav", "flac", "aac", "opus",
	"m3u8", "mpd",
}

type channels struct {
	Event   protocol.Channel `json:"event"`
	Command protocol.Channel `json:"command"`
}

// runtimeConfig is the per-page object the script reads at startup.
type runtimeConfig struct {
	ProxyOrigin     string                     `json:"proxyOrigin"`
	ProxyPath       string                     `json:"proxyPath"`
	MediaPath       string                     `json:"mediaPath"`
	Target          string                     `json:"target"`
	FaviconDelay    int                        `json:"faviconDelay"`
	MediaExtensions []string                   `json:"mediaExtensions"`
	Channels        channels                   `json:"channels"`
	Actions         map[string]protocol.Action `json:"actions"`
	Schema          protocol.SchemaDoc         `json:"schema"`
}

// Shim holds the prepared script. It is safe for concurrent use.
type Shim struct {
	script       string
	faviconDelay int
	schema       protocol.SchemaDoc
	actions      map[string]protocol.Action
	logger       *slog.Logger
}

// New prepares the script, minifying it when enabled, and checks that the
// result compiles.
func New(cfg config.RewriteConfig, logger *slog.Logger) (*Shim, error) {
	logger = logger.With("component", "shim")

	script := source
	if cfg.MinifyShim == nil || *cfg.MinifyShim {
		m := minify.New()
		m.AddFunc("application/javascript", js.Minify)
		minified, err := m.String("application/javascript", source)
		if err != nil {
			logger.Warn("shim minification failed, serving source", "error", err)
		} else {
			script = minified
		}
	}

	if _, err := goja.Compile("shim.js", script, false); err != nil {
		return nil, fmt.Errorf("compiling runtime shim: %w", err)
	}

	schema := protocol.Schema()
	actions := make(map[string]protocol.Action, len(schema.Actions))
	for name := range schema.Actions {
		actions[string(name)] = name
	}

	logger.Debug("runtime shim ready", "bytes", len(script), "source_bytes", len(source))

	return &Shim{
		script:       script,
		faviconDelay: cfg.FaviconDelayMS,
		schema:       schema,
		actions:      actions,
		logger:       logger,
	}, nil
}

// Script returns the inline script for one rewritten page.
func (s *Shim) Script(rc model.RewriteContext) string {
	cfg := runtimeConfig{
		ProxyOrigin:     rc.ProxyOrigin,
		ProxyPath:       rewrite.ProxyPath,
		MediaPath:       rewrite.MediaPath,
		Target:          rc.Page.String(),
		FaviconDelay:    s.faviconDelay,
		MediaExtensions: MediaExtensions,
		Channels:        channels{Event: protocol.ChannelEvent, Command: protocol.ChannelCommand},
		Actions:         s.actions,
		Schema:          s.schema,
	}

	// json.Marshal escapes <, > and &, so the payload cannot close the
	// surrounding script element.
	data, err := json.Marshal(cfg)
	if err != nil {
		s.logger.Error("encoding shim config", "error", err)
		return ""
	}
	return "window." + ConfigGlobal + "=" + string(data) + ";\n" + s.script
}
