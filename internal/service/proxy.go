// Package service implements the fetch, classify and rewrite pipeline behind
// the proxy endpoints.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"frameproxy/internal/client"
	"frameproxy/internal/config"
	"frameproxy/internal/content"
	"frameproxy/internal/metrics"
	"frameproxy/internal/model"
	"frameproxy/internal/rewrite"
	"frameproxy/internal/target"
)

// drainLimit caps how much of an unwanted body is read before closing so the
// connection can be reused.
const drainLimit = 64 << 10

// UpstreamError reports a non-2xx upstream status.
type UpstreamError struct {
	Status     int
	StatusText string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream responded %d %s", e.Status, e.StatusText)
}

func newUpstreamError(resp *model.UpstreamResponse) *UpstreamError {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return &UpstreamError{Status: resp.StatusCode, StatusText: text}
}

// Response is what a proxy endpoint sends back. Body is nil for redirects
// and HEAD requests.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Route      content.Route
	Rewritten  bool
}

// ProxyService fetches targets and routes them through the rewriters.
type ProxyService struct {
	validator *target.Validator
	client    *client.UpstreamClient
	markup    *rewrite.MarkupRewriter
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(v *target.Validator, c *client.UpstreamClient, markup *rewrite.MarkupRewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		validator: v,
		client:    c,
		markup:    markup,
		cfg:       cfg,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
	}
}

// Resolve validates a raw target parameter.
func (s *ProxyService) Resolve(raw string) (*url.URL, error) {
	u, err := s.validator.Validate(raw)
	if errors.Is(err, target.ErrForbiddenHost) && s.metrics != nil {
		s.metrics.BlockedTargets.Inc()
	}
	return u, err
}

// Fetch requests pr.Target upstream and prepares the reply: markup, script
// and stylesheet bodies are decoded and rewritten, media is redirected to
// the relay and everything else streams through unchanged.
// The caller must close Response.Body when it is non-nil.
func (s *ProxyService) Fetch(pr *model.ProxyRequest) (*Response, error) {
	body, err := bufferBody(pr.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	header := BuildHeaders(pr, s.cfg.Upstream.UserAgent)

	s.logger.Debug("fetching target",
		"method", pr.Method,
		"host", pr.Target.Host,
	)

	resp, err := s.client.Do(pr.Ctx, pr.Method, pr.Target.String(), header, body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pr.Target.Host, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drainAndClose(resp.Body)
		return nil, newUpstreamError(resp)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header),
	}

	if pr.Method == http.MethodHead {
		_ = resp.Body.Close()
		out.Route = content.Classify(resp.ContentType())
		if out.Route == content.RouteMedia {
			s.redirectToMedia(pr, resp, resp.ContentType(), out)
		}
		return out, nil
	}

	src := resp.Body
	encoding := resp.Header.Get("Content-Encoding")
	contentType := resp.ContentType()

	if contentType == "" {
		if decoded, err := content.Decode(src, encoding); err == nil {
			br := content.NewSniffReader(decoded)
			contentType = content.Sniff(br)
			src = readCloser{Reader: br, Closer: decoded}
			encoding = ""
			out.Header.Del("Content-Encoding")
			out.Header.Del("Content-Length")
			out.Header.Set("Content-Type", contentType)
		}
	}

	out.Route = content.Classify(contentType)
	switch {
	case out.Route == content.RouteMedia:
		_ = src.Close()
		s.redirectToMedia(pr, resp, contentType, out)
		return out, nil

	case out.Route.Rewritable():
		return s.rewrite(pr, resp, src, encoding, contentType, out)

	default:
		resp.StopTimeout()
		out.Body = src
		return out, nil
	}
}

// redirectToMedia turns out into a redirect to the media relay so range
// requests reach the upstream directly.
func (s *ProxyService) redirectToMedia(pr *model.ProxyRequest, resp *model.UpstreamResponse, contentType string, out *Response) {
	out.StatusCode = http.StatusFound
	out.Header = http.Header{}
	out.Header.Set("Location", rewrite.MediaURL(pr.ProxyOrigin, resp.FinalURL.String(), mediaType(contentType)))
}

func (s *ProxyService) rewrite(pr *model.ProxyRequest, resp *model.UpstreamResponse, src io.ReadCloser, encoding, contentType string, out *Response) (*Response, error) {
	decoded, err := content.Decode(src, encoding)
	if errors.Is(err, content.ErrUnsupportedEncoding) {
		s.logger.Warn("cannot decode body, streaming unrewritten",
			"route", out.Route.String(),
			"encoding", encoding,
		)
		s.countFallback(out.Route)
		resp.StopTimeout()
		out.Body = src
		return out, nil
	}
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}

	out.Header.Del("Content-Encoding")
	out.Header.Del("Content-Length")
	out.Header.Del("Etag")

	limit := s.cfg.Upstream.MaxRewriteBytes
	buf, err := io.ReadAll(io.LimitReader(decoded, limit+1))
	if err != nil {
		_ = decoded.Close()
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if int64(len(buf)) > limit {
		s.logger.Warn("body exceeds rewrite limit, streaming unrewritten",
			"route", out.Route.String(),
			"limit_bytes", limit,
		)
		s.countFallback(out.Route)
		resp.StopTimeout()
		out.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), decoded), Closer: decoded}
		return out, nil
	}
	_ = decoded.Close()

	rc := model.NewRewriteContext(basePage(pr, resp.FinalURL, out.Route), pr.ProxyOrigin)
	result, err := s.transform(buf, contentType, out.Route, rc)
	if err != nil {
		s.logger.Warn("rewrite failed, serving original body",
			"route", out.Route.String(),
			"err", err,
		)
		s.countFallback(out.Route)
		result = buf
	} else {
		out.Rewritten = true
		if out.Route == content.RouteMarkup {
			out.Header.Set("Content-Type", "text/html; charset=utf-8")
		}
		if s.metrics != nil {
			s.metrics.Rewrites.WithLabelValues(out.Route.String()).Inc()
		}
	}

	out.Header.Set("Content-Length", strconv.Itoa(len(result)))
	out.Body = io.NopCloser(bytes.NewReader(result))
	return out, nil
}

func (s *ProxyService) transform(buf []byte, contentType string, route content.Route, rc model.RewriteContext) ([]byte, error) {
	switch route {
	case content.RouteMarkup:
		r, err := content.ToUTF8(bytes.NewReader(buf), contentType)
		if err != nil {
			return nil, err
		}
		return s.markup.Rewrite(r, rc)
	case content.RouteScript:
		return []byte(rewrite.RewriteScript(string(buf), rc)), nil
	case content.RouteStylesheet:
		return []byte(rewrite.RewriteCSS(string(buf), rewrite.NewResolver(rc.Page, rc.ProxyOrigin))), nil
	}
	return buf, nil
}

// basePage picks the URL a body's relative references resolve against.
// Scripts run in the including document, so a proxied page referer wins
// over the script's own URL.
func basePage(pr *model.ProxyRequest, final *url.URL, route content.Route) *url.URL {
	if route != content.RouteScript {
		return final
	}
	if page, ok := RefererPage(pr.Header.Get("Referer")); ok {
		return page
	}
	return final
}

func (s *ProxyService) countFallback(route content.Route) {
	if s.metrics != nil {
		s.metrics.RewriteFallbacks.WithLabelValues(route.String()).Inc()
	}
}

// bufferBody reads a request body into memory so the outbound request
// carries a Content-Length. Inbound size is capped by the body limit middleware.
func bufferBody(r io.Reader) (io.Reader, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return bytes.NewReader(data), nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

type readCloser struct {
	io.Reader
	io.Closer
}
