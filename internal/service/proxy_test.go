package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"frameproxy/internal/client"
	"frameproxy/internal/config"
	"frameproxy/internal/content"
	"frameproxy/internal/metrics"
	"frameproxy/internal/model"
	"frameproxy/internal/rewrite"
	"frameproxy/internal/target"
)

const testProxyOrigin = "http://proxy.test"

type testEnv struct {
	proxy   *ProxyService
	media   *MediaService
	metrics *metrics.Metrics
	cfg     *config.Config
}

func newTestEnv(t *testing.T, timeoutSeconds int) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
			MaxRedirects:    5,
			MaxRewriteBytes: 1 << 20,
			UserAgent:       config.DefaultUserAgent,
		},
	}
	bl, err := target.NewBlocklist([]string{"localhost", "*.internal"}, []string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewBlocklist: %v", err)
	}
	m := metrics.New()
	c := client.NewUpstreamClient(cfg, bl, logger, m)
	markup := rewrite.NewMarkupRewriter(nil, false, logger)

	return &testEnv{
		proxy:   NewProxyService(target.NewValidator(bl), c, markup, cfg, logger, m),
		media:   NewMediaService(c, cfg, logger),
		metrics: m,
		cfg:     cfg,
	}
}

func (e *testEnv) request(t *testing.T, method, rawURL string, header http.Header, body io.Reader) *model.ProxyRequest {
	t.Helper()
	u, err := e.proxy.Resolve(rawURL)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", rawURL, err)
	}
	if header == nil {
		header = http.Header{}
	}
	return &model.ProxyRequest{
		Ctx:         context.Background(),
		Method:      method,
		Target:      u,
		Header:      header,
		Body:        body,
		ProxyOrigin: testProxyOrigin,
	}
}

func counterValue(t *testing.T, m *metrics.Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			match := label == ""
			for _, lp := range metric.GetLabel() {
				if lp.GetValue() == label {
					match = true
				}
			}
			if match {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	if resp.Body == nil {
		t.Fatal("response has no body")
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestProxyService_Resolve_ForbiddenHost(t *testing.T) {
	env := newTestEnv(t, 5)

	for _, raw := range []string{"http://localhost/x", "https://db.internal/", "http://10.1.2.3/"} {
		if _, err := env.proxy.Resolve(raw); !errors.Is(err, target.ErrForbiddenHost) {
			t.Errorf("Resolve(%q) error = %v, want ErrForbiddenHost", raw, err)
		}
	}
	if got := counterValue(t, env.metrics, "frameproxy_blocked_targets_total", ""); got != 3 {
		t.Errorf("blocked targets = %v, want 3", got)
	}

	if _, err := env.proxy.Resolve(""); !errors.Is(err, target.ErrInvalidURL) {
		t.Errorf("Resolve(\"\") error = %v, want ErrInvalidURL", err)
	}
}

func TestProxyService_Fetch_RewritesMarkup(t *testing.T) {
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
		w.Header().Set("Set-Cookie", "sid=1; Path=/")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(gzipped(t, `<html><head></head><body><img src="/logo.png"><img src="logo.png"></body></html>`))
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	pr := env.request(t, http.MethodGet, srv.URL+"/a/b", http.Header{
		"Cookie":  {"sid=0"},
		"Referer": {testProxyOrigin + "/proxy?url=" + url.QueryEscape(srv.URL+"/prev")},
	}, nil)

	resp, err := env.proxy.Fetch(pr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	body := readBody(t, resp)

	for _, want := range []string{
		`src="` + srv.URL + `/logo.png"`,
		`src="` + srv.URL + `/a/logo.png"`,
		`<base href="` + srv.URL + `/a/"/>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %s\n%s", want, body)
		}
	}

	if !resp.Rewritten || resp.Route != content.RouteMarkup {
		t.Errorf("Rewritten = %v, Route = %s", resp.Rewritten, resp.Route)
	}
	for _, key := range []string{"Content-Encoding", "X-Frame-Options", "Content-Security-Policy", "Etag"} {
		if v := resp.Header.Get(key); v != "" {
			t.Errorf("%s = %q, want dropped", key, v)
		}
	}
	if got := resp.Header.Get("Set-Cookie"); got != "sid=1; Path=/" {
		t.Errorf("Set-Cookie = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Errorf("Content-Length = %q, body is %d bytes", got, len(body))
	}

	if got := gotHeader.Get("User-Agent"); got != config.DefaultUserAgent {
		t.Errorf("upstream User-Agent = %q", got)
	}
	if got := gotHeader.Get("Accept-Encoding"); got != content.AcceptEncoding {
		t.Errorf("upstream Accept-Encoding = %q", got)
	}
	if got := gotHeader.Get("Cookie"); got != "sid=0" {
		t.Errorf("upstream Cookie = %q", got)
	}
	if got := gotHeader.Get("Referer"); got != srv.URL+"/prev" {
		t.Errorf("upstream Referer = %q, want unwrapped original", got)
	}
	if got := gotHeader.Get("Sec-Fetch-Dest"); got != "document" {
		t.Errorf("upstream Sec-Fetch-Dest = %q", got)
	}

	if got := counterValue(t, env.metrics, "frameproxy_rewrites_total", "markup"); got != 1 {
		t.Errorf("markup rewrites = %v, want 1", got)
	}
}

func TestProxyService_Fetch_PostRoundTripsSetCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if c := r.Header.Get("Cookie"); c != "a=1" {
			t.Errorf("Cookie = %q", c)
		}
		if r.ContentLength != int64(len(`{"q":1}`)) {
			t.Errorf("ContentLength = %d", r.ContentLength)
		}
		data, _ := io.ReadAll(r.Body)
		if string(data) != `{"q":1}` {
			t.Errorf("body = %q", data)
		}
		w.Header().Set("Set-Cookie", "session=xyz; Path=/; HttpOnly")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	pr := env.request(t, http.MethodPost, srv.URL+"/api", http.Header{
		"Content-Type": {"application/json"},
		"Cookie":       {"a=1"},
	}, strings.NewReader(`{"q":1}`))

	resp, err := env.proxy.Fetch(pr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if body := readBody(t, resp); body != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
	if got := resp.Header.Get("Set-Cookie"); got != "session=xyz; Path=/; HttpOnly" {
		t.Errorf("Set-Cookie = %q", got)
	}
	if resp.Route != content.RouteText || resp.Rewritten {
		t.Errorf("Route = %s, Rewritten = %v", resp.Route, resp.Rewritten)
	}
}

func TestProxyService_Fetch_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	_, err := env.proxy.Fetch(env.request(t, http.MethodGet, srv.URL+"/nope", nil, nil))

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if ue.Status != http.StatusNotFound || ue.StatusText != "Not Found" {
		t.Errorf("UpstreamError = %+v", ue)
	}
}

func TestProxyService_Fetch_Timeout(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(closed)
	}))
	defer srv.Close()

	env := newTestEnv(t, 1)
	start := time.Now()
	_, err := env.proxy.Fetch(env.request(t, http.MethodGet, srv.URL+"/slow", nil, nil))

	if !errors.Is(err, client.ErrUpstreamTimeout) {
		t.Fatalf("error = %v, want ErrUpstreamTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second || elapsed > 5*time.Second {
		t.Errorf("timed out after %s", elapsed)
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Error("upstream connection was not closed")
	}
}

func TestProxyService_Fetch_Routes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte(`fetch("/api/items"); fetch(dynamic);`))
		case "/css/site.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte(`body{background:url(bg.png)}`))
		case "/img.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nrest"))
		case "/sniff":
			w.Header()["Content-Type"] = nil
			_, _ = w.Write([]byte(`<!DOCTYPE html><html><body><a href="x">x</a></body></html>`))
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	esc := url.QueryEscape

	tests := []struct {
		path      string
		route     content.Route
		rewritten bool
		want      string
	}{
		{"/app.js", content.RouteScript, true, `fetch("` + testProxyOrigin + `/proxy?url=` + esc(srv.URL+"/api/items") + `"); fetch(dynamic);`},
		{"/css/site.css", content.RouteStylesheet, true, `body{background:url(` + srv.URL + `/css/bg.png)}`},
		{"/img.png", content.RouteBinary, false, "\x89PNG\r\n\x1a\nrest"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := env.proxy.Fetch(env.request(t, http.MethodGet, srv.URL+tt.path, nil, nil))
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			body := readBody(t, resp)
			if resp.Route != tt.route || resp.Rewritten != tt.rewritten {
				t.Errorf("Route = %s, Rewritten = %v", resp.Route, resp.Rewritten)
			}
			if body != tt.want {
				t.Errorf("body = %q, want %q", body, tt.want)
			}
		})
	}

	t.Run("sniffed markup", func(t *testing.T) {
		resp, err := env.proxy.Fetch(env.request(t, http.MethodGet, srv.URL+"/sniff", nil, nil))
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		body := readBody(t, resp)
		if resp.Route != content.RouteMarkup {
			t.Errorf("Route = %s, want markup", resp.Route)
		}
		if !strings.Contains(body, `href="`+srv.URL+`/x"`) {
			t.Errorf("sniffed document not rewritten:\n%s", body)
		}
	})
}

func TestProxyService_Fetch_ScriptResolvesAgainstReferer(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte(`fetch("/api");`))
	}))
	defer cdn.Close()

	env := newTestEnv(t, 5)
	esc := url.QueryEscape

	tests := []struct {
		name    string
		referer string
		want    string
	}{
		{"proxied page", testProxyOrigin + "/proxy?url=" + esc("https://page.example/x"), `fetch("` + rewrite.ProxyURL(testProxyOrigin, "https://page.example/api") + `");`},
		{"no referer", "", `fetch("` + rewrite.ProxyURL(testProxyOrigin, cdn.URL+"/api") + `");`},
		{"foreign referer", "https://google.com/", `fetch("` + rewrite.ProxyURL(testProxyOrigin, cdn.URL+"/api") + `");`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.referer != "" {
				header.Set("Referer", tt.referer)
			}
			resp, err := env.proxy.Fetch(env.request(t, http.MethodGet, cdn.URL+"/lib/app.js", header, nil))
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if body := readBody(t, resp); body != tt.want {
				t.Errorf("body = %q, want %q", body, tt.want)
			}
		})
	}
}

func TestProxyService_Fetch_MediaRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	resp, err := env.proxy.Fetch(env.request(t, http.MethodGet, srv.URL+"/v.mp4", nil, nil))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if resp.StatusCode != http.StatusFound || resp.Body != nil {
		t.Fatalf("StatusCode = %d, Body = %v", resp.StatusCode, resp.Body)
	}
	want := rewrite.MediaURL(testProxyOrigin, srv.URL+"/v.mp4", "video/mp4")
	if got := resp.Header.Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}

func TestProxyService_Fetch_OverLimitFallsBack(t *testing.T) {
	page := `<html><body><img src="/logo.png"></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	env.cfg.Upstream.MaxRewriteBytes = 16

	resp, err := env.proxy.Fetch(env.request(t, http.MethodGet, srv.URL+"/", nil, nil))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if body := readBody(t, resp); body != page {
		t.Errorf("body = %q, want original", body)
	}
	if resp.Rewritten {
		t.Error("oversized body was rewritten")
	}
	if got := counterValue(t, env.metrics, "frameproxy_rewrite_fallbacks_total", "markup"); got != 1 {
		t.Errorf("fallbacks = %v, want 1", got)
	}
}

func TestProxyService_Fetch_Head(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Custom", "1")
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	resp, err := env.proxy.Fetch(env.request(t, http.MethodHead, srv.URL+"/", nil, nil))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.Body != nil || resp.Header.Get("X-Custom") != "1" || resp.Route != content.RouteMarkup {
		t.Errorf("response = %+v", resp)
	}
}

func TestProxyService_Fetch_HeadMediaRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1048576")
	}))
	defer srv.Close()

	env := newTestEnv(t, 5)
	resp, err := env.proxy.Fetch(env.request(t, http.MethodHead, srv.URL+"/v.mp4", nil, nil))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if resp.StatusCode != http.StatusFound || resp.Body != nil || resp.Route != content.RouteMedia {
		t.Fatalf("StatusCode = %d, Route = %s, Body = %v", resp.StatusCode, resp.Route, resp.Body)
	}
	want := rewrite.MediaURL(testProxyOrigin, srv.URL+"/v.mp4", "video/mp4")
	if got := resp.Header.Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
	if got := resp.Header.Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want dropped on redirect", got)
	}
}

func TestBuildHeaders(t *testing.T) {
	tgt, _ := url.Parse("https://ex.com/a/b")

	t.Run("navigation", func(t *testing.T) {
		h := BuildHeaders(&model.ProxyRequest{
			Method: http.MethodGet,
			Target: tgt,
			Header: http.Header{
				"Range":           {"bytes=0-"},
				"Authorization":   {"Bearer x"},
				"X-Forwarded-For": {"1.2.3.4"},
			},
		}, "UA/1")

		want := map[string]string{
			"User-Agent":                "UA/1",
			"Accept":                    defaultAccept,
			"Accept-Language":           defaultAcceptLanguage,
			"Accept-Encoding":           content.AcceptEncoding,
			"Sec-Fetch-Dest":            "document",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-User":            "?1",
			"Sec-Ch-Ua-Mobile":          "?0",
			"Upgrade-Insecure-Requests": "1",
			"Range":                     "bytes=0-",
			"Authorization":             "",
			"X-Forwarded-For":           "",
			"Referer":                   "",
			"Origin":                    "",
		}
		for key, v := range want {
			if got := h.Get(key); got != v {
				t.Errorf("%s = %q, want %q", key, got, v)
			}
		}
	})

	t.Run("subresource post", func(t *testing.T) {
		h := BuildHeaders(&model.ProxyRequest{
			Method: http.MethodPost,
			Target: tgt,
			Header: http.Header{
				"Accept":         {"application/json"},
				"Content-Type":   {"application/json"},
				"Sec-Fetch-Dest": {"empty"},
				"Sec-Fetch-Mode": {"cors"},
			},
		}, "UA/1")

		want := map[string]string{
			"Accept":         "application/json",
			"Content-Type":   "application/json",
			"Origin":         "https://ex.com",
			"Sec-Fetch-Dest": "empty",
			"Sec-Fetch-Mode": "cors",
			"Sec-Fetch-Site": "same-origin",
		}
		for key, v := range want {
			if got := h.Get(key); got != v {
				t.Errorf("%s = %q, want %q", key, got, v)
			}
		}
	})
}

func TestUnwrapReferer(t *testing.T) {
	tgt, _ := url.Parse("https://target.com/page")

	tests := []struct {
		name    string
		referer string
		want    string
	}{
		{"empty", "", ""},
		{"proxy url", "http://proxy.test/proxy?url=" + url.QueryEscape("https://ex.com/page?x=1"), "https://ex.com/page?x=1"},
		{"rewrite target", "http://proxy.test/rewrite?target=ex.com/p", "https://ex.com/p"},
		{"media url", "http://proxy.test/media?url=https%3A%2F%2Fex.com%2Fv.mp4", "https://ex.com/v.mp4"},
		{"proxy root", "http://proxy.test/", "https://target.com/"},
		{"proxy without param", "http://proxy.test/proxy", "https://target.com/"},
		{"foreign", "https://google.com/search?q=x", "https://target.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnwrapReferer(tt.referer, tgt); got != tt.want {
				t.Errorf("UnwrapReferer(%q) = %q, want %q", tt.referer, got, tt.want)
			}
		})
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":                {"text/html"},
		"Set-Cookie":                  {"a=1", "b=2"},
		"Connection":                  {"close, X-Hop"},
		"X-Hop":                       {"1"},
		"Transfer-Encoding":           {"chunked"},
		"Te":                          {"trailers"},
		"X-Frame-Options":             {"DENY"},
		"Content-Security-Policy":     {"default-src 'self'"},
		"Access-Control-Allow-Origin": {"https://ex.com"},
		"Cache-Control":               {"no-cache"},
	}

	dst := filterResponseHeaders(src)

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Content-Type", 1},
		{"Set-Cookie", 2},
		{"Cache-Control", 1},
		{"Connection", 0},
		{"X-Hop", 0},
		{"Transfer-Encoding", 0},
		{"Te", 0},
		{"X-Frame-Options", 0},
		{"Content-Security-Policy", 0},
		{"Access-Control-Allow-Origin", 0},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}
