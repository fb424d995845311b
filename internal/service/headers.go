package service

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"frameproxy/internal/content"
	"frameproxy/internal/model"
	"frameproxy/internal/rewrite"
	"frameproxy/internal/target"
)

const (
	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
	defaultAcceptLanguage = "en-US,en;q=0.9"
	secChUa               = `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`
)

// hopByHopHeaders are connection-scoped and never relayed in either direction.
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

// framingHeaders would stop the page rendering inside the embedding frame or
// block the injected shim.
var framingHeaders = []string{
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
}

// mediaForwardHeaders are relayed unchanged to the media upstream.
var mediaForwardHeaders = []string{
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
	"Cookie",
}

// BuildHeaders returns the outbound header set for pr: a desktop browser
// fingerprint, the inbound Cookie and Range verbatim, Content-Type for
// requests with a body, and the unwrapped Referer.
func BuildHeaders(pr *model.ProxyRequest, userAgent string) http.Header {
	in := pr.Header
	if in == nil {
		in = http.Header{}
	}

	h := browserHeaders(in, userAgent)
	h.Set("Accept", firstNonEmpty(in.Get("Accept"), defaultAccept))
	h.Set("Accept-Encoding", content.AcceptEncoding)

	dest := in.Get("Sec-Fetch-Dest")
	switch dest {
	case "", "document", "iframe", "frame":
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
		h.Set("Sec-Fetch-User", "?1")
		h.Set("Upgrade-Insecure-Requests", "1")
	default:
		h.Set("Sec-Fetch-Dest", dest)
		h.Set("Sec-Fetch-Mode", firstNonEmpty(in.Get("Sec-Fetch-Mode"), "no-cors"))
		h.Set("Sec-Fetch-Site", "same-origin")
	}

	for _, key := range []string{"Cookie", "Range"} {
		if vals := in.Values(key); len(vals) > 0 {
			h[key] = vals
		}
	}
	if hasBody(pr.Method) {
		if ct := in.Get("Content-Type"); ct != "" {
			h.Set("Content-Type", ct)
		}
		h.Set("Origin", pr.Target.Scheme+"://"+pr.Target.Host)
	}
	if ref := UnwrapReferer(in.Get("Referer"), pr.Target); ref != "" {
		h.Set("Referer", ref)
	}
	return h
}

// buildMediaHeaders returns the outbound header set for the media relay.
// Bodies are requested unencoded so byte ranges refer to the stored entity.
func buildMediaHeaders(pr *model.ProxyRequest, userAgent string) http.Header {
	in := pr.Header
	if in == nil {
		in = http.Header{}
	}

	h := browserHeaders(in, userAgent)
	h.Set("Accept", firstNonEmpty(in.Get("Accept"), "*/*"))
	h.Set("Accept-Encoding", "identity")
	h.Set("Sec-Fetch-Dest", firstNonEmpty(in.Get("Sec-Fetch-Dest"), "video"))
	h.Set("Sec-Fetch-Mode", "no-cors")
	h.Set("Sec-Fetch-Site", "cross-site")

	for _, key := range mediaForwardHeaders {
		if vals := in.Values(key); len(vals) > 0 {
			h[key] = vals
		}
	}
	if ref := UnwrapReferer(in.Get("Referer"), pr.Target); ref != "" {
		h.Set("Referer", ref)
	}
	return h
}

func browserHeaders(in http.Header, userAgent string) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", userAgent)
	h.Set("Accept-Language", firstNonEmpty(in.Get("Accept-Language"), defaultAcceptLanguage))
	h.Set("Sec-Ch-Ua", secChUa)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	return h
}

// UnwrapReferer maps the inbound Referer to the one upstream should see.
// A referer that is itself a proxy URL yields the original page it carries;
// anything else becomes the target's origin so the proxy host never leaks
// upstream. An empty referer stays empty.
func UnwrapReferer(referer string, tgt *url.URL) string {
	if referer == "" {
		return ""
	}
	if orig, ok := RefererPage(referer); ok {
		return orig.String()
	}
	return tgt.Scheme + "://" + tgt.Host + "/"
}

// RefererPage returns the original page carried by a proxy URL referer.
func RefererPage(referer string) (*url.URL, bool) {
	u, err := url.Parse(referer)
	if err != nil {
		return nil, false
	}
	switch u.Path {
	case rewrite.ProxyPath, rewrite.RewritePath, rewrite.MediaPath:
	default:
		return nil, false
	}

	q := u.Query()
	for _, key := range []string{"url", "target"} {
		orig := q.Get(key)
		if orig == "" {
			continue
		}
		o, err := url.Parse(target.Normalize(orig))
		if err == nil && (o.Scheme == "http" || o.Scheme == "https") && o.Host != "" {
			return o, true
		}
	}
	return nil, false
}

// filterResponseHeaders copies upstream headers for /proxy, dropping
// hop-by-hop, framing and CORS headers. Set-Cookie passes through verbatim.
func filterResponseHeaders(src http.Header) http.Header {
	dst := relayHeaders(src)
	for _, key := range framingHeaders {
		dst.Del(key)
	}
	return dst
}

// relayHeaders copies every upstream header except hop-by-hop ones, those
// named in Connection, and Access-Control-* which the proxy sets itself.
func relayHeaders(src http.Header) http.Header {
	skip := make(map[string]bool, len(hopByHopHeaders))
	for _, key := range hopByHopHeaders {
		skip[textproto.CanonicalMIMEHeaderKey(key)] = true
	}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				skip[textproto.CanonicalMIMEHeaderKey(token)] = true
			}
		}
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if skip[canonical] || strings.HasPrefix(canonical, "Access-Control-") {
			continue
		}
		dst[canonical] = append([]string(nil), vals...)
	}
	return dst
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
