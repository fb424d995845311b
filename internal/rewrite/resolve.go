// Package rewrite makes the URL references inside fetched documents resolve
// correctly when the document is served from the proxy's origin.
package rewrite

import (
	"net/url"
	"strings"
)

// Endpoint paths served by the proxy.
const (
	ProxyPath   = "/proxy"
	MediaPath   = "/media"
	RewritePath = "/rewrite"
)

// Resolver turns document references into absolute URLs against a base.
type Resolver struct {
	base        *url.URL
	proxyOrigin string
}

// NewResolver creates a Resolver for base. References already on proxyOrigin
// are left alone.
func NewResolver(base *url.URL, proxyOrigin string) Resolver {
	return Resolver{base: base, proxyOrigin: proxyOrigin}
}

// Resolve returns the absolute form of ref and whether it differs from ref.
// Absolute URLs (any scheme, including data:, blob: and javascript:),
// fragment-only and empty references are returned unchanged, which makes
// resolution idempotent.
func (r Resolver) Resolve(ref string) (string, bool) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || trimmed[0] == '#' {
		return ref, false
	}
	if r.proxyOrigin != "" && (trimmed == r.proxyOrigin || strings.HasPrefix(trimmed, r.proxyOrigin+"/")) {
		return ref, false
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return ref, false
	}
	if u.Scheme != "" {
		return ref, false
	}

	resolved := r.base.ResolveReference(u).String()
	return resolved, resolved != ref
}

// IsProxied reports whether raw already points at the proxy origin.
func (r Resolver) IsProxied(raw string) bool {
	return r.proxyOrigin != "" && strings.HasPrefix(strings.TrimSpace(raw), r.proxyOrigin+"/")
}

// ProxyURL returns the proxy-routed form of an absolute URL.
func ProxyURL(proxyOrigin, abs string) string {
	return proxyOrigin + ProxyPath + "?url=" + url.QueryEscape(abs)
}

// MediaURL returns the media-relay form of an absolute URL with an optional
// content-type hint.
func MediaURL(proxyOrigin, abs, typeHint string) string {
	q := url.Values{"url": {abs}}
	if typeHint != "" {
		q.Set("type", typeHint)
	}
	return proxyOrigin + MediaPath + "?" + q.Encode()
}
