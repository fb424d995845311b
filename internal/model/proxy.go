// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ProxyRequest is an inbound request for a target resource.
// Target is always absolute (scheme and host) once it reaches the fetcher.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.Reader

	// ProxyOrigin is scheme://host of the proxy as seen by the browser.
	ProxyOrigin string
}

// UpstreamResponse is the upstream reply, owned by a single request pipeline.
type UpstreamResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser

	// FinalURL is the URL that produced the response after redirects.
	FinalURL *url.URL

	// StopTimeout disarms the upstream deadline. Streaming callers invoke it
	// once headers are in hand so long media transfers are not cut off.
	StopTimeout func()
}

// ContentType returns the upstream Content-Type header.
func (r *UpstreamResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}

// RewriteContext is the immutable per-request base used by every rewrite rule.
type RewriteContext struct {
	// Page is the URL of the document being rewritten.
	Page *url.URL
	// BaseOrigin is scheme://host of Page.
	BaseOrigin string
	// BasePath is the directory of Page, always ending in "/".
	BasePath string
	// ProxyOrigin is scheme://host of the proxy; URLs on it are never rewritten.
	ProxyOrigin string
}

// NewRewriteContext derives a RewriteContext from the page URL and proxy origin.
func NewRewriteContext(page *url.URL, proxyOrigin string) RewriteContext {
	dir := page.EscapedPath()
	if i := strings.LastIndexByte(dir, '/'); i >= 0 {
		dir = dir[:i+1]
	} else {
		dir = "/"
	}
	return RewriteContext{
		Page:        page,
		BaseOrigin:  page.Scheme + "://" + page.Host,
		BasePath:    dir,
		ProxyOrigin: proxyOrigin,
	}
}
