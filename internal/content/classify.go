// Package content classifies upstream responses and decodes their bodies.
package content

import (
	"bufio"
	"io"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Route is the handling branch chosen for an upstream response.
type Route int

const (
	// RouteRaw streams the body unchanged.
	RouteRaw Route = iota
	// RouteMarkup sends HTML through the markup rewriter.
	RouteMarkup
	// RouteScript sends JavaScript through the script rewriter.
	RouteScript
	// RouteStylesheet resolves url() references in CSS.
	RouteStylesheet
	// RouteText passes JSON and other text through.
	RouteText
	// RouteBinary passes images, fonts, PDFs and octet streams through.
	RouteBinary
	// RouteMedia hands audio and video to the media relay.
	RouteMedia
)

var routeNames = map[Route]string{
	RouteRaw:        "raw",
	RouteMarkup:     "markup",
	RouteScript:     "script",
	RouteStylesheet: "stylesheet",
	RouteText:       "text",
	RouteBinary:     "binary",
	RouteMedia:      "media",
}

func (r Route) String() string {
	if s, ok := routeNames[r]; ok {
		return s
	}
	return "unknown"
}

// Rewritable reports whether the route buffers and transforms the body.
func (r Route) Rewritable() bool {
	return r == RouteMarkup || r == RouteScript || r == RouteStylesheet
}

// Classify maps a Content-Type header value to a Route.
func Classify(contentType string) Route {
	ct := strings.ToLower(contentType)
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}

	switch {
	case strings.Contains(ct, "text/html"):
		return RouteMarkup
	case strings.Contains(ct, "javascript"), strings.Contains(ct, "ecmascript"):
		return RouteScript
	case strings.HasPrefix(ct, "image/"),
		strings.HasPrefix(ct, "font/"),
		ct == "application/octet-stream",
		ct == "application/pdf":
		return RouteBinary
	case strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"):
		return RouteMedia
	case ct == "text/css":
		return RouteStylesheet
	case ct == "application/json", strings.HasPrefix(ct, "text/"):
		return RouteText
	default:
		return RouteRaw
	}
}

// sniffLen is the number of bytes inspected when the upstream sends no Content-Type.
const sniffLen = 3072

// Sniff detects the content type of the buffered head of br without consuming it.
func Sniff(br *bufio.Reader) string {
	head, _ := br.Peek(sniffLen)
	return mimetype.Detect(head).String()
}

// NewSniffReader wraps r in a reader large enough to Sniff.
func NewSniffReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, sniffLen)
}
