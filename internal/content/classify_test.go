package content

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		contentType string
		want        Route
	}{
		{"text/html; charset=utf-8", RouteMarkup},
		{"TEXT/HTML", RouteMarkup},
		{"application/javascript", RouteScript},
		{"text/javascript; charset=utf-8", RouteScript},
		{"application/x-javascript", RouteScript},
		{"image/png", RouteBinary},
		{"font/woff2", RouteBinary},
		{"application/octet-stream", RouteBinary},
		{"application/pdf", RouteBinary},
		{"video/mp4", RouteMedia},
		{"audio/mpeg", RouteMedia},
		{"text/css", RouteStylesheet},
		{"application/json", RouteText},
		{"text/plain", RouteText},
		{"application/xml", RouteRaw},
		{"application/vnd.apple.mpegurl", RouteRaw},
		{"", RouteRaw},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := Classify(tt.contentType); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestRoute_Rewritable(t *testing.T) {
	for _, r := range []Route{RouteMarkup, RouteScript, RouteStylesheet} {
		if !r.Rewritable() {
			t.Errorf("%v.Rewritable() = false, want true", r)
		}
	}
	for _, r := range []Route{RouteRaw, RouteText, RouteBinary, RouteMedia} {
		if r.Rewritable() {
			t.Errorf("%v.Rewritable() = true, want false", r)
		}
	}
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		prefix string
	}{
		{"html", "<!DOCTYPE html><html><body>hi</body></html>", "text/html"},
		{"png", "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR", "image/png"},
		{"pdf", "%PDF-1.7\n", "application/pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := NewSniffReader(strings.NewReader(tt.body))
			got := Sniff(br)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("Sniff() = %q, want prefix %q", got, tt.prefix)
			}
			rest, _ := br.Peek(len(tt.body))
			if string(rest) != tt.body {
				t.Error("Sniff() consumed the body")
			}
		})
	}
}
