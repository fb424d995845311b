package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"frameproxy/internal/model"
)

// ErrRewrite is returned when a document cannot be parsed for rewriting.
var ErrRewrite = errors.New("rewrite failed")

// ShimMarker is the attribute carried by the injected runtime script.
const ShimMarker = "data-frameproxy-shim"

// refreshMarker replaces http-equiv on meta refresh elements so the browser
// does not navigate the frame off the proxy. The runtime script replays it.
const refreshMarker = "data-proxy-http-equiv"

// urlAttrs are the attributes resolved against the document base.
var urlAttrs = map[string]bool{
	"src":        true,
	"href":       true,
	"action":     true,
	"data-src":   true,
	"poster":     true,
	"formaction": true,
}

// ShimSource renders the runtime script injected into rewritten documents.
type ShimSource interface {
	Script(rc model.RewriteContext) string
}

// MarkupRewriter rewrites HTML documents so relative references keep
// resolving against the original site.
type MarkupRewriter struct {
	shim         ShimSource
	routeScripts bool
	logger       *slog.Logger
}

// NewMarkupRewriter creates a MarkupRewriter. With routeScripts set, external
// scripts are fetched through the proxy and lose their integrity attribute.
func NewMarkupRewriter(shim ShimSource, routeScripts bool, logger *slog.Logger) *MarkupRewriter {
	return &MarkupRewriter{
		shim:         shim,
		routeScripts: routeScripts,
		logger:       logger.With("component", "markup_rewriter"),
	}
}

// Rewrite parses r as HTML and returns the rewritten document. Rewriting an
// already rewritten document yields the same bytes.
func (m *MarkupRewriter) Rewrite(r io.Reader, rc model.RewriteContext) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}

	res, hasBase := m.documentBase(doc, rc)

	m.stripCSP(doc)
	m.rewriteAttributes(doc, res)
	m.rewriteStyleElements(doc, res)
	m.neutralizeRefresh(doc, res)

	if !hasBase {
		insertBase(doc, rc.BaseOrigin+rc.BasePath)
	}
	if m.shim != nil && doc.Find("script["+ShimMarker+"]").Length() == 0 {
		injectShim(doc, m.shim.Script(rc))
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc.Nodes[0]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewrite, err)
	}
	return buf.Bytes(), nil
}

// documentBase honours an existing <base href>, resolving it to an absolute
// URL in place.
func (m *MarkupRewriter) documentBase(doc *goquery.Document, rc model.RewriteContext) (Resolver, bool) {
	pageRes := NewResolver(rc.Page, rc.ProxyOrigin)

	base := doc.Find("base[href]").First()
	if base.Length() == 0 {
		return pageRes, false
	}

	href, _ := base.Attr("href")
	abs, changed := pageRes.Resolve(href)
	if changed {
		base.SetAttr("href", abs)
	}
	u, err := url.Parse(strings.TrimSpace(abs))
	if err != nil || !u.IsAbs() {
		m.logger.Debug("ignoring unusable base href", "href", href)
		return pageRes, true
	}
	return NewResolver(u, rc.ProxyOrigin), true
}

func (m *MarkupRewriter) stripCSP(doc *goquery.Document) {
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("http-equiv")
		if strings.EqualFold(strings.TrimSpace(v), "content-security-policy") {
			s.Remove()
		}
	})
}

func (m *MarkupRewriter) rewriteAttributes(doc *goquery.Document, res Resolver) {
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		if n.DataAtom == atom.Base {
			return
		}

		for i := range n.Attr {
			a := &n.Attr[i]
			switch {
			case urlAttrs[a.Key]:
				if abs, ok := res.Resolve(a.Val); ok {
					a.Val = abs
				}
			case a.Key == "srcset":
				a.Val = RewriteSrcset(a.Val, res)
			case a.Key == "style":
				a.Val = RewriteCSS(a.Val, res)
			}
		}

		if m.routeScripts && n.DataAtom == atom.Script {
			m.routeScript(s, res)
		}
	})
}

func (m *MarkupRewriter) routeScript(s *goquery.Selection, res Resolver) {
	src, ok := s.Attr("src")
	if !ok || res.IsProxied(src) {
		return
	}
	u, err := url.Parse(strings.TrimSpace(src))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	s.SetAttr("src", ProxyURL(res.proxyOrigin, u.String()))
	s.RemoveAttr("integrity")
}

func (m *MarkupRewriter) rewriteStyleElements(doc *goquery.Document, res Resolver) {
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for c := s.Get(0).FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				c.Data = RewriteCSS(c.Data, res)
			}
		}
	})
}

func (m *MarkupRewriter) neutralizeRefresh(doc *goquery.Document, res Resolver) {
	doc.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		for i := range n.Attr {
			a := &n.Attr[i]
			if (a.Key != "http-equiv" && a.Key != refreshMarker) || !strings.EqualFold(strings.TrimSpace(a.Val), "refresh") {
				continue
			}
			a.Key = refreshMarker
			content, _ := s.Attr("content")
			s.SetAttr("content", RewriteRefresh(content, res))
			return
		}
	})
}

func insertBase(doc *goquery.Document, href string) {
	head := doc.Find("head").First()
	if head.Length() == 0 {
		return
	}
	h := head.Get(0)
	h.InsertBefore(&html.Node{
		Type:     html.ElementNode,
		Data:     "base",
		DataAtom: atom.Base,
		Attr:     []html.Attribute{{Key: "href", Val: href}},
	}, h.FirstChild)
}

func injectShim(doc *goquery.Document, source string) {
	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: ShimMarker, Val: "1"}},
	}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: source})

	if body := doc.Find("body").First(); body.Length() > 0 {
		body.Get(0).AppendChild(script)
		return
	}

	// Frameset documents have no body.
	root := doc.Find("html").First()
	if root.Length() == 0 {
		doc.Nodes[0].AppendChild(script)
		return
	}
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	body.AppendChild(script)
	root.Get(0).AppendChild(body)
}
