package rewrite

import (
	"net/url"
	"regexp"
	"strings"

	"frameproxy/internal/model"
)

var (
	fetchCallPattern = regexp.MustCompile(`(\bfetch\s*\(\s*)(?:"([^"\\\n]+)"|'([^'\\\n]+)')`)
	xhrOpenPattern   = regexp.MustCompile(`(\.open\s*\(\s*(?:"[A-Za-z]+"|'[A-Za-z]+')\s*,\s*)(?:"([^"\\\n]+)"|'([^'\\\n]+)')`)
)

// RewriteScript routes string-literal URLs passed to fetch(...) and
// XMLHttpRequest.open(method, ...) through the proxy. Only absolute http(s),
// protocol-relative and root-relative literals are touched; computed URLs are
// left for the runtime shim.
func RewriteScript(src string, rc model.RewriteContext) string {
	if !strings.Contains(src, "fetch") && !strings.Contains(src, ".open") {
		return src
	}
	res := NewResolver(rc.Page, rc.ProxyOrigin)
	out := rewriteCalls(src, fetchCallPattern, res)
	return rewriteCalls(out, xhrOpenPattern, res)
}

func rewriteCalls(src string, re *regexp.Regexp, res Resolver) string {
	return re.ReplaceAllStringFunc(src, func(match string) string {
		m := re.FindStringSubmatch(match)
		quote, ref := `"`, m[2]
		if ref == "" {
			quote, ref = `'`, m[3]
		}

		abs, ok := routable(ref, res)
		if !ok {
			return match
		}
		return m[1] + quote + ProxyURL(res.proxyOrigin, abs) + quote
	})
}

func routable(ref string, res Resolver) (string, bool) {
	if res.IsProxied(ref) {
		return "", false
	}
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref, true
	case strings.HasPrefix(ref, "/"):
		u, err := url.Parse(ref)
		if err != nil {
			return "", false
		}
		return res.base.ResolveReference(u).String(), true
	}
	return "", false
}
