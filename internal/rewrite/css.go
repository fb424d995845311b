package rewrite

import (
	"regexp"
	"strings"
)

var (
	cssURLPattern    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^'"()\s]+))\s*\)`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// RewriteCSS resolves url(...) and @import references in a stylesheet or an
// inline style attribute. Quoting style is preserved.
func RewriteCSS(css string, res Resolver) string {
	if !strings.Contains(css, "url(") && !strings.Contains(css, "URL(") && !strings.Contains(css, "@import") {
		return css
	}

	out := cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		m := cssURLPattern.FindStringSubmatch(match)
		switch {
		case m[1] != "":
			return resolvedOr(match, m[1], res, `url("`, `")`)
		case m[2] != "":
			return resolvedOr(match, m[2], res, `url('`, `')`)
		default:
			return resolvedOr(match, m[3], res, `url(`, `)`)
		}
	})

	return cssImportPattern.ReplaceAllStringFunc(out, func(match string) string {
		m := cssImportPattern.FindStringSubmatch(match)
		if m[1] != "" {
			return resolvedOr(match, m[1], res, `@import "`, `"`)
		}
		return resolvedOr(match, m[2], res, `@import '`, `'`)
	})
}

func resolvedOr(match, ref string, res Resolver, open, closing string) string {
	abs, changed := res.Resolve(ref)
	if !changed {
		return match
	}
	return open + abs + closing
}
