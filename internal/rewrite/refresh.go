package rewrite

import "strings"

// RewriteRefresh resolves the target of a meta refresh content value such as
// "5; url=/next". Values without a URL, or with an absolute one, are returned
// unchanged.
func RewriteRefresh(content string, res Resolver) string {
	idx := strings.Index(strings.ToLower(content), "url=")
	if idx < 0 {
		return content
	}

	target := strings.TrimSpace(content[idx+len("url="):])
	quote := ""
	if len(target) >= 2 && (target[0] == '\'' || target[0] == '"') && target[len(target)-1] == target[0] {
		quote = target[:1]
		target = target[1 : len(target)-1]
	}

	abs, changed := res.Resolve(target)
	if !changed {
		return content
	}
	return content[:idx+len("url=")] + quote + abs + quote
}
