package rewrite

import "strings"

const asciiSpace = " \t\n\r\f"

// RewriteSrcset resolves each image candidate in a srcset value, keeping its
// width or density descriptor. The value is returned untouched when no
// candidate changes.
func RewriteSrcset(v string, res Resolver) string {
	var (
		out     []string
		changed bool
		s       = v
	)

	for {
		s = strings.TrimLeft(s, asciiSpace+",")
		if s == "" {
			break
		}

		var ref string
		if end := strings.IndexAny(s, asciiSpace); end < 0 {
			ref, s = s, ""
		} else {
			ref, s = s[:end], s[end:]
		}

		// A URL ending in commas terminates the candidate without descriptors.
		descriptor := ""
		if trimmed := strings.TrimRight(ref, ","); trimmed != ref {
			ref = trimmed
		} else if i := strings.IndexByte(s, ','); i < 0 {
			descriptor, s = strings.TrimSpace(s), ""
		} else {
			descriptor, s = strings.TrimSpace(s[:i]), s[i+1:]
		}

		if abs, ok := res.Resolve(ref); ok {
			ref = abs
			changed = true
		}
		if descriptor != "" {
			ref += " " + descriptor
		}
		out = append(out, ref)
	}

	if !changed {
		return v
	}
	return strings.Join(out, ", ")
}
