// Package pathutil validates names that end up as storage paths or URL
// segments.
package pathutil

import (
	"strings"
	"unicode"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// BaseName strips any client-supplied directory components. Both slash
// styles are treated as separators since browsers on Windows may send
// full paths.
func BaseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// IsSafeName reports whether name can be used as a single path segment:
// non-empty, not a dot segment, no separators, no control characters.
func IsSafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return false
		}
	}
	return true
}
