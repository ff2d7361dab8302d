// Package safepath normalizes untrusted relative paths so they can be
// joined onto a user root without escaping it.
package safepath

import (
	"errors"
	"path"
	"strings"
)

// ErrTraversal is returned when a path tries to climb out of its root.
var ErrTraversal = errors.New("path traversal is not allowed")

// Clean normalizes raw into a safe, forward-slash-joined relative path.
// Backslashes are treated as separators, leading slashes are stripped, and
// empty or "." components are dropped. The empty string denotes the root.
// Any ".." component fails with ErrTraversal.
func Clean(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	sanitized := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	sanitized = strings.TrimLeft(sanitized, "/")
	if sanitized == "" || sanitized == "." {
		return "", nil
	}
	var components []string
	for _, part := range strings.Split(sanitized, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", ErrTraversal
		}
		components = append(components, part)
	}
	return strings.Join(components, "/"), nil
}

// Join appends already-cleaned components, skipping empties.
func Join(components ...string) string {
	var parts []string
	for _, c := range components {
		if c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, "/")
}

// Within reports whether target resolves to base or a descendant of base.
// Both are slash paths. Clean already rejects traversal components; this is
// a second wall against joins that slip past lexical filtering.
func Within(base, target string) bool {
	base = path.Clean("/" + base)
	target = path.Clean("/" + target)
	if base == "/" {
		return true
	}
	return target == base || strings.HasPrefix(target, base+"/")
}
