package scan

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath normalizes a sync-relative path. It converts OS-native
// path separators to forward slashes, replaces non-breaking spaces with
// regular spaces, collapses repeated slashes, trims leading/trailing
// slashes, and applies Unicode NFC normalization. Call this on every
// path entering the system: scanner output, crawler output, and any
// path used as a reconciliation key.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, " ", " ")
	path = strings.ReplaceAll(path, " ", " ")

	// Collapse multiple slashes and trim leading/trailing.
	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}

// Depth returns the number of non-empty segments in a normalized
// relative path. "a.txt" has depth 1, "sub/b.txt" has depth 2, and the
// empty path (the root itself) has depth 0.
func Depth(relPath string) int {
	relPath = NormalizePath(relPath)
	if relPath == "" || relPath == "." {
		return 0
	}

	return strings.Count(relPath, "/") + 1
}

// ParentPath returns the normalized parent of a relative path, or ""
// for top-level entries.
func ParentPath(relPath string) string {
	relPath = NormalizePath(relPath)

	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return ""
	}

	return relPath[:idx]
}

// BaseName returns the final segment of a normalized relative path.
func BaseName(relPath string) string {
	relPath = NormalizePath(relPath)

	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return relPath
	}

	return relPath[idx+1:]
}
