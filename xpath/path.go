// Package xpath normalizes and validates the hierarchical paths that flow
// through every command the orchestrator accepts (spec.md §4.A). All
// path-valued input passes through Normalize exactly once, at the top of
// the orchestrator's validate step.
package xpath

import (
	"strings"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
)

// Normalize strips surrounding whitespace, collapses backslashes to
// forward slashes, collapses repeated separators, strips leading/trailing
// separators, and rejects paths that resolve to empty or contain a ".."
// segment (spec.md §4.A, law "normalize('/a//b/c/') == normalize('a/b/c')").
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "\\", "/")

	segments := make([]string, 0, strings.Count(s, "/")+1)
	for _, seg := range strings.Split(s, "/") {
		if seg == "" {
			continue
		}
		if seg == ".." {
			return "", cmn.NewErrInvalidPath(raw, "path must not contain a \"..\" segment")
		}
		if seg == "." {
			continue
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", cmn.NewErrInvalidPath(raw, "path must not be empty")
	}
	return strings.Join(segments, "/"), nil
}

// Depth returns the number of segments in an already-normalized path.
func Depth(normalized string) int {
	if normalized == "" {
		return 0
	}
	return strings.Count(normalized, "/") + 1
}

// Name returns the last segment of an already-normalized path.
func Name(normalized string) string {
	if normalized == "" {
		return ""
	}
	if idx := strings.LastIndexByte(normalized, '/'); idx >= 0 {
		return normalized[idx+1:]
	}
	return normalized
}

// Parent returns the parent path of an already-normalized path, and false
// if the path is already root-level (no parent).
func Parent(normalized string) (string, bool) {
	idx := strings.LastIndexByte(normalized, '/')
	if idx < 0 {
		return "", false
	}
	return normalized[:idx], true
}

// Ancestors returns every ancestor path from the root segment down to (but
// excluding) normalized itself, in top-down order. Used by the orchestrator
// to auto-create missing directory ancestors (spec.md §4.F.2 step 4).
func Ancestors(normalized string) []string {
	segs := strings.Split(normalized, "/")
	if len(segs) <= 1 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, strings.Join(segs[:i], "/"))
	}
	return out
}

// HasPrefix reports whether path lies within the subtree rooted at prefix
// (prefix match on full segments only: "a/b" is a prefix of "a/b/c" but not
// of "a/bc").
func HasPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Join concatenates a parent path and a single child name the way
// invariant I3 requires: path == parent.path + "/" + name when parent is
// non-nil.
func Join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
