// Package sandbox confines caller-supplied paths to a root directory on
// the remote host.
package sandbox

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrPathViolation is returned for paths that would escape the root.
var ErrPathViolation = errors.New("path escapes sandbox root")

// Resolve joins rel onto root and returns the absolute remote path.
// Backslashes count as separators; ".", ".." and repeated separators are
// collapsed. A leading slash in rel is relative to root, not to the remote
// filesystem. Results outside root are rejected, never clamped.
func Resolve(root, rel string) (string, error) {
	root = cleanRoot(root)
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathViolation, rel)
	}

	rel = strings.ReplaceAll(rel, `\`, "/")
	abs := path.Clean(root + "/" + rel)
	if !Within(root, abs) {
		return "", fmt.Errorf("%w: %q", ErrPathViolation, rel)
	}
	return abs, nil
}

// Within reports whether abs is root or lies below it.
func Within(root, abs string) bool {
	root = cleanRoot(root)
	if root == "/" {
		return strings.HasPrefix(abs, "/")
	}
	return abs == root || strings.HasPrefix(abs, root+"/")
}

// Rel is the inverse of Resolve: it reports abs relative to root with a
// leading slash ("/" for root itself).
func Rel(root, abs string) string {
	root = cleanRoot(root)
	if root == "/" {
		return path.Clean(abs)
	}
	rel := strings.TrimPrefix(path.Clean(abs), root)
	if rel == "" {
		return "/"
	}
	return rel
}

func cleanRoot(root string) string {
	return path.Clean("/" + strings.ReplaceAll(root, `\`, "/"))
}
