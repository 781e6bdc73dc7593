// Package pathutil converts between host paths and the repository-relative,
// forward-slash form nit uses everywhere.
//
// Architecture Pattern:
// The driver stores absolute paths internally for filesystem access, but every
// path that crosses a component boundary (predicates, batches, outcomes,
// reports) is repository-relative with forward slashes regardless of host.
// This package is the conversion layer between the two representations.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Normalize converts a repository-relative path to the canonical slash form.
// Host separators become forward slashes and leading "./" segments are
// stripped; other elements such as ".." or doubled slashes are kept as is.
func Normalize(rel string) string {
	rel = filepath.ToSlash(rel)
	for strings.HasPrefix(rel, "./") {
		rel = rel[2:]
	}
	return rel
}

// ToHost converts a canonical repository-relative path to a host path under root.
func ToHost(rootDir, rel string) string {
	return filepath.Join(rootDir, filepath.FromSlash(rel))
}
