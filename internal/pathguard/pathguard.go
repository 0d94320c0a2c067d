// Package pathguard resolves client-supplied relative paths against a tenant
// root and proves the result stays inside it. Containment is decided on the
// canonical form of the path (symlinks, "." and ".." resolved), never on a
// bare string prefix: /base/abc must not admit paths under /base/abcdef.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscape is returned for every rejected path. Callers map it to an opaque
// access-denied response; the reason for the rejection is deliberately not
// distinguished.
var ErrEscape = errors.New("path escapes tenant root")

// Resolve joins rel onto root and returns the canonical absolute path,
// or ErrEscape when the result would land outside root.
//
// rel is treated as relative to root no matter how the client spells it:
// leading separators are stripped by the join, and a ".." run that climbs
// above the root is rejected before any filesystem access. Path components
// that do not exist yet are kept lexically so that a path for a
// to-be-created file still resolves; every component that does exist and is
// a symlink is resolved and re-checked, so a link pointing outside the root
// is rejected even when its target is missing.
//
// Resolve has no side effects and is safe for concurrent use.
func Resolve(root, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", ErrEscape
	}

	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("canonicalize root: %w", ErrEscape)
	}

	// Join cleans "." and ".." lexically; a path that climbs above the
	// root lands outside it here and is rejected without touching disk.
	joined := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, joined) {
		return "", ErrEscape
	}
	if joined == root {
		return root, nil
	}
	rel = strings.TrimPrefix(joined, root+string(filepath.Separator))

	resolved := root
	segs := strings.Split(rel, string(filepath.Separator))
	for i, seg := range segs {
		next := filepath.Join(resolved, seg)

		fi, err := os.Lstat(next)
		if err != nil {
			if !os.IsNotExist(err) {
				return "", ErrEscape
			}
			// Nothing exists from here down; the remaining segments
			// are plain names, so they cannot climb out.
			return filepath.Join(append([]string{resolved}, segs[i:]...)...), nil
		}

		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(next)
			if err != nil {
				return "", ErrEscape
			}
			next = target
		}

		if !within(root, next) {
			return "", ErrEscape
		}
		resolved = next
	}
	return resolved, nil
}

// within reports whether path equals root or sits under it, compared on
// whole path segments.
func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
