// Package tree builds hierarchical listings of a tenant root and serves
// single-file reads and writes. Every client-supplied path goes through
// pathguard before any filesystem access.
package tree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codecove/codecove/internal/pathguard"
	"github.com/codecove/codecove/internal/shell"
)

var (
	// ErrNotFound is returned when a file is missing on read, or a parent
	// directory is missing on write.
	ErrNotFound = errors.New("not found")

	// ErrDenied is returned when a path fails containment. Callers surface
	// it as an opaque access-denied response.
	ErrDenied = errors.New("access denied")
)

// Node is a directory listing: a mapping from child name to Node. A file is
// a nil leaf, so the JSON form is the nested-object shape editors expect,
// e.g. {"src": {"main.go": null}}.
type Node map[string]Node

// List walks root and returns its tree. Trees are rebuilt on every call and
// never cached; roots are small and freshness wins.
//
// Symlinked entries are resolved through pathguard: a link that escapes the
// root is omitted from the listing rather than failing the walk, and visited
// canonical directories are tracked so a symlink cycle terminates. The
// generated shell confinement file is filtered out.
func List(root string) (Node, error) {
	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("canonicalize root: %w", err)
	}
	visited := map[string]bool{canonRoot: true}
	return listDir(canonRoot, canonRoot, "", visited)
}

func listDir(root, dir, relDir string, visited map[string]bool) (Node, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	node := make(Node, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		rel := filepath.Join(relDir, name)
		if rel == shell.ControlFileName {
			continue
		}

		resolved, err := pathguard.Resolve(root, rel)
		if err != nil {
			continue // escaping symlink: omit, do not fail the walk
		}

		fi, err := os.Stat(resolved)
		if err != nil {
			continue // dangling entry raced with a delete
		}

		if !fi.IsDir() {
			node[name] = nil
			continue
		}
		if visited[resolved] {
			continue // symlink cycle
		}
		visited[resolved] = true

		child, err := listDir(root, resolved, rel, visited)
		if err != nil {
			return nil, err
		}
		node[name] = child
	}
	return node, nil
}

// Read returns the contents of the file at rel inside root. A containment
// failure returns ErrDenied without touching disk; a missing file or a
// directory returns ErrNotFound.
func Read(root, rel string) ([]byte, error) {
	path, err := pathguard.Resolve(root, rel)
	if err != nil {
		return nil, ErrDenied
	}

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Write creates or replaces the file at rel inside root. Missing parent
// directories are not created: the caller must create directories
// explicitly, otherwise the write fails with ErrNotFound.
func Write(root, rel string, data []byte) error {
	path, err := pathguard.Resolve(root, rel)
	if err != nil {
		return ErrDenied
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
