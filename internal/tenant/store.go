// Package tenant owns the mapping from passkey to an on-disk tenant root.
// Passkeys are bearer capabilities, not secrets: whoever presents one gets
// the directory named after it, created lazily on first use.
package tenant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPasskey is returned when a passkey fails normalization.
	ErrInvalidPasskey = errors.New("invalid passkey")

	// ErrUnknownTenant is returned by Lookup when no root exists for the
	// passkey. Lookup never creates one.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// Store resolves passkeys to tenant root directories, all of which are
// direct children of one fixed base directory.
type Store struct {
	base string
}

// NewStore creates the base directory if needed and returns a Store rooted
// at its canonical path.
func NewStore(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	canon, err := filepath.EvalSymlinks(base)
	if err != nil {
		return nil, fmt.Errorf("canonicalize base dir: %w", err)
	}
	return &Store{base: canon}, nil
}

// Base returns the canonical base directory.
func (s *Store) Base() string { return s.base }

// Normalize reduces a passkey to a filesystem-safe token or rejects it.
// A normalized passkey names the tenant's directory, so anything that could
// change which directory is addressed (separators, dot entries, NUL) is
// refused rather than rewritten.
func Normalize(passkey string) (string, error) {
	p := strings.TrimSpace(passkey)
	switch {
	case p == "", p == ".", p == "..":
		return "", ErrInvalidPasskey
	case strings.ContainsAny(p, "/\\\x00"):
		return "", ErrInvalidPasskey
	}
	return p, nil
}

// ResolveRoot returns the tenant root for passkey, creating it on first use.
// Creation is a single Mkdir, so two concurrent submissions of the same
// passkey race safely: exactly one sees created=true, the other observes the
// existing directory and proceeds without error.
func (s *Store) ResolveRoot(passkey string) (root string, created bool, err error) {
	name, err := Normalize(passkey)
	if err != nil {
		return "", false, err
	}
	root = filepath.Join(s.base, name)

	if err := os.Mkdir(root, 0o755); err != nil {
		if !os.IsExist(err) {
			return "", false, fmt.Errorf("create tenant root: %w", err)
		}
		fi, statErr := os.Stat(root)
		if statErr != nil || !fi.IsDir() {
			return "", false, fmt.Errorf("tenant root is not a directory: %s", name)
		}
		return root, false, nil
	}
	return root, true, nil
}

// LookupRoot resolves an existing tenant root without creating one.
func (s *Store) LookupRoot(passkey string) (string, error) {
	name, err := Normalize(passkey)
	if err != nil {
		return "", err
	}
	root := filepath.Join(s.base, name)
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return "", ErrUnknownTenant
	}
	return root, nil
}
