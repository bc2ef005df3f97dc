// Package rootedpath implements the Path Guard: every filesystem path a
// resolver touches, whether read from the source tree or written into the
// output tree, is confined to a declared root. It refuses absolute path
// components, ".." traversal, and symlink escapes that would leave the
// root, grounded on the original implementation's RootedPath.
package rootedpath

import (
	"os"
	"path/filepath"

	"github.com/cachi2-project/cachi2/internal/cherr"
)

// Path is a directory or file path guaranteed to be at or below root.
// The zero value is not valid; use New.
type Path struct {
	root string
	path string
}

// New creates a Path rooted at dir. dir must be an absolute path.
func New(dir string) (Path, error) {
	if !filepath.IsAbs(dir) {
		return Path{}, cherr.New(cherr.InputError, "root path must be absolute: %s", dir)
	}
	clean := filepath.Clean(dir)
	return Path{root: clean, path: clean}, nil
}

// Root returns the directory this Path is not allowed to leave.
func (p Path) Root() string { return p.root }

// String returns the underlying filesystem path, guaranteed to be at or
// below Root().
func (p Path) String() string { return p.path }

// Join safely joins additional components onto p, remembering the original
// root: the result can itself be joined further without regaining access
// to anything above the root. Returns an InputError if the resolved path
// would leave the root.
func (p Path) Join(parts ...string) (Path, error) {
	next, err := p.reRoot(parts...)
	if err != nil {
		return Path{}, err
	}
	next.root = p.root
	return next, nil
}

// ReRoot safely joins additional components onto p and makes the result
// the new root: subsequent Join calls on the return value may not escape
// the newly joined path, even though they could escape p's original root.
func (p Path) ReRoot(parts ...string) (Path, error) {
	return p.reRoot(parts...)
}

func (p Path) reRoot(parts ...string) (Path, error) {
	for _, part := range parts {
		if filepath.IsAbs(part) {
			return Path{}, cherr.New(cherr.InputError, "path component must be relative, got %q", part).
				WithField("file", part)
		}
	}
	joined := filepath.Join(append([]string{p.path}, parts...)...)
	resolved, err := resolveSymlinks(joined)
	if err != nil {
		return Path{}, cherr.Wrap(cherr.InputError, err, "resolving path %q", joined)
	}
	if !isWithin(resolved, p.root) {
		return Path{}, cherr.New(cherr.InputError,
			"path %q escapes root %q", filepath.Join(parts...), p.root).
			WithField("file", joined)
	}
	return Path{root: resolved, path: resolved}, nil
}

// resolveSymlinks resolves symlinks in path without requiring the path to
// exist; it walks up to the first existing ancestor, resolves that, and
// reapplies the remaining (non-existent) suffix.
func resolveSymlinks(path string) (string, error) {
	clean := filepath.Clean(path)
	existing, suffix := clean, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			// Nothing exists; nothing to resolve, return as-is.
			return clean, nil
		}
		suffix = filepath.Join(filepath.Base(existing), suffix)
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	if suffix == "" {
		return real, nil
	}
	return filepath.Join(real, suffix), nil
}

// isWithin reports whether path is root or a descendant of root.
func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == filepath.Separator)
}
