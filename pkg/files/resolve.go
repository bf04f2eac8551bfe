// Package files resolves request paths against served directories and serves
// what it finds: exact files, static directories, and browsable listings.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrNotExist reports that a requested path is absent under its base
	// directory. Static rules treat it as a miss.
	ErrNotExist = errors.New("path does not exist")

	// ErrTraversal reports a path that escapes its base directory, through
	// ".." segments or symlinks. It is always a hard failure.
	ErrTraversal = errors.New("path escapes base directory")
)

// ResolvedPath is a canonical filesystem path together with the canonical
// base directory it was resolved against. Path is always Base or a
// descendant of it.
type ResolvedPath struct {
	Base string
	Path string
}

// Rel returns the slash-separated path of p relative to its base, or "" for
// the base itself.
func (p ResolvedPath) Rel() string {
	rel, err := filepath.Rel(p.Base, p.Path)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Resolve joins subpath onto baseDir and canonicalizes the result, resolving
// ".", ".." and symlinks. Leading separators in subpath are ignored. The
// result must stay inside the canonical baseDir, otherwise ErrTraversal is
// returned. Missing paths yield ErrNotExist; any other filesystem failure is
// returned wrapped.
func Resolve(baseDir, subpath string) (ResolvedPath, error) {
	base, err := canonicalize(baseDir)
	if err != nil {
		return ResolvedPath{}, fmt.Errorf("base directory: %w", err)
	}

	subpath = strings.TrimLeft(subpath, "/"+string(filepath.Separator))
	joined := filepath.Join(base, filepath.FromSlash(subpath))

	// Lexical check first so an escaping path that does not exist is still
	// reported as traversal rather than as a miss.
	if !within(base, joined) {
		return ResolvedPath{}, ErrTraversal
	}

	resolved, err := canonicalize(joined)
	if err != nil {
		return ResolvedPath{}, err
	}
	if !within(base, resolved) {
		return ResolvedPath{}, ErrTraversal
	}

	return ResolvedPath{Base: base, Path: resolved}, nil
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	evaluated, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return "", ErrNotExist
		}
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return evaluated, nil
}

// within reports whether path is base or lies below it. The check is
// segment-aware: /srv/public-other is not within /srv/public.
func within(base, path string) bool {
	if path == base {
		return true
	}
	if !strings.HasSuffix(base, string(filepath.Separator)) {
		base += string(filepath.Separator)
	}
	return strings.HasPrefix(path, base)
}
