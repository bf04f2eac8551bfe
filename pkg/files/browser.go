package files

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"

	"github.com/jhofer-cloud/devproxy/pkg/httputil"
)

// Browser serves a single directory tree for browsing: files are served,
// directories show their index.html or, failing that, a listing.
type Browser struct {
	root   string
	lister *Lister
	logger *slog.Logger
}

// NewBrowser creates a browser rooted at root. The root must exist.
func NewBrowser(root string, logger *slog.Logger) (*Browser, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("browse root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("browse root %s is not a directory", root)
	}

	lister, err := NewLister()
	if err != nil {
		return nil, err
	}

	return &Browser{
		root:   root,
		lister: lister,
		logger: logger,
	}, nil
}

// ServeHTTP implements http.Handler
func (b *Browser) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resolved, err := Resolve(b.root, r.URL.Path)
	if err != nil {
		b.fail(w, r, err)
		return
	}

	info, err := os.Stat(resolved.Path)
	if err != nil {
		b.fail(w, r, err)
		return
	}

	if !info.IsDir() {
		if err := serveFile(w, r, resolved.Path); err != nil {
			b.fail(w, r, err)
		}
		return
	}

	index, err := Resolve(resolved.Base, path.Join(resolved.Rel(), IndexFile))
	if err == nil {
		if stat, statErr := os.Stat(index.Path); statErr == nil && !stat.IsDir() {
			if err := serveFile(w, r, index.Path); err != nil {
				b.fail(w, r, err)
			}
			return
		}
	} else if !errors.Is(err, ErrNotExist) {
		b.fail(w, r, err)
		return
	}

	b.serveListing(w, r, resolved)
}

// serveListing renders into a buffer first so a failed listing can still
// become a clean 500.
func (b *Browser) serveListing(w http.ResponseWriter, r *http.Request, dir ResolvedPath) {
	var buf bytes.Buffer
	if err := b.lister.Render(&buf, dir); err != nil {
		b.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = buf.WriteTo(w)
	}
}

func (b *Browser) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotExist), errors.Is(err, os.ErrNotExist):
		httputil.WriteNotFound(w)
	case errors.Is(err, ErrTraversal):
		b.logger.Warn("Rejected path outside browse root", "path", r.URL.Path)
		httputil.WriteFailure(w)
	default:
		b.logger.Error("Failed to serve path", "path", r.URL.Path, "error", err)
		httputil.WriteFailure(w)
	}
}
