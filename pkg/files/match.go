package files

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IndexFile is served when a static request resolves to a directory.
const IndexFile = "index.html"

// MatchResult is the soft outcome of a static match. Hard failures are
// reported through the accompanying error instead.
type MatchResult int

const (
	// Miss means the rule did not serve the request; dispatch may continue.
	Miss MatchResult = iota
	// Hit means the response has been written.
	Hit
)

func (m MatchResult) String() string {
	if m == Hit {
		return "hit"
	}
	return "miss"
}

// ExactFile serves one file for one exact URL path.
type ExactFile struct {
	URL         string
	Path        string
	ContentType string
}

// TryMatch serves f.Path when the request path equals f.URL byte for byte.
// A configured file that cannot be opened is an error, never a fall-through.
func (f ExactFile) TryMatch(w http.ResponseWriter, r *http.Request) (bool, error) {
	if r.URL.Path != f.URL {
		return false, nil
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return true, fmt.Errorf("open exact file %s: %w", f.Path, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return true, fmt.Errorf("stat exact file %s: %w", f.Path, err)
	}
	if stat.IsDir() {
		return true, fmt.Errorf("exact file %s is a directory", f.Path)
	}

	w.Header().Set("Content-Type", f.ContentType)
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), file)
	return true, nil
}

// StaticDir serves files below Dir for request paths starting with Prefix.
type StaticDir struct {
	Prefix string
	Dir    string
}

// TryMatch strips s.Prefix from the request path and serves the matching
// file under s.Dir. Absent files and directories without an index are a
// Miss. Traversal and I/O failures are returned as errors.
func (s StaticDir) TryMatch(w http.ResponseWriter, r *http.Request) (MatchResult, error) {
	if !strings.HasPrefix(r.URL.Path, s.Prefix) {
		return Miss, nil
	}

	resolved, err := Resolve(s.Dir, strings.TrimPrefix(r.URL.Path, s.Prefix))
	if err != nil {
		return missOnNotExist(err)
	}

	info, err := os.Stat(resolved.Path)
	if err != nil {
		return missOnNotExist(err)
	}

	if info.IsDir() {
		resolved, err = Resolve(resolved.Base, path.Join(resolved.Rel(), IndexFile))
		if err != nil {
			return missOnNotExist(err)
		}
		info, err = os.Stat(resolved.Path)
		if err != nil {
			return missOnNotExist(err)
		}
		if info.IsDir() {
			return Miss, nil
		}
	}

	if err := serveFile(w, r, resolved.Path); err != nil {
		return Miss, err
	}
	return Hit, nil
}

func missOnNotExist(err error) (MatchResult, error) {
	if errors.Is(err, ErrNotExist) || errors.Is(err, fs.ErrNotExist) {
		return Miss, nil
	}
	return Miss, err
}

// serveFile streams the file at filePath. Nothing is written when opening
// the file fails, so callers can still choose the error response.
func serveFile(w http.ResponseWriter, r *http.Request, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(filePath), err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(filePath), err)
	}

	if contentType := contentTypeFor(filepath.Ext(filePath)); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	http.ServeContent(w, r, stat.Name(), stat.ModTime(), file)
	return nil
}

// contentTypeFor returns the MIME type for a file extension. An empty result
// lets http.ServeContent sniff the content.
func contentTypeFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js", ".mjs":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".map":
		return "application/json; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".wasm":
		return "application/wasm"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	}
	return mime.TypeByExtension(ext)
}
