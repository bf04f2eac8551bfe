package files

import (
	"fmt"
	"html/template"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// Entry is one immediate child of a listed directory.
type Entry struct {
	Name  string
	Href  string
	IsDir bool
	Size  int64
}

// Label is the text shown for the entry; directories carry a trailing slash.
func (e Entry) Label() string {
	if e.IsDir {
		return e.Name + "/"
	}
	return e.Name
}

// ReadEntries lists the immediate children of dir. Hrefs are absolute from
// the serving root (dir.Base). Children whose metadata cannot be read, such
// as broken symlinks or files removed mid-listing, are skipped.
func ReadEntries(dir ResolvedPath) ([]Entry, error) {
	dirents, err := os.ReadDir(dir.Path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		// Stat follows symlinks so linked directories list as directories.
		info, err := os.Stat(filepath.Join(dir.Path, d.Name()))
		if err != nil {
			continue
		}

		href := (&url.URL{Path: "/" + path.Join(dir.Rel(), d.Name())}).EscapedPath()
		if info.IsDir() {
			href += "/"
		}

		entries = append(entries, Entry{
			Name:  d.Name(),
			Href:  href,
			IsDir: info.IsDir(),
			Size:  info.Size(),
		})
	}
	return entries, nil
}

type listingPage struct {
	Path    string
	Entries []Entry
}

// Lister renders directory listings as minimal HTML pages.
type Lister struct {
	template *template.Template
}

// NewLister parses the listing template.
func NewLister() (*Lister, error) {
	tmpl, err := template.New("directory").Funcs(template.FuncMap{
		"formatSize": formatSize,
	}).Parse(directoryTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return &Lister{template: tmpl}, nil
}

// Render writes the listing page for dir to w.
func (l *Lister) Render(w io.Writer, dir ResolvedPath) error {
	entries, err := ReadEntries(dir)
	if err != nil {
		return err
	}

	heading := "/"
	if rel := dir.Rel(); rel != "" {
		heading = "/" + rel + "/"
	}

	return l.template.Execute(w, listingPage{Path: heading, Entries: entries})
}

func formatSize(size int64) string {
	if size < 0 {
		return "-"
	}
	return humanize.Bytes(uint64(size))
}

const directoryTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Index of {{.Path}}</title>
</head>
<body>
    <h1>Index of {{.Path}}</h1>
    <ul>
    {{- range .Entries}}
        <li><a href="{{.Href}}">{{.Label}}</a>{{if not .IsDir}} <small>{{formatSize .Size}}</small>{{end}}</li>
    {{- end}}
    </ul>
</body>
</html>
`
