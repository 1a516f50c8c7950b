package middleware

import (
	"io/fs"
	"net/http"
	"os"
	"strings"
)

// SPAHandler serves the dashboard bundle and falls back to index.html for
// client-side routes.
type SPAHandler struct {
	fs        http.FileSystem
	indexHTML []byte
}

func NewSPAHandler(fsys fs.FS) *SPAHandler {
	index, _ := fs.ReadFile(fsys, "index.html")
	return &SPAHandler{
		fs:        http.FS(fsys),
		indexHTML: index,
	}
}

// NewSPAHandlerDir serves the bundle from a directory on disk.
func NewSPAHandlerDir(dir string) *SPAHandler {
	return NewSPAHandler(os.DirFS(dir))
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/health" {
		http.NotFound(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path != "" {
		if f, err := h.fs.Open(path); err == nil {
			stat, err := f.Stat()
			f.Close()
			if err == nil && !stat.IsDir() {
				http.FileServer(h.fs).ServeHTTP(w, r)
				return
			}
		}
	}

	if h.indexHTML != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(h.indexHTML)
		return
	}
	http.NotFound(w, r)
}
