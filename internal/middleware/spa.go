package middleware

import (
	"io/fs"
	"net/http"
	"strings"
)

// SPAHandler serves the frontend bundle with a single-page-app fallback:
// a GET for a path with no matching file returns index.html so the app
// boots after a browser refresh on any route.
type SPAHandler struct {
	fs        http.FileSystem
	indexHTML []byte
}

// NewSPAHandler serves files from fsys, which is either the embedded
// frontend bundle or an on-disk override directory.
func NewSPAHandler(fsys fs.FS) *SPAHandler {
	index, _ := fs.ReadFile(fsys, "index.html")
	return &SPAHandler{
		fs:        http.FS(fsys),
		indexHTML: index,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	// API, health, and the websocket endpoint are never static assets.
	if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/health" || r.URL.Path == "/ws" {
		http.NotFound(w, r)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if f, err := h.fs.Open(path); err == nil {
		defer f.Close()
		if stat, err := f.Stat(); err == nil && !stat.IsDir() {
			http.FileServer(h.fs).ServeHTTP(w, r)
			return
		}
	}

	if h.indexHTML != nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(h.indexHTML)
		return
	}

	http.NotFound(w, r)
}
