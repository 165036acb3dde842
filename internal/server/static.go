package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// SPAHandler serves a built frontend from a file system and falls back to
// index.html for any extensionless path that doesn't match a file, enabling
// client-side routing while returning 404 for missing files with extensions.
type SPAHandler struct {
	fileServer http.Handler
	filesystem fs.FS
}

// NewSPAHandler creates a handler that serves files from fsys, typically
// os.DirFS of the frontend's build directory.
func NewSPAHandler(fsys fs.FS) *SPAHandler {
	return &SPAHandler{
		fileServer: http.FileServer(http.FS(fsys)),
		filesystem: fsys,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// Check if the file exists using fs.Stat (avoids opening file content)
	filePath := strings.TrimPrefix(path.Clean(urlPath), "/")
	if _, err := fs.Stat(h.filesystem, filePath); err == nil {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// Paths with extensions (e.g., .css, .js, .png) are real file requests
	// and get a 404 to avoid MIME-type mismatches.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	// SPA fallback: serve index.html for client-side routing.
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	r2.URL.RawPath = ""
	h.fileServer.ServeHTTP(w, r2)
}
