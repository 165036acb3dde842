package server

import (
	"net/http"
	"strings"
)

// NormalizeBasePath ensures the base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}

// BasePathHandler serves the local application under a public base path.
// Requests under the base have it stripped before reaching the inner handler;
// the root redirects to the base; anything else is not found.
type BasePathHandler struct {
	basePath string
	inner    http.Handler
}

// NewBasePathHandler wraps inner so it is served under basePath. If basePath
// is "/", it returns inner directly.
func NewBasePathHandler(basePath string, inner http.Handler) http.Handler {
	bp := NormalizeBasePath(basePath)
	if bp == "/" {
		return inner
	}
	return &BasePathHandler{
		basePath: bp,
		inner:    inner,
	}
}

func (h *BasePathHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, h.basePath):
		h.serveStripped(w, r, "/"+strings.TrimPrefix(r.URL.Path, h.basePath))
	case r.URL.Path+"/" == h.basePath:
		h.serveStripped(w, r, "/")
	case r.URL.Path == "/":
		http.Redirect(w, r, h.basePath, http.StatusFound)
	default:
		http.NotFound(w, r)
	}
}

func (h *BasePathHandler) serveStripped(w http.ResponseWriter, r *http.Request, p string) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = p
	r2.URL.RawPath = ""
	h.inner.ServeHTTP(w, r2)
}
