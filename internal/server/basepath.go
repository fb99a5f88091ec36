package server

import (
	"fmt"
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

// BasePathHandler mounts the local asset pipeline under a public base path.
// Requests under the base have it stripped before reaching the inner handler.
// The site root redirects to the base; anything else outside the base is a
// 404 that names the path the client probably meant.
type BasePathHandler struct {
	basePath string
	inner    http.Handler
}

// NewBasePathHandler wraps inner. A base of "/" returns inner unchanged.
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
	p := r.URL.Path

	switch {
	case p+"/" == h.basePath:
		h.serveStripped(w, r, "/")
		return
	case strings.HasPrefix(p, h.basePath):
		h.serveStripped(w, r, "/"+strings.TrimPrefix(p, h.basePath))
		return
	}

	if p == "/" || p == "/index.html" {
		http.Redirect(w, r, h.basePath, http.StatusFound)
		return
	}

	suggested := h.basePath + strings.TrimPrefix(p, "/")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "The server is configured with a public base URL of %s - did you mean to visit %s instead?\n",
		h.basePath, suggested)
}

func (h *BasePathHandler) serveStripped(w http.ResponseWriter, r *http.Request, stripped string) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = stripped
	r2.URL.RawPath = ""
	h.inner.ServeHTTP(w, r2)
}
