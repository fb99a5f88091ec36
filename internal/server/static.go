package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// SPAHandler serves files from a filesystem. With fallback enabled, an
// extensionless path that matches no file serves index.html so client-side
// routes survive a reload; misses with an extension always 404.
type SPAHandler struct {
	fileServer http.Handler
	filesystem fs.FS
	fallback   bool
}

// NewSPAHandler creates a handler over fsys. The filesystem is read on every
// request, so a directory that is rebuilt while the server runs is picked up.
func NewSPAHandler(fsys fs.FS, fallback bool) *SPAHandler {
	return &SPAHandler{
		fileServer: http.FileServer(http.FS(fsys)),
		filesystem: fsys,
		fallback:   fallback,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	filePath := strings.TrimPrefix(path.Clean(urlPath), "/")
	if _, err := fs.Stat(h.filesystem, filePath); err == nil {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	// r.URL.Path is already decoded, so %2Ecss counts as an extension.
	if !h.fallback || path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	r2.URL.RawPath = ""
	h.fileServer.ServeHTTP(w, r2)
}

// noAssetsHandler answers when neither a static dir nor a bundler upstream is
// configured.
func noAssetsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "404 page not found (no proxy rule matched and server.static is not configured)", http.StatusNotFound)
	})
}
