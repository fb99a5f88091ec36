package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options wires the router.
type Options struct {
	// Proxy receives every request that is not a diagnostics route. It is
	// normally a *proxy.Handler whose fallback is the local asset pipeline.
	Proxy http.Handler
	// Status serves StatusPath. Nil disables the endpoint.
	Status http.Handler
	Logger *slog.Logger
}

// NewRouter builds the dev server's root handler.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog(logger))

	// Registered ahead of the catch-all, so a GET of StatusPath never reaches
	// a proxy rule even when a short prefix such as "/" would match it.
	if opts.Status != nil {
		r.Method(http.MethodGet, StatusPath, opts.Status)
	}
	r.Handle("/*", opts.Proxy)

	return r
}

// FallbackOptions selects the local pipeline for requests no rule claims.
type FallbackOptions struct {
	Base        string
	Dir         string
	SPAFallback bool
	// Upstream is a running bundler dev server. It takes precedence over Dir
	// and is not mounted under Base since the bundler applies its own base.
	Upstream string
	Logger   *slog.Logger
}

// NewFallback builds the handler for unmatched requests: the bundler upstream
// if set, otherwise the static directory, otherwise a 404 hint.
func NewFallback(opts FallbackOptions) (http.Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if opts.Upstream != "" {
		h, err := NewDevProxyHandler(opts.Upstream, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create bundler proxy: %w", err)
		}
		return h, nil
	}

	if opts.Dir == "" {
		return NewBasePathHandler(opts.Base, noAssetsHandler()), nil
	}

	if info, err := os.Stat(opts.Dir); err != nil || !info.IsDir() {
		logger.Warn("static directory not found yet, serving 404 until it exists", "dir", opts.Dir)
	}
	return NewBasePathHandler(opts.Base, NewSPAHandler(os.DirFS(opts.Dir), opts.SPAFallback)), nil
}
