package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

// routes is one immutable snapshot of the table and its forwarders.
type routes struct {
	table      *Table
	forwarders map[string]*forwarder
}

// Handler dispatches each request to the forwarder of its matching rule, or
// to the fallback handler when no rule matches.
type Handler struct {
	current   atomic.Pointer[routes]
	fallback  http.Handler
	logger    *slog.Logger
	transport http.RoundTripper
	insecure  http.RoundTripper
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTransport overrides the round tripper used for all rules, including
// those with secure: false.
func WithTransport(rt http.RoundTripper) Option {
	return func(h *Handler) {
		h.transport = rt
		h.insecure = rt
	}
}

// NewHandler creates a Handler serving table. Unmatched requests go to
// fallback; a nil fallback responds 404.
func NewHandler(table *Table, fallback http.Handler, opts ...Option) *Handler {
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}
	h := &Handler{
		fallback: fallback,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.transport == nil {
		h.transport = NewTransport(false)
	}
	if h.insecure == nil {
		h.insecure = NewTransport(true)
	}
	h.Swap(table)
	return h
}

// Swap installs a new table. Requests already in flight keep the snapshot
// they started with.
func (h *Handler) Swap(table *Table) {
	if table == nil {
		table = NewTable(nil)
	}
	rt := &routes{
		table:      table,
		forwarders: make(map[string]*forwarder, table.Len()),
	}
	for _, rule := range table.rules {
		transport := h.transport
		if rule.Insecure {
			transport = h.insecure
		}
		rt.forwarders[rule.Prefix] = newForwarder(rule, transport, h.logger)
	}
	h.current.Store(rt)
}

// Table returns the active table snapshot.
func (h *Handler) Table() *Table {
	return h.current.Load().table
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := h.current.Load()
	upgrade := isUpgrade(r)

	rule, ok := rt.table.Match(r.URL.Path)
	if !ok || rule.Bypassed(r.URL.Path) || (upgrade && !rule.WS) {
		h.fallback.ServeHTTP(w, r)
		return
	}

	// Upgraded connections are long lived; the deadline would tear them down.
	if rule.Timeout > 0 && !upgrade {
		ctx, cancel := context.WithTimeout(r.Context(), rule.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	h.logger.Debug("proxying request",
		"prefix", rule.Prefix,
		"target", rule.Target.String(),
		"method", r.Method,
		"path", r.URL.Path,
	)
	rt.forwarders[rule.Prefix].proxy.ServeHTTP(w, r)
}

func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
