package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// forwardingHeaders are dropped from the outbound request by
// httputil.ReverseProxy whenever a Rewrite hook is set.
var forwardingHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
}

// forwarder proxies requests for a single rule.
type forwarder struct {
	rule   *Rule
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

func newForwarder(rule *Rule, transport http.RoundTripper, logger *slog.Logger) *forwarder {
	f := &forwarder{rule: rule, logger: logger}
	f.proxy = &httputil.ReverseProxy{
		Rewrite:      f.rewrite,
		Transport:    transport,
		ErrorHandler: f.handleError,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return f
}

func (f *forwarder) rewrite(pr *httputil.ProxyRequest) {
	rule := f.rule

	// Rewrites see the escaped path so an encoded separator such as %2F
	// stays inside its segment.
	if rule.HasRewrites() {
		escaped := pr.In.URL.EscapedPath()
		rewritten := rule.RewritePath(escaped)
		if rewritten != escaped {
			setEscapedPath(pr.Out.URL, rewritten)
		}
	}

	// SetURL clears Out.Host so the target host is sent.
	pr.SetURL(rule.Target)
	if !rule.ChangeOrigin {
		pr.Out.Host = pr.In.Host
	}

	if rule.XForwarded {
		pr.SetXForwarded()
	} else {
		for _, h := range forwardingHeaders {
			if v, ok := pr.In.Header[h]; ok {
				pr.Out.Header[h] = append([]string(nil), v...)
			}
		}
	}
	for k, v := range rule.Headers {
		pr.Out.Header[k] = append([]string(nil), v...)
	}
}

// setEscapedPath sets u's path from its escaped form. A replacement that is
// not valid percent-encoding is kept literally and re-escaped on the wire.
func setEscapedPath(u *url.URL, escaped string) {
	path, err := url.PathUnescape(escaped)
	if err != nil {
		u.Path = escaped
		u.RawPath = ""
		return
	}
	u.Path = path
	u.RawPath = escaped
}

func (f *forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctxErr := r.Context().Err()
	if errors.Is(ctxErr, context.Canceled) {
		f.logger.Debug("client cancelled proxied request",
			"prefix", f.rule.Prefix,
			"path", r.URL.Path,
		)
		return
	}

	status := http.StatusBadGateway
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}

	f.logger.Warn("proxy request failed",
		"prefix", f.rule.Prefix,
		"target", f.rule.Target.String(),
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"requestId", r.Header.Get("X-Request-Id"),
		"error", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err),
	)
	http.Error(w, fmt.Sprintf("%s: %s -> %s", http.StatusText(status), f.rule.Prefix, f.rule.Target), status)
}

// NewTransport returns the pooled transport used for forwarded requests.
// When insecure is set, upstream TLS certificates are not verified.
func NewTransport(insecure bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via secure: false
	}
	return t
}
