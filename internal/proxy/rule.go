package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Rewrite is one ordered pathRewrite entry. Pattern is an RE2 expression and
// Replacement may reference capture groups as $1, ${name}.
type Rewrite struct {
	Pattern     string
	Replacement string
}

// Options is the uncompiled form of a proxy rule as it appears in config.
type Options struct {
	Target       string
	ChangeOrigin bool
	PathRewrite  []Rewrite
	WS           bool
	Insecure     bool
	XForwarded   bool
	Timeout      time.Duration
	Headers      map[string]string
	Bypass       []string
}

// Rule is a compiled, immutable proxy rule. A Rule is safe for concurrent use.
type Rule struct {
	Prefix       string
	Target       *url.URL
	ChangeOrigin bool
	WS           bool
	Insecure     bool
	XForwarded   bool
	Timeout      time.Duration
	Headers      http.Header

	rewrites []compiledRewrite
	bypass   []glob.Glob
}

type compiledRewrite struct {
	re          *regexp.Regexp
	replacement string
}

// Compile validates opts and returns the compiled rule for prefix.
func Compile(prefix string, opts Options) (*Rule, error) {
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}

	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}

	if opts.Timeout < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeout, opts.Timeout)
	}

	rule := &Rule{
		Prefix:       prefix,
		Target:       target,
		ChangeOrigin: opts.ChangeOrigin,
		WS:           opts.WS,
		Insecure:     opts.Insecure,
		XForwarded:   opts.XForwarded,
		Timeout:      opts.Timeout,
		Headers:      make(http.Header, len(opts.Headers)),
	}
	for k, v := range opts.Headers {
		rule.Headers.Set(k, v)
	}

	for i, rw := range opts.PathRewrite {
		re, err := regexp.Compile(rw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pathRewrite[%d] %q: %v", ErrInvalidRewrite, i, rw.Pattern, err)
		}
		rule.rewrites = append(rule.rewrites, compiledRewrite{re: re, replacement: rw.Replacement})
	}

	for i, pattern := range opts.Bypass {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: bypass[%d] %q: %v", ErrInvalidBypass, i, pattern, err)
		}
		rule.bypass = append(rule.bypass, g)
	}

	return rule, nil
}

// ParseTarget parses an upstream origin. The scheme must be http, https, ws or
// wss and a host is required. ws and wss are mapped onto http and https since
// the upgrade handshake starts as a plain HTTP request.
func ParseTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: target is required", ErrMalformedTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrMalformedTarget, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrMalformedTarget, raw)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%w: %q must be an origin with an optional base path", ErrMalformedTarget, raw)
	}
	return u, nil
}

// Matches reports whether path starts with the rule prefix. A path equal to
// the prefix matches.
func (r *Rule) Matches(path string) bool {
	return strings.HasPrefix(path, r.Prefix)
}

// Bypassed reports whether path matches one of the rule's bypass globs.
func (r *Rule) Bypassed(path string) bool {
	for _, g := range r.bypass {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// RewritePath applies the pathRewrite entries in order. With no entries the
// path is returned unchanged. The forwarder passes the escaped request path.
func (r *Rule) RewritePath(path string) string {
	for _, rw := range r.rewrites {
		path = rw.re.ReplaceAllString(path, rw.replacement)
	}
	return path
}

// HasRewrites reports whether the rule carries any pathRewrite entries.
func (r *Rule) HasRewrites() bool {
	return len(r.rewrites) > 0
}
