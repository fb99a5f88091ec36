package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rathix/devproxy/internal/proxy"
)

// ReservedPrefix is the path namespace of the dev server's own endpoints.
// Proxy rules may not claim it.
const ReservedPrefix = "/__devproxy"

// ErrReservedPrefix is returned for a proxy prefix inside ReservedPrefix.
var ErrReservedPrefix = errors.New("proxy prefix is reserved for dev server endpoints")

// Options converts r into compile options for the proxy package.
func (r ProxyRule) Options() (proxy.Options, error) {
	opts := proxy.Options{
		Target:       r.Target,
		ChangeOrigin: r.ChangeOrigin,
		WS:           r.WS,
		Insecure:     r.Secure != nil && !*r.Secure,
		XForwarded:   r.XFwd,
		Headers:      r.Headers,
		Bypass:       r.Bypass,
	}
	for _, rw := range r.PathRewrite {
		opts.PathRewrite = append(opts.PathRewrite, proxy.Rewrite{Pattern: rw.Pattern, Replacement: rw.Replacement})
	}
	if strings.TrimSpace(r.Timeout) != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return proxy.Options{}, fmt.Errorf("%w: %q", proxy.ErrInvalidTimeout, r.Timeout)
		}
		opts.Timeout = d
	}
	return opts, nil
}

// Compile compiles r for prefix.
func (r ProxyRule) Compile(prefix string) (*proxy.Rule, error) {
	if strings.HasPrefix(prefix, ReservedPrefix) {
		return nil, fmt.Errorf("%w: %s", ErrReservedPrefix, ReservedPrefix)
	}
	opts, err := r.Options()
	if err != nil {
		return nil, err
	}
	return proxy.Compile(prefix, opts)
}

// Table compiles every proxy rule into an immutable lookup table. Any invalid
// rule fails the whole table.
func (c *Config) Table() (*proxy.Table, error) {
	rules := make([]*proxy.Rule, 0, len(c.Proxy))
	var errs []error
	for prefix, r := range c.Proxy {
		rule, err := r.Compile(prefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("proxy[%q]: %w", prefix, err))
			continue
		}
		rules = append(rules, rule)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return proxy.NewTable(rules), nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// HealthInterval returns the probe interval. Zero disables probing.
func (c *Config) HealthInterval() (time.Duration, error) {
	return parseOptionalDuration(c.Health.Interval)
}

// HealthTimeout returns the per-probe timeout.
func (c *Config) HealthTimeout() (time.Duration, error) {
	return parseOptionalDuration(c.Health.Timeout)
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative, got %q", s)
	}
	return d, nil
}

// ParseLevel parses a slog level name such as "debug" or "WARN". Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", s)
	}
	return level, nil
}
