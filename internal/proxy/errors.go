package proxy

import "errors"

var (
	// ErrMalformedTarget is returned at compile time when a rule's target is
	// not an absolute http(s) or ws(s) origin.
	ErrMalformedTarget = errors.New("malformed proxy target")
	// ErrInvalidPrefix is returned when a rule prefix does not start with '/'.
	ErrInvalidPrefix = errors.New("proxy prefix must start with '/'")
	// ErrInvalidRewrite is returned when a pathRewrite pattern fails to compile.
	ErrInvalidRewrite = errors.New("invalid path rewrite pattern")
	// ErrInvalidBypass is returned when a bypass glob fails to compile.
	ErrInvalidBypass = errors.New("invalid bypass pattern")
	// ErrInvalidTimeout is returned when a rule timeout is not a positive duration.
	ErrInvalidTimeout = errors.New("invalid proxy timeout")
	// ErrUpstreamUnavailable marks a forwarded request that failed because the
	// upstream refused the connection, reset it, or did not answer in time.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
