package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rathix/devproxy/internal/proxy"
)

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// TableSource exposes the active proxy table. *proxy.Handler satisfies it.
type TableSource interface {
	Table() *proxy.Table
}

// Checker periodically probes every distinct proxy target.
type Checker struct {
	source   TableSource
	store    *Store
	client   HTTPProber
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChecker creates a checker. A zero timeout leaves probes bounded only by
// the client. If logger is nil, a no-op logger is used.
func NewChecker(source TableSource, store *Store, client HTTPProber, interval, timeout time.Duration, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{
		source:   source,
		store:    store,
		client:   client,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run checks immediately, then on every interval tick, until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// Targets returns the distinct targets of the active table in match order.
func Targets(table *proxy.Table) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, r := range table.Rules() {
		t := r.Target.String()
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// CheckAll runs one probe cycle across all targets concurrently.
func (c *Checker) CheckAll(ctx context.Context) {
	targets := Targets(c.source.Table())
	c.store.Retain(targets)
	if len(targets) == 0 {
		return
	}

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, target := range targets {
		go func(target string) {
			defer wg.Done()
			res := c.probe(ctx, target)
			c.store.Update(target, func(u *Upstream) {
				c.applyResult(u, res)
			})
		}(target)
	}
	wg.Wait()

	c.logger.Debug("upstream health cycle complete",
		"upstreams", len(targets),
		"durationMs", time.Since(start).Milliseconds(),
	)
}

type probeResult struct {
	status    Status
	httpCode  *int
	latencyMs int64
	err       *string
}

// probe issues a GET against target. Any HTTP response means the upstream is
// listening, whatever the status code; dev backends often 404 on their root.
func (c *Checker) probe(ctx context.Context, target string) probeResult {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return probeResult{status: StatusDown, err: ptrString(err.Error())}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return probeResult{status: StatusDown, latencyMs: latency, err: ptrString(truncate(err.Error()))}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	code := resp.StatusCode
	return probeResult{status: StatusUp, httpCode: &code, latencyMs: latency}
}

// applyResult records res on u and logs transitions.
func (c *Checker) applyResult(u *Upstream, res probeResult) {
	previous := u.Status

	u.Status = res.status
	u.HTTPCode = res.httpCode
	u.LatencyMs = &res.latencyMs
	u.Error = res.err

	now := time.Now()
	u.LastChecked = &now

	if res.status != previous {
		u.LastStateChange = &now
		args := []any{"target", u.Target, "from", string(previous), "to", string(res.status)}
		if res.err != nil {
			args = append(args, "error", *res.err)
		}
		if res.status == StatusDown {
			c.logger.Warn("upstream health changed", args...)
		} else {
			c.logger.Info("upstream health changed", args...)
		}
	}
}

const maxErrorLen = 256

func truncate(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > maxErrorLen {
		s = s[:maxErrorLen]
	}
	return s
}

func ptrString(s string) *string {
	return &s
}
