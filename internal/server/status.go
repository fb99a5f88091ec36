package server

import (
	"encoding/json"
	"net/http"

	"github.com/rathix/devproxy/internal/config"
	"github.com/rathix/devproxy/internal/health"
	"github.com/rathix/devproxy/internal/proxy"
)

// StatusPath is the diagnostics endpoint. It lives under
// config.ReservedPrefix, which proxy rules cannot claim.
const StatusPath = config.ReservedPrefix + "/status"

// TableSource exposes the active proxy table.
type TableSource interface {
	Table() *proxy.Table
}

// HealthSource reports upstream reachability.
type HealthSource interface {
	Get(target string) health.Upstream
}

type ruleStatus struct {
	Prefix       string          `json:"prefix"`
	Target       string          `json:"target"`
	ChangeOrigin bool            `json:"changeOrigin"`
	WS           bool            `json:"ws"`
	Secure       bool            `json:"secure"`
	XFwd         bool            `json:"xfwd"`
	Rewrites     bool            `json:"pathRewrite"`
	Timeout      string          `json:"timeout,omitempty"`
	Upstream     health.Upstream `json:"upstream"`
}

type statusResponse struct {
	Version string       `json:"version"`
	Rules   []ruleStatus `json:"rules"`
}

// NewStatusHandler reports the active rules in match order together with
// the health of each target. A nil health source reports every upstream as
// unknown.
func NewStatusHandler(version string, tables TableSource, hs HealthSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Version: version, Rules: []ruleStatus{}}
		for _, rule := range tables.Table().Rules() {
			target := rule.Target.String()
			rs := ruleStatus{
				Prefix:       rule.Prefix,
				Target:       target,
				ChangeOrigin: rule.ChangeOrigin,
				WS:           rule.WS,
				Secure:       !rule.Insecure,
				XFwd:         rule.XForwarded,
				Rewrites:     rule.HasRewrites(),
				Upstream:     health.Upstream{Target: target, Status: health.StatusUnknown},
			}
			if rule.Timeout > 0 {
				rs.Timeout = rule.Timeout.String()
			}
			if hs != nil {
				rs.Upstream = hs.Get(target)
			}
			resp.Rules = append(resp.Rules, rs)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
