package server

import (
	"log/slog"
	"net/http"

	"github.com/rathix/devproxy/internal/proxy"
)

// NewDevProxyHandler forwards every request to a running bundler dev server,
// upgrades included so its HMR socket keeps working. It is used as the
// fallback when server.static.upstream is set.
func NewDevProxyHandler(target string, logger *slog.Logger) (http.Handler, error) {
	rule, err := proxy.Compile("/", proxy.Options{
		Target:       target,
		ChangeOrigin: true,
		WS:           true,
	})
	if err != nil {
		return nil, err
	}
	return proxy.NewHandler(proxy.NewTable([]*proxy.Rule{rule}), nil, proxy.WithLogger(logger)), nil
}
