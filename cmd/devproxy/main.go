package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rathix/devproxy/internal/certs"
	"github.com/rathix/devproxy/internal/config"
	"github.com/rathix/devproxy/internal/health"
	"github.com/rathix/devproxy/internal/proxy"
	"github.com/rathix/devproxy/internal/server"
)

const (
	defaultConfigFile = "devproxy.yaml"
	shutdownTimeout   = 10 * time.Second
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devproxy",
		Short: "Local dev server that forwards path prefixes to backend origins",
		Long: `devproxy serves a frontend build (or fronts a bundler dev server) and
forwards requests under configured path prefixes to backend origins, so the
browser only ever talks to one origin during development.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetVersionTemplate("devproxy version {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.String("config", getEnv("DEVPROXY_CONFIG", defaultConfigFile), "path to the config file (.yaml, .yml, .json or .toml)")
	pf.String("log-format", "", "log format (json or text)")
	pf.String("log-level", "", "log level (debug, info, warn or error)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dev server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			watch, _ := cmd.Flags().GetBool("watch")
			configPath, _ := cmd.Flags().GetString("config")

			logger := setupLogger(cfg.Log.Format, cfg.Log.Level)
			slog.SetDefault(logger)

			return run(cmd.Context(), cfg, runOptions{
				configPath: configPath,
				watch:      watch,
				flags:      cmd.Flags(),
				logger:     logger,
			})
		},
	}

	f := cmd.Flags()
	f.String("host", "", "bind host")
	f.Int("port", 0, "bind port")
	f.String("static-dir", "", "directory of built assets")
	f.Bool("watch", getEnvBool("DEVPROXY_WATCH", false), "reload proxy rules when the config file changes")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and list the proxy rules in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			table, err := cfg.Table()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range table.Rules() {
				fmt.Fprintf(out, "%s -> %s\n", r.Prefix, r.Target)
			}
			fmt.Fprintf(out, "config OK: %d rule(s), listening on %s\n", table.Len(), cfg.Addr())
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "devproxy version %s\n", Version)
		},
	}
}

// loadConfig reads the config file and layers the environment and flags over
// it with precedence: Flag > Env > File > Default. Any error is returned, so a
// malformed target stops the process before it binds.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	if explicitConfig(flags) {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}

	cfg, errs := config.Load(path)
	if len(errs) > 0 {
		return nil, joinConfigErrors(path, errs)
	}
	if err := applyOverrides(cfg, flags); err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, joinConfigErrors(path, errs)
	}
	return cfg, nil
}

// explicitConfig reports whether the config path was chosen by the user. The
// default path may be absent, in which case built-in defaults apply.
func explicitConfig(flags *pflag.FlagSet) bool {
	if f := flags.Lookup("config"); f != nil && f.Changed {
		return true
	}
	_, ok := os.LookupEnv("DEVPROXY_CONFIG")
	return ok
}

// applyOverrides writes flag and environment values over cfg.
func applyOverrides(cfg *config.Config, flags *pflag.FlagSet) error {
	if v, ok := layered(flags, "host", "DEVPROXY_HOST"); ok {
		cfg.Server.Host = v
	}
	if v, ok := layered(flags, "port", "DEVPROXY_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := layered(flags, "static-dir", "DEVPROXY_STATIC_DIR"); ok {
		cfg.Server.Static.Dir = v
	}
	if v, ok := layered(flags, "log-format", "DEVPROXY_LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := layered(flags, "log-level", "DEVPROXY_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	return nil
}

// layered returns the flag value when it was set on the command line, else the
// environment value. ok is false when neither is set and the file value stands.
func layered(flags *pflag.FlagSet, name, envKey string) (string, bool) {
	if f := flags.Lookup(name); f != nil && f.Changed {
		return f.Value.String(), true
	}
	return os.LookupEnv(envKey)
}

func joinConfigErrors(path string, errs []error) error {
	return fmt.Errorf("config %s has %d error(s):\n%w", path, len(errs), errors.Join(errs...))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func setupLogger(format, level string) *slog.Logger {
	return setupLoggerWithWriter(format, level, os.Stdout)
}

func setupLoggerWithWriter(format, level string, writer io.Writer) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

type runOptions struct {
	configPath string
	watch      bool
	flags      *pflag.FlagSet
	logger     *slog.Logger
	// ready, if set, receives the bound address once the listener is open.
	ready func(addr net.Addr)
}

// run serves until ctx is cancelled or the server fails, then drains.
func run(ctx context.Context, cfg *config.Config, opts runOptions) error {
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Starting devproxy", "version", Version)

	table, err := cfg.Table()
	if err != nil {
		return err
	}

	fallback, err := server.NewFallback(server.FallbackOptions{
		Base:        cfg.Server.Base,
		Dir:         cfg.Server.Static.Dir,
		SPAFallback: cfg.Server.Static.SPAFallback,
		Upstream:    cfg.Server.Static.Upstream,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	proxyHandler := proxy.NewHandler(table, fallback, proxy.WithLogger(logger))
	store := health.NewStore()
	handler := server.NewRouter(server.Options{
		Proxy:  proxyHandler,
		Status: server.NewStatusHandler(Version, proxyHandler, store),
		Logger: logger,
	})
	logRules(logger, table)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.Server.HTTPS {
		tlsConfig, err := loadTLS(cfg, logger)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	if opts.ready != nil {
		opts.ready(ln.Addr())
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		var err error
		if srv.TLSConfig != nil {
			logger.Info("Listening (HTTPS)", "addr", ln.Addr().String())
			err = srv.ServeTLS(ln, "", "")
		} else {
			logger.Info("Listening (HTTP)", "addr", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("Connections drained")
		return nil
	})

	interval, _ := cfg.HealthInterval()
	timeout, _ := cfg.HealthTimeout()
	if interval > 0 {
		probeClient := &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		checker := health.NewChecker(proxyHandler, store, probeClient, interval, timeout, logger)
		eg.Go(func() error {
			checker.Run(egCtx)
			return nil
		})
	}

	if opts.watch {
		r := &reloader{
			handler: proxyHandler,
			store:   store,
			flags:   opts.flags,
			current: cfg,
			logger:  logger,
		}
		watcher := config.NewWatcher(opts.configPath, r.apply, logger)
		eg.Go(func() error {
			if err := watcher.Run(egCtx); err != nil && egCtx.Err() == nil {
				logger.Warn("config watcher stopped with error", "error", err)
			}
			return nil
		})
		logger.Info("Watching config for changes", "path", opts.configPath)
	}

	err = eg.Wait()
	logger.Info("Server stopped")
	return err
}

func loadTLS(cfg *config.Config, logger *slog.Logger) (*tls.Config, error) {
	assets, err := certs.LoadOrGenerate(cfg.Server.CertDir, cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}

	switch assets.Source {
	case certs.SourceCustom:
		logger.Info("Using custom TLS certificate", "cert", assets.CertPath, "key", assets.KeyPath)
	case certs.SourceRenewed:
		logger.Warn("Dev server certificate expired, re-signed with the existing CA", "cert", assets.CertPath)
	case certs.SourceGenerated:
		logger.Info("Generated a local CA and server certificate", "ca", assets.CACertPath, "cert", assets.CertPath)
		logger.Info("Trust the CA certificate in your browser or OS to avoid warnings", "ca", assets.CACertPath)
	default:
		logger.Info("Using existing dev certificates", "ca", assets.CACertPath, "cert", assets.CertPath)
	}

	tlsConfig, err := certs.NewTLSConfig(assets.CertPath, assets.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	return tlsConfig, nil
}

func logRules(logger *slog.Logger, table *proxy.Table) {
	for _, r := range table.Rules() {
		logger.Info("Proxy rule", "prefix", r.Prefix, "target", r.Target.String(), "changeOrigin", r.ChangeOrigin, "ws", r.WS)
	}
}

// reloader applies config file edits to the running server. Only the proxy
// table is swapped; listener and asset settings need a restart.
type reloader struct {
	handler *proxy.Handler
	store   *health.Store
	flags   *pflag.FlagSet
	current *config.Config
	logger  *slog.Logger
}

func (r *reloader) apply(cfg *config.Config, errs []error) {
	if cfg == nil {
		for _, e := range errs {
			r.logger.Error("Config reload parse failed, keeping current rules", "error", e)
		}
		return
	}
	if r.flags != nil {
		if err := applyOverrides(cfg, r.flags); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		for _, e := range errs {
			r.logger.Warn("Config reload rejected, keeping current rules", "error", e)
		}
		return
	}

	table, err := cfg.Table()
	if err != nil {
		r.logger.Warn("Config reload rejected, keeping current rules", "error", err)
		return
	}

	r.handler.Swap(table)
	r.store.Retain(health.Targets(table))
	r.logger.Info("Proxy rules reloaded", "rules", table.Len())
	logRules(r.logger, table)

	if cfg.Addr() != r.current.Addr() || cfg.Server.HTTPS != r.current.Server.HTTPS ||
		cfg.Server.Base != r.current.Server.Base || cfg.Server.Static != r.current.Server.Static {
		r.logger.Warn("Server settings changed, restart devproxy to apply them")
	}
	r.current = cfg
}
