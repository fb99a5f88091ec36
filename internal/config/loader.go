package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/rathix/devproxy/internal/proxy"
)

// Defaults returns the configuration used for any field the file leaves out.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "localhost",
			Port:    5173,
			Base:    "/",
			CertDir: filepath.Join(".devproxy", "certs"),
			Static: StaticConfig{
				Dir:         "dist",
				SPAFallback: true,
			},
		},
		Proxy: map[string]ProxyRule{},
		Health: HealthConfig{
			Interval: "10s",
			Timeout:  "2s",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads and parses the configuration file at path. The decoder follows
// the extension: .toml uses TOML, anything else (.yaml, .yml, .json) uses YAML,
// which also reads JSON.
//
// A missing or empty file yields Defaults with no errors. A file that fails to
// parse yields a nil config and the parse error. Validation errors yield a
// config with the offending proxy rules removed, plus one error per problem.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}
	return Parse(data, formatFor(path))
}

// Format identifies a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes data over Defaults and validates the result.
func Parse(data []byte, format Format) (*Config, []error) {
	cfg := Defaults()
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}

	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, []error{fmt.Errorf("failed to parse config TOML: %w", err)}
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
		}
	}

	return cfg, Validate(cfg)
}

// Validate checks cfg in place. Invalid proxy rules are removed; invalid
// scalar settings are reset to their defaults. It returns one error per
// problem found.
func Validate(cfg *Config) []error {
	var errs []error
	def := Defaults()

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
		cfg.Server.Port = def.Server.Port
	}
	if strings.TrimSpace(cfg.Server.Host) == "" {
		cfg.Server.Host = def.Server.Host
	}
	if strings.TrimSpace(cfg.Server.CertDir) == "" {
		cfg.Server.CertDir = def.Server.CertDir
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		errs = append(errs, errors.New("server.certFile and server.keyFile must be set together"))
		cfg.Server.CertFile, cfg.Server.KeyFile = "", ""
	}

	if cfg.Server.Static.Upstream != "" {
		if _, err := proxy.ParseTarget(cfg.Server.Static.Upstream); err != nil {
			errs = append(errs, fmt.Errorf("server.static.upstream: %w", err))
			cfg.Server.Static.Upstream = ""
		}
	}

	if _, err := cfg.HealthInterval(); err != nil {
		errs = append(errs, fmt.Errorf("health.interval: %w", err))
		cfg.Health.Interval = def.Health.Interval
	}
	if _, err := cfg.HealthTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("health.timeout: %w", err))
		cfg.Health.Timeout = def.Health.Timeout
	}

	switch cfg.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported format %q: must be \"json\" or \"text\"", cfg.Log.Format))
		cfg.Log.Format = def.Log.Format
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
		cfg.Log.Level = def.Log.Level
	}

	// Sorted so error order is stable across runs.
	prefixes := make([]string, 0, len(cfg.Proxy))
	for prefix := range cfg.Proxy {
		prefixes = append(prefixes, prefix)
	}
	slices.Sort(prefixes)

	valid := make(map[string]ProxyRule, len(cfg.Proxy))
	for _, prefix := range prefixes {
		rule := cfg.Proxy[prefix]
		if _, err := rule.Compile(prefix); err != nil {
			errs = append(errs, fmt.Errorf("proxy[%q]: %w", prefix, err))
			continue
		}
		valid[prefix] = rule
	}
	cfg.Proxy = valid

	return errs
}
