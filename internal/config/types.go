package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the top-level dev server configuration. JSON files are read with
// the YAML decoder, so the yaml tags cover them too.
type Config struct {
	Server ServerConfig         `yaml:"server" toml:"server"`
	Proxy  map[string]ProxyRule `yaml:"proxy"  toml:"proxy"`
	Health HealthConfig         `yaml:"health" toml:"health"`
	Log    LogConfig            `yaml:"log"    toml:"log"`
}

// ServerConfig controls the listener and the local asset pipeline.
type ServerConfig struct {
	Host     string       `yaml:"host"     toml:"host"`
	Port     int          `yaml:"port"     toml:"port"`
	HTTPS    bool         `yaml:"https"    toml:"https"`
	CertFile string       `yaml:"certFile" toml:"certFile"`
	KeyFile  string       `yaml:"keyFile"  toml:"keyFile"`
	CertDir  string       `yaml:"certDir"  toml:"certDir"`
	Base     string       `yaml:"base"     toml:"base"`
	Static   StaticConfig `yaml:"static"   toml:"static"`
}

// StaticConfig selects what serves requests no proxy rule claims: either a
// running bundler dev server (Upstream) or a directory of built assets (Dir).
// Upstream wins when both are set.
type StaticConfig struct {
	Dir         string `yaml:"dir"         toml:"dir"`
	SPAFallback bool   `yaml:"spaFallback" toml:"spaFallback"`
	Upstream    string `yaml:"upstream"    toml:"upstream"`
}

// ProxyRule is one entry of the proxy map, keyed by path prefix.
//
// In YAML and JSON a plain string value is shorthand for a rule with only a
// target.
type ProxyRule struct {
	Target       string            `yaml:"target"       toml:"target"`
	ChangeOrigin bool              `yaml:"changeOrigin" toml:"changeOrigin"`
	PathRewrite  PathRewrites      `yaml:"pathRewrite"  toml:"pathRewrite"`
	WS           bool              `yaml:"ws"           toml:"ws"`
	Secure       *bool             `yaml:"secure"       toml:"secure"`
	XFwd         bool              `yaml:"xfwd"         toml:"xfwd"`
	Timeout      string            `yaml:"timeout"      toml:"timeout"`
	Headers      map[string]string `yaml:"headers"      toml:"headers"`
	Bypass       []string          `yaml:"bypass"       toml:"bypass"`
}

// PathRewrite is a single pattern/replacement pair.
type PathRewrite struct {
	Pattern     string `yaml:"pattern"     toml:"pattern"`
	Replacement string `yaml:"replacement" toml:"replacement"`
}

// PathRewrites is an ordered list of rewrites. In YAML and JSON it may also
// be written as a mapping of pattern to replacement; key order is kept.
type PathRewrites []PathRewrite

// HealthConfig controls upstream probing.
type HealthConfig struct {
	Interval string `yaml:"interval" toml:"interval"`
	Timeout  string `yaml:"timeout"  toml:"timeout"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Format string `yaml:"format" toml:"format"`
	Level  string `yaml:"level"  toml:"level"`
}

// UnmarshalYAML accepts either a target string or a full rule mapping.
func (r *ProxyRule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*r = ProxyRule{Target: value.Value}
		return nil
	}
	type plain ProxyRule
	return value.Decode((*plain)(r))
}

// UnmarshalYAML accepts a sequence of {pattern, replacement} or a mapping.
func (p *PathRewrites) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []PathRewrite
		if err := value.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	case yaml.MappingNode:
		list := make([]PathRewrite, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: pathRewrite mapping entries must be strings", k.Line)
			}
			list = append(list, PathRewrite{Pattern: k.Value, Replacement: v.Value})
		}
		*p = list
		return nil
	default:
		return fmt.Errorf("line %d: pathRewrite must be a list or a mapping", value.Line)
	}
}
