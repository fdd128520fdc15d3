package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// NodeConfig configures convergence of one node.
type NodeConfig struct {
	// Target is "local" or an ssh:// URL.
	Target string `validate:"required,eq=local|startswith=ssh://"`

	// Manifest is the manifest file or CUE package directory.
	Manifest string `validate:"required"`

	// Parallelism bounds concurrent provider calls.
	Parallelism int `validate:"min=1,max=64"`

	// ProviderTimeout bounds each provider call. Zero disables it.
	ProviderTimeout time.Duration `validate:"min=0"`

	// LatestPolicy is the default package ensure => latest policy.
	LatestPolicy string `validate:"oneof=pin recheck"`

	NeutronConfigPath string `validate:"required"`
	ConsulConfigDir   string `validate:"required"`
	KeystoneURL       string `validate:"omitempty,url"`
	OpenStackEnv      map[string]string

	// Facts are extra values exposed to Starlark manifests.
	Facts map[string]string

	// StatePath is the SQLite run history database.
	StatePath string `validate:"required"`

	Policy    PolicySettings
	Telemetry TelemetrySettings
}

// PolicySettings configures the catalog policy gate.
type PolicySettings struct {
	Enabled bool
	Paths   []string `validate:"required_if=Enabled true,dive,required"`

	// Mode "enforce" rejects a catalog with violations, "warn" only logs them.
	Mode string `validate:"oneof=enforce warn"`
}

// TelemetrySettings configures logging, metrics and tracing.
type TelemetrySettings struct {
	LogLevel     string `validate:"oneof=trace debug info warn error"`
	LogFormat    string `validate:"oneof=console json"`
	MetricsAddr  string `validate:"omitempty,hostname_port"`
	Tracing      string `validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `validate:"required_if=Tracing otlp"`
}

// DefaultNodeConfig returns the configuration of a local Neutron node.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Target:            "local",
		Parallelism:       4,
		ProviderTimeout:   5 * time.Minute,
		LatestPolicy:      "recheck",
		NeutronConfigPath: "/etc/neutron/neutron.conf",
		ConsulConfigDir:   "/etc/consul",
		StatePath:         "/var/lib/nodeconverge/state.db",
		OpenStackEnv:      map[string]string{},
		Facts:             map[string]string{},
		Policy: PolicySettings{
			Mode: "enforce",
		},
		Telemetry: TelemetrySettings{
			LogLevel:  "info",
			LogFormat: "console",
			Tracing:   "none",
		},
	}
}

// Validate checks field constraints.
func (c *NodeConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	return nil
}

// nodeFile is the on-disk form. Durations are strings such as "90s".
type nodeFile struct {
	Target            string            `yaml:"target" toml:"target"`
	Manifest          string            `yaml:"manifest" toml:"manifest"`
	Parallelism       int               `yaml:"parallelism" toml:"parallelism"`
	ProviderTimeout   string            `yaml:"provider_timeout" toml:"provider_timeout"`
	LatestPolicy      string            `yaml:"latest_policy" toml:"latest_policy"`
	NeutronConfigPath string            `yaml:"neutron_config_path" toml:"neutron_config_path"`
	ConsulConfigDir   string            `yaml:"consul_config_dir" toml:"consul_config_dir"`
	KeystoneURL       string            `yaml:"keystone_url" toml:"keystone_url"`
	OpenStackEnv      map[string]string `yaml:"openstack_env" toml:"openstack_env"`
	Facts             map[string]string `yaml:"facts" toml:"facts"`
	StatePath         string            `yaml:"state_path" toml:"state_path"`
	Policy            struct {
		Enabled bool     `yaml:"enabled" toml:"enabled"`
		Paths   []string `yaml:"paths" toml:"paths"`
		Mode    string   `yaml:"mode" toml:"mode"`
	} `yaml:"policy" toml:"policy"`
	Telemetry struct {
		LogLevel     string `yaml:"log_level" toml:"log_level"`
		LogFormat    string `yaml:"log_format" toml:"log_format"`
		MetricsAddr  string `yaml:"metrics_addr" toml:"metrics_addr"`
		Tracing      string `yaml:"tracing" toml:"tracing"`
		OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	} `yaml:"telemetry" toml:"telemetry"`
}

// LoadNodeConfig reads a YAML or TOML node configuration. Unset keys keep
// their defaults and unknown keys are rejected. A relative manifest path
// is resolved against the config file's directory.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load node config: %w", err)
	}

	var cfg *NodeConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		cfg, err = parseNodeTOML(data)
	case ".yaml", ".yml":
		cfg, err = parseNodeYAML(data)
	default:
		return nil, fmt.Errorf("load node config: unsupported format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("load node config %s: %w", path, err)
	}

	if cfg.Manifest != "" && !filepath.IsAbs(cfg.Manifest) {
		cfg.Manifest = filepath.Join(filepath.Dir(path), cfg.Manifest)
	}
	for i, p := range cfg.Policy.Paths {
		if p != "" && !filepath.IsAbs(p) {
			cfg.Policy.Paths[i] = filepath.Join(filepath.Dir(path), p)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseNodeTOML(data []byte) (*NodeConfig, error) {
	var raw nodeFile
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return raw.apply(DefaultNodeConfig(), meta.IsDefined)
}

func parseNodeYAML(data []byte) (*NodeConfig, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var raw nodeFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return raw.apply(DefaultNodeConfig(), func(key ...string) bool {
		return yamlDefined(&doc, key)
	})
}

// apply overlays the keys present in the file onto cfg.
func (f *nodeFile) apply(cfg *NodeConfig, defined func(key ...string) bool) (*NodeConfig, error) {
	if defined("target") {
		cfg.Target = strings.TrimSpace(f.Target)
	}
	if defined("manifest") {
		cfg.Manifest = strings.TrimSpace(f.Manifest)
	}
	if defined("parallelism") {
		cfg.Parallelism = f.Parallelism
	}
	if defined("provider_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(f.ProviderTimeout))
		if err != nil {
			return nil, fmt.Errorf("parse provider_timeout: %w", err)
		}
		cfg.ProviderTimeout = d
	}
	if defined("latest_policy") {
		cfg.LatestPolicy = strings.TrimSpace(f.LatestPolicy)
	}
	if defined("neutron_config_path") {
		cfg.NeutronConfigPath = f.NeutronConfigPath
	}
	if defined("consul_config_dir") {
		cfg.ConsulConfigDir = f.ConsulConfigDir
	}
	if defined("keystone_url") {
		cfg.KeystoneURL = strings.TrimSpace(f.KeystoneURL)
	}
	for k, v := range f.OpenStackEnv {
		cfg.OpenStackEnv[k] = v
	}
	for k, v := range f.Facts {
		cfg.Facts[k] = v
	}
	if defined("state_path") {
		cfg.StatePath = f.StatePath
	}

	if defined("policy", "enabled") {
		cfg.Policy.Enabled = f.Policy.Enabled
	}
	if defined("policy", "paths") {
		cfg.Policy.Paths = f.Policy.Paths
	}
	if defined("policy", "mode") {
		cfg.Policy.Mode = f.Policy.Mode
	}

	if defined("telemetry", "log_level") {
		cfg.Telemetry.LogLevel = strings.ToLower(f.Telemetry.LogLevel)
	}
	if defined("telemetry", "log_format") {
		cfg.Telemetry.LogFormat = f.Telemetry.LogFormat
	}
	if defined("telemetry", "metrics_addr") {
		cfg.Telemetry.MetricsAddr = f.Telemetry.MetricsAddr
	}
	if defined("telemetry", "tracing") {
		cfg.Telemetry.Tracing = f.Telemetry.Tracing
	}
	if defined("telemetry", "otlp_endpoint") {
		cfg.Telemetry.OTLPEndpoint = f.Telemetry.OTLPEndpoint
	}
	return cfg, nil
}

// yamlDefined reports whether the mapping path exists in a YAML document.
func yamlDefined(doc *yaml.Node, key []string) bool {
	node := doc
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for _, k := range key {
		if node.Kind != yaml.MappingNode {
			return false
		}
		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == k {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return false
		}
		node = next
	}
	return true
}
