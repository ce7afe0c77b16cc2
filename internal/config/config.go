// Package config handles loading and validating the proxy's bootstrap
// YAML configuration: the initial backend/farm/vhost-map/limit set the
// control channel would otherwise have to replay by hand on every
// restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ListenerConfig is the main client-facing TCP listener.
type ListenerConfig struct {
	Addr string            `yaml:"addr"`
	Port int               `yaml:"port"`
	TLS  ListenerTLSConfig `yaml:"tls,omitempty"`
}

// ListenerTLSConfig names the certificate/key pair to load for the
// ingress socket's TLS handshake (spec.md §4.3.1's "perform the TLS
// handshake on the ingress side, no-op when unsecured"). Loading the
// material itself from disk is the external-collaborator boundary
// spec.md §1/§6 names; this struct only carries where to load it from.
type ListenerTLSConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// ProxyConfig holds process-wide settings. logDirectory, controlSocket,
// and cleanupIntervalMs also exist as CLI flag overrides per spec.md
// §6; values here are the defaults used when the flag is unset.
type ProxyConfig struct {
	Listener          ListenerConfig `yaml:"listener"`
	ControlSocket     string         `yaml:"control_socket"`
	MetricsPort       int            `yaml:"metrics_port"`
	CleanupIntervalMs int            `yaml:"cleanup_interval_ms"`
	LogDirectory      string         `yaml:"log_directory"`
	MaxFrameSize      uint32         `yaml:"max_frame_size"`
	ChannelMax        uint16         `yaml:"channel_max"`
	Heartbeat         uint16         `yaml:"heartbeat"`
	DefaultFarm       string         `yaml:"default_farm,omitempty"`
}

// BackendConfig names one broker endpoint, mirroring the BACKEND ADD
// control verb's fields.
type BackendConfig struct {
	Name       string `yaml:"name"`
	Datacenter string `yaml:"datacenter"`
	Host       string `yaml:"host"`
	IP         string `yaml:"ip"`
	Port       int    `yaml:"port"`
	TLS        bool   `yaml:"tls"`
	DNS        bool   `yaml:"dns"`
	SendProxy  bool   `yaml:"send_proxy"`
}

// FarmConfig groups backends under a named farm.
type FarmConfig struct {
	Name     string   `yaml:"name"`
	Backends []string `yaml:"backends"`
}

// MapConfig assigns a vhost to a farm or a single backend.
type MapConfig struct {
	Vhost  string `yaml:"vhost"`
	Kind   string `yaml:"kind"` // "farm" | "backend"
	Target string `yaml:"target"`
}

// LimitConfig configures one vhost's (or, with Vhost == "", the
// process-wide default's) admission-control slots.
type LimitConfig struct {
	Vhost           string        `yaml:"vhost,omitempty"`
	RateLimit       int           `yaml:"rate_limit,omitempty"`
	RateWindow      time.Duration `yaml:"rate_window,omitempty"`
	RateAlarmLimit  int           `yaml:"rate_alarm_limit,omitempty"`
	RateAlarmWindow time.Duration `yaml:"rate_alarm_window,omitempty"`
	TotalLimit      int           `yaml:"total_limit,omitempty"`
	TotalAlarmLimit int           `yaml:"total_alarm_limit,omitempty"`
}

// AuthConfig selects the startup authentication interceptor.
type AuthConfig struct {
	Mode   string `yaml:"mode"` // "always_allow" | "service"
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	Target string `yaml:"target,omitempty"`
}

// Config is the root bootstrap configuration structure.
type Config struct {
	Proxy    ProxyConfig     `yaml:"proxy"`
	Backends []BackendConfig `yaml:"backends"`
	Farms    []FarmConfig    `yaml:"farms"`
	Maps     []MapConfig     `yaml:"maps"`
	Limits   []LimitConfig   `yaml:"limits"`
	Auth     AuthConfig      `yaml:"auth"`
}

// Load reads and parses the bootstrap configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks mandatory fields and cross-references.
func (c *Config) validate() error {
	if c.Proxy.Listener.Port == 0 {
		return fmt.Errorf("proxy.listener.port is required")
	}
	if c.Proxy.Listener.TLS.Enabled {
		if c.Proxy.Listener.TLS.CertFile == "" || c.Proxy.Listener.TLS.KeyFile == "" {
			return fmt.Errorf("proxy.listener.tls.enabled requires cert_file and key_file")
		}
	}

	names := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if b.Port == 0 {
			return fmt.Errorf("backends[%d].port is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("backends[%d].name %q is duplicated", i, b.Name)
		}
		names[b.Name] = true
	}

	farmNames := make(map[string]bool, len(c.Farms))
	for i, f := range c.Farms {
		if f.Name == "" {
			return fmt.Errorf("farms[%d].name is required", i)
		}
		farmNames[f.Name] = true
		for _, member := range f.Backends {
			if !names[member] {
				return fmt.Errorf("farms[%d] (%s) references unknown backend %q", i, f.Name, member)
			}
		}
	}

	for i, m := range c.Maps {
		if m.Vhost == "" {
			return fmt.Errorf("maps[%d].vhost is required", i)
		}
		switch m.Kind {
		case "farm":
			if !farmNames[m.Target] {
				return fmt.Errorf("maps[%d] (%s) references unknown farm %q", i, m.Vhost, m.Target)
			}
		case "backend":
			if !names[m.Target] {
				return fmt.Errorf("maps[%d] (%s) references unknown backend %q", i, m.Vhost, m.Target)
			}
		default:
			return fmt.Errorf("maps[%d].kind must be \"farm\" or \"backend\", got %q", i, m.Kind)
		}
	}

	if c.Proxy.DefaultFarm != "" && !farmNames[c.Proxy.DefaultFarm] {
		return fmt.Errorf("proxy.default_farm references unknown farm %q", c.Proxy.DefaultFarm)
	}

	switch c.Auth.Mode {
	case "", "always_allow":
	case "service":
		if c.Auth.Host == "" || c.Auth.Port == 0 || c.Auth.Target == "" {
			return fmt.Errorf("auth.mode service requires host, port, and target")
		}
	default:
		return fmt.Errorf("auth.mode must be \"always_allow\" or \"service\", got %q", c.Auth.Mode)
	}

	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Proxy.Listener.Addr == "" {
		c.Proxy.Listener.Addr = "0.0.0.0"
	}
	if c.Proxy.ControlSocket == "" {
		c.Proxy.ControlSocket = "/tmp/amqpprox"
	}
	if c.Proxy.MetricsPort == 0 {
		c.Proxy.MetricsPort = 9090
	}
	if c.Proxy.CleanupIntervalMs == 0 {
		c.Proxy.CleanupIntervalMs = 1000
	}
	if c.Proxy.LogDirectory == "" {
		c.Proxy.LogDirectory = "logs"
	}
	if c.Proxy.MaxFrameSize == 0 {
		c.Proxy.MaxFrameSize = 131072
	}
	if c.Proxy.ChannelMax == 0 {
		c.Proxy.ChannelMax = 2047
	}
	if c.Proxy.Heartbeat == 0 {
		c.Proxy.Heartbeat = 60
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "always_allow"
	}

	for i := range c.Backends {
		if c.Backends[i].Datacenter == "" {
			c.Backends[i].Datacenter = "default"
		}
		if c.Backends[i].IP == "" {
			c.Backends[i].IP = c.Backends[i].Host
		}
	}
}

// BackendByName returns the backend configuration for a given name.
func (c *Config) BackendByName(name string) (*BackendConfig, bool) {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i], true
		}
	}
	return nil, false
}
