package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Registry     RegistryConfig      `yaml:"registry"`
	Session      SessionConfig       `yaml:"session"`
	RateLimit    RateLimitConfig     `yaml:"rate_limit"`
	Applications []ApplicationConfig `yaml:"applications"`
	Peers        []PeerConfig        `yaml:"peers,omitempty"`
	Discovery    DiscoveryConfig     `yaml:"discovery"`
	Logger       LoggerConfig        `yaml:"logger"`
	Tracer       TracerConfig        `yaml:"tracer"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	Addr    string `yaml:"addr"`     // gateway: HTTP API + observer websocket
	MCPAddr string `yaml:"mcp_addr"` // agent tool endpoint (MCP over SSE)
	// BaseURL is the externally reachable URL prefix injected into launched
	// agents. Defaults to "http://127.0.0.1<mcp_addr>".
	BaseURL string `yaml:"base_url,omitempty"`
}

// RegistrySource declares one source of agent definitions.
type RegistrySource struct {
	Kind string `yaml:"kind"` // "path", "inline", "index", "git"
	// Path is a YAML file or directory (kind=path), or the in-repo path
	// inside a cloned git source (kind=git, optional).
	Path string `yaml:"path,omitempty"`
	// URL is the index URL (kind=index) or clone URL (kind=git).
	URL string `yaml:"url,omitempty"`
	// Ref is the git ref to clone (kind=git, default: remote HEAD).
	Ref string `yaml:"ref,omitempty"`
	// Agents holds inline definitions (kind=inline), parsed by the
	// registry package.
	Agents []yaml.Node `yaml:"agents,omitempty"`
}

// RegistryConfig lists the sources merged into the effective registry.
type RegistryConfig struct {
	Sources []RegistrySource `yaml:"sources"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// IdleTTL closes sessions with no activity for this long. 0 disables
	// the janitor.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// DrainGrace is the window between Draining and Closed during which
	// in-flight reads may finish.
	DrainGrace time.Duration `yaml:"drain_grace"`
	// JanitorSchedule is a cron expression for the idle sweep
	// (default: "@every 1m").
	JanitorSchedule string `yaml:"janitor_schedule"`
}

// RateLimitConfig bounds inbound tool calls per connected agent.
type RateLimitConfig struct {
	PerAgentPerSecond float64 `yaml:"per_agent_per_second"` // default: 10
	Burst             int     `yaml:"burst"`                // default: 20
}

// ApplicationConfig is one application credential. PrivacyKeyDigest is the
// hex argon2id digest of the privacy key under Salt.
type ApplicationConfig struct {
	ID               string `yaml:"id"`
	PrivacyKeyDigest string `yaml:"privacy_key_digest"`
	Salt             string `yaml:"salt"`
}

// PeerConfig names a remote peer server reachable for remote sessions.
type PeerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"` // websocket URL, e.g. "ws://host:5555/peer"
}

// DiscoveryConfig enables mDNS discovery of peer servers. Requires the
// binary to be built with the "mdns" tag; otherwise the noop discoverer is
// used regardless of this flag.
type DiscoveryConfig struct {
	MDNS         bool          `yaml:"mdns"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "noop"
}

// Load reads the YAML config at path, applies env-var overrides, fills
// defaults, and validates the result. An empty path skips the file and
// uses env overrides and defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Env overrides take precedence over file values. PRSUM_ prefix.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PRSUM_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("PRSUM_MCP_ADDR"); v != "" {
		c.Server.MCPAddr = v
	}
	if v := os.Getenv("PRSUM_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("PRSUM_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := os.Getenv("PRSUM_LOG_FORMAT"); v != "" {
		c.Logger.Format = v
	}
	if v := os.Getenv("PRSUM_SESSION_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.IdleTTL = d
		}
	}
	if v := os.Getenv("PRSUM_TRACING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracer.Enabled = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":5555"
	}
	if c.Server.MCPAddr == "" {
		c.Server.MCPAddr = ":5556"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://127.0.0.1" + c.Server.MCPAddr
	}
	if c.Session.DrainGrace <= 0 {
		c.Session.DrainGrace = 5 * time.Second
	}
	if c.Session.JanitorSchedule == "" {
		c.Session.JanitorSchedule = "@every 1m"
	}
	if c.RateLimit.PerAgentPerSecond <= 0 {
		c.RateLimit.PerAgentPerSecond = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.Discovery.ScanInterval <= 0 {
		c.Discovery.ScanInterval = 30 * time.Second
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Tracer.Exporter == "" {
		c.Tracer.Exporter = "noop"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	for i, src := range c.Registry.Sources {
		switch src.Kind {
		case "path":
			if src.Path == "" {
				return fmt.Errorf("registry source %d: path kind requires path", i)
			}
		case "index", "git":
			if src.URL == "" {
				return fmt.Errorf("registry source %d: %s kind requires url", i, src.Kind)
			}
		case "inline":
			if len(src.Agents) == 0 {
				return fmt.Errorf("registry source %d: inline kind requires agents", i)
			}
		default:
			return fmt.Errorf("registry source %d: unknown kind %q", i, src.Kind)
		}
	}
	for i, app := range c.Applications {
		if app.ID == "" {
			return fmt.Errorf("application %d: id is required", i)
		}
		if app.PrivacyKeyDigest == "" {
			return fmt.Errorf("application %q: privacy_key_digest is required", app.ID)
		}
	}
	for i, peer := range c.Peers {
		if peer.Name == "" || peer.URL == "" {
			return fmt.Errorf("peer %d: name and url are required", i)
		}
	}
	return nil
}
