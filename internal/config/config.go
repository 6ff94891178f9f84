// Package config provides configuration types for meshmcp.
//
// The schema is intentionally small: most runtime state (configured
// upstreams, downstream endpoints, custom tools) lives in state.json and is
// managed through the admin API, not the YAML file. The YAML file covers
// process-level settings that make sense to fix at deploy time: listener
// address, logging, where state.json lives, and the cache/endpoint tuning
// knobs.
package config

import (
	"os"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for meshmcp.
type Config struct {
	// Server configures the HTTP listener serving the MCP route, the admin
	// API, and /health and /metrics.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream optionally bootstraps a single upstream MCP server from YAML.
	// Most deployments configure upstreams through the admin API instead,
	// which persists them to state.json; this field exists for the simplest
	// single-process case (config file only, no admin calls needed).
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// State configures where runtime state (upstreams, endpoints, custom
	// tools) is persisted.
	State StateConfig `yaml:"state" mapstructure:"state"`

	// Endpoint holds reconnect and liveness settings for downstream
	// endpoints. They are defaulted and validated only: the endpoint manager
	// does not read them and always uses 2s base delay, 60s max delay, 16
	// attempts, a 30s ping interval and 2 missed pongs.
	Endpoint EndpointConfig `yaml:"endpoint" mapstructure:"endpoint"`

	// Cache tunes the tool-call result cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// DevMode enables permissive defaults and verbose logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AdminPathPrefix defaults to "/admin". It is not read when routes are
	// built: the HTTP transport always mounts the admin REST API under
	// /admin.
	AdminPathPrefix string `yaml:"admin_path_prefix" mapstructure:"admin_path_prefix"`

	// AllowedOrigins lists Origin header values accepted for browser-borne
	// requests (DNS rebinding protection). Empty means only requests without
	// an Origin header are accepted.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// UpstreamConfig configures a single bootstrap upstream MCP server.
// At most one of HTTP or Command may be set.
type UpstreamConfig struct {
	// HTTP is the URL of a remote MCP server (e.g. "http://localhost:3000/mcp").
	HTTP string `yaml:"http" mapstructure:"http" validate:"omitempty,url"`

	// Command is the path to an MCP server executable to spawn as a subprocess.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are the arguments to pass to the subprocess command.
	Args []string `yaml:"args" mapstructure:"args"`

	// HTTPTimeout is the timeout for HTTP requests to the upstream (e.g. "30s").
	// Defaults to "30s" if not specified.
	HTTPTimeout string `yaml:"http_timeout" mapstructure:"http_timeout" validate:"omitempty"`
}

// StateConfig configures runtime state persistence.
type StateConfig struct {
	// Path is the location of the state.json file.
	// Defaults to "./state.json".
	Path string `yaml:"path" mapstructure:"path"`
}

// EndpointConfig tunes the downstream endpoint manager.
type EndpointConfig struct {
	// ReconnectBaseDelay is the base delay before the first reconnect retry
	// (e.g. "2s"). Defaults to "2s".
	ReconnectBaseDelay string `yaml:"reconnect_base_delay" mapstructure:"reconnect_base_delay" validate:"omitempty"`

	// ReconnectMaxDelay caps the exponential backoff delay (e.g. "60s").
	// Defaults to "60s".
	ReconnectMaxDelay string `yaml:"reconnect_max_delay" mapstructure:"reconnect_max_delay" validate:"omitempty"`

	// MaxAttempts is the number of reconnect attempts before an endpoint is
	// suspended. Defaults to 16.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"omitempty,min=1"`

	// PingInterval is how often a liveness ping is sent on an idle
	// connection (e.g. "30s"). Defaults to "30s".
	PingInterval string `yaml:"ping_interval" mapstructure:"ping_interval" validate:"omitempty"`

	// MaxMissedPongs is the number of consecutive missed pongs before a
	// connection is considered dead and dropped for reconnect. Defaults to 2.
	MaxMissedPongs int `yaml:"max_missed_pongs" mapstructure:"max_missed_pongs" validate:"omitempty,min=1"`
}

// CacheConfig tunes the tool-call result cache.
type CacheConfig struct {
	// Enabled turns the result cache on or off. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// DBPath is the sqlite file used for best-effort persistence across
	// restarts. Defaults to "./cache.db".
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// TTL is how long a cached result stays valid (e.g. "5m").
	// Defaults to "5m".
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty"`

	// CleanupInterval is how often expired entries are swept (e.g. "1m").
	// Defaults to "1m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied before validation so the server can start with minimal config.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "debug"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only for security. Operators who
	// need network access must explicitly set http_addr.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.AdminPathPrefix == "" {
		c.Server.AdminPathPrefix = "/admin"
	}

	// Upstream defaults
	if c.Upstream.HTTPTimeout == "" {
		c.Upstream.HTTPTimeout = "30s"
	}

	// State defaults
	if c.State.Path == "" {
		if home, err := os.UserHomeDir(); err == nil && c.DevMode {
			c.State.Path = home + "/.meshmcp/state.json"
		} else {
			c.State.Path = "./state.json"
		}
	}

	// Endpoint manager defaults
	if c.Endpoint.ReconnectBaseDelay == "" {
		c.Endpoint.ReconnectBaseDelay = "2s"
	}
	if c.Endpoint.ReconnectMaxDelay == "" {
		c.Endpoint.ReconnectMaxDelay = "60s"
	}
	if c.Endpoint.MaxAttempts == 0 {
		c.Endpoint.MaxAttempts = 16
	}
	if c.Endpoint.PingInterval == "" {
		c.Endpoint.PingInterval = "30s"
	}
	if c.Endpoint.MaxMissedPongs == 0 {
		c.Endpoint.MaxMissedPongs = 2
	}

	// Cache defaults — enabled by default. Only apply when the user hasn't
	// explicitly set it in YAML/env, so cache.enabled: false is respected.
	if !viper.IsSet("cache.enabled") {
		c.Cache.Enabled = true
	}
	if c.Cache.DBPath == "" {
		c.Cache.DBPath = "./cache.db"
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = "5m"
	}
	if c.Cache.CleanupInterval == "" {
		c.Cache.CleanupInterval = "1m"
	}
}
