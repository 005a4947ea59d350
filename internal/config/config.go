// ABOUTME: Configuration loading and parsing for tether-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tether-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Pairing      PairingConfig      `yaml:"pairing"`
	Auth         AuthConfig         `yaml:"auth"`
	TrustedProxy TrustedProxyConfig `yaml:"trusted_proxy"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Handshake    HandshakeConfig    `yaml:"handshake"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	// Addr serves both the WebSocket endpoint and the admin HTTP API.
	Addr string `yaml:"addr"`

	// AllowedOrigins restricts browser WebSocket upgrades. Empty means
	// same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration.
// When enabled the gateway also serves as a tailnet node and peers are
// identified via WhoIs on their connection address.
type TailscaleConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Hostname   string `yaml:"hostname"`
	AuthKey    string `yaml:"auth_key"`
	StateDir   string `yaml:"state_dir"`
	Ephemeral  bool   `yaml:"ephemeral"`
	AuthBypass bool   `yaml:"auth_bypass"` // accept WhoIs identity in place of the shared secret
}

// PairingConfig holds pairing registry configuration
type PairingConfig struct {
	DBPath string `yaml:"db_path"`
}

// AuthConfig holds shared-secret and signature verification configuration
type AuthConfig struct {
	// Mode selects the shared-secret form: "token", "password", or "none".
	Mode string `yaml:"mode"`
	// Token is the shared token compared in constant time ("token" mode).
	Token string `yaml:"token"`
	// PasswordHash is the bcrypt hash of the shared password ("password" mode).
	PasswordHash string `yaml:"password_hash"`
	// AdminJWTSecret signs admin API bearer tokens. Empty disables the
	// admin API entirely.
	AdminJWTSecret string `yaml:"admin_jwt_secret"`
	// SharedSecretScopes is the baseline scope grant for callers that
	// authenticate without a paired device identity. Defaults to none.
	// operator.admin is refused here regardless of what is configured.
	SharedSecretScopes []string `yaml:"shared_secret_scopes"`

	SignatureMaxAge time.Duration `yaml:"-"`

	SignatureMaxAgeRaw string `yaml:"signature_max_age"`
}

// TrustedProxyConfig holds reverse-proxy identity assertion configuration
type TrustedProxyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Proxies lists the source IPs whose identity headers are trusted.
	Proxies []string `yaml:"proxies"`
	// IdentityHeader names the header carrying the pre-authenticated principal.
	IdentityHeader string `yaml:"identity_header"`
	// RequiredHeaders must all be present with exactly these values.
	RequiredHeaders map[string]string `yaml:"required_headers"`
}

// RateLimitConfig holds failure lockout configuration
type RateLimitConfig struct {
	MaxAttempts    int  `yaml:"max_attempts"`
	ExemptLoopback bool `yaml:"exempt_loopback"`

	Window  time.Duration `yaml:"-"`
	Lockout time.Duration `yaml:"-"`

	WindowRaw  string `yaml:"window"`
	LockoutRaw string `yaml:"lockout"`
}

// HandshakeConfig holds per-connection handshake timing configuration
type HandshakeConfig struct {
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Pairing.DBPath == "" {
		return fmt.Errorf("pairing.db_path is required")
	}

	switch c.Auth.Mode {
	case "", "none":
	case "token":
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token is required when auth.mode is token")
		}
	case "password":
		if c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth.password_hash is required when auth.mode is password")
		}
	default:
		return fmt.Errorf("auth.mode must be one of token, password, none (got %q)", c.Auth.Mode)
	}

	if c.TrustedProxy.Enabled {
		if len(c.TrustedProxy.Proxies) == 0 {
			return fmt.Errorf("trusted_proxy.proxies is required when trusted_proxy is enabled")
		}
		if c.TrustedProxy.IdentityHeader == "" {
			return fmt.Errorf("trusted_proxy.identity_header is required when trusted_proxy is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.SignatureMaxAgeRaw, &cfg.Auth.SignatureMaxAge, "auth.signature_max_age"},
		{cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window, "ratelimit.window"},
		{cfg.RateLimit.LockoutRaw, &cfg.RateLimit.Lockout, "ratelimit.lockout"},
		{cfg.Handshake.TimeoutRaw, &cfg.Handshake.Timeout, "handshake.timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
