package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the Cloud Server's configuration: the listen
// address clients and kiosks connect to, the duplicate-connection
// policy and kiosk timeout ConnectionManager/RequestRouter need, the
// auth secret the HMACVerifier is built from, and the ambient
// logging/health/monitoring stack.
type ServerConfig struct {
	ListenAddress    string               `yaml:"listen_address"`
	KioskTimeout     time.Duration        `yaml:"kiosk_timeout"`
	KiosksConfigPath string               `yaml:"kiosks_config_path"`
	Security         ServerSecurityConfig `yaml:"security"`
	Logging          LoggingConfig        `yaml:"logging"`
	Health           HealthConfig         `yaml:"health"`
	Monitoring       MonitoringConfig     `yaml:"monitoring"`
}

// ServerSecurityConfig groups the Server's auth and rate-limiting knobs.
type ServerSecurityConfig struct {
	AuthSecret                string          `yaml:"auth_secret"`
	AllowDuplicateConnections bool            `yaml:"allow_duplicate_connections"`
	RateLimit                 RateLimitConfig `yaml:"rate_limit"`
}

// DefaultServerConfig mirrors the teacher's DefaultConfig(): every
// field pre-populated with a safe value so a caller can start from
// this and override just what it needs.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddress:    ":8080",
		KioskTimeout:     45 * time.Second,
		KiosksConfigPath: "kiosks.yaml",
		Security: ServerSecurityConfig{
			AllowDuplicateConnections: false,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
			},
		},
		Logging:    defaultLogging(),
		Health:     HealthConfig{Enabled: true, ListenAddress: ":8081"},
		Monitoring: defaultMonitoring(),
	}
}

// LoadServerConfig reads path (if it exists), falls back to defaults
// otherwise, applies env overrides, then validates.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides follows the teacher's KIOSKSERVER_-prefixed
// pattern (config.go's CLAWREACH_ prefix), letting deployment tooling
// override secrets and addresses without touching the YAML file.
func (c *ServerConfig) applyEnvOverrides() {
	if v, ok := getenv("KIOSKSERVER_LISTEN_ADDRESS"); ok {
		c.ListenAddress = v
	}
	if v, ok := getenv("KIOSKSERVER_KIOSK_TIMEOUT"); ok {
		c.KioskTimeout = parseDuration(v, c.KioskTimeout)
	}
	if v, ok := getenv("KIOSKSERVER_KIOSKS_CONFIG_PATH"); ok {
		c.KiosksConfigPath = v
	}
	if v, ok := getenv("KIOSKSERVER_AUTH_SECRET"); ok {
		c.Security.AuthSecret = v
	}
	if v, ok := getenv("KIOSKSERVER_ALLOW_DUPLICATE_CONNECTIONS"); ok {
		c.Security.AllowDuplicateConnections = parseBool(v, c.Security.AllowDuplicateConnections)
	}
	if v, ok := getenv("KIOSKSERVER_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := getenv("KIOSKSERVER_HEALTH_LISTEN_ADDRESS"); ok {
		c.Health.ListenAddress = v
	}
}

// ApplyReloadableFields returns a copy of c with the fields a SIGHUP
// reload is allowed to change taken from newCfg: rate limiting, the
// auth secret, and the logging level. Everything else — listen
// addresses, kiosk timeout, the kiosks roster path, duplicate-
// connection policy, health and monitoring — keeps its old value,
// since changing those safely requires rebinding listeners or
// reloading the registry.
func (c *ServerConfig) ApplyReloadableFields(newCfg *ServerConfig) *ServerConfig {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthSecret = newCfg.Security.AuthSecret
	updated.Logging.Level = newCfg.Logging.Level
	return &updated
}

// IsReloadSafe reports which changed fields a SIGHUP reload cannot
// apply, so the caller can warn the operator that they were ignored.
func IsReloadSafe(old, new *ServerConfig) []string {
	var warnings []string
	if old.ListenAddress != new.ListenAddress {
		warnings = append(warnings, "listen_address requires restart")
	}
	if old.KioskTimeout != new.KioskTimeout {
		warnings = append(warnings, "kiosk_timeout requires restart")
	}
	if old.KiosksConfigPath != new.KiosksConfigPath {
		warnings = append(warnings, "kiosks_config_path requires restart")
	}
	if old.Security.AllowDuplicateConnections != new.Security.AllowDuplicateConnections {
		warnings = append(warnings, "security.allow_duplicate_connections requires restart")
	}
	if old.Health != new.Health {
		warnings = append(warnings, "health requires restart")
	}
	if old.Monitoring != new.Monitoring {
		warnings = append(warnings, "monitoring requires restart")
	}
	return warnings
}

// Validate rejects a config that would make the Server start in a
// broken or insecure state, following the teacher's fail-fast-on-
// startup philosophy (config.go's Validate()).
func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("listen_address is invalid: %w", err)
	}
	if c.KioskTimeout <= 0 {
		return fmt.Errorf("kiosk_timeout must be positive")
	}
	if c.Security.AuthSecret == "" {
		return fmt.Errorf("security.auth_secret is required")
	}
	if len(c.Security.AuthSecret) < 16 {
		return fmt.Errorf("security.auth_secret must be at least 16 characters")
	}
	if err := validateRateLimit(c.Security.RateLimit); err != nil {
		return err
	}
	if err := validateLogging(c.Logging); err != nil {
		return err
	}
	if err := validateHealth(c.Health, c.ListenAddress); err != nil {
		return err
	}
	return nil
}
