package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProxyConfig is the kiosk-side Proxy's configuration: where the
// Cloud Server lives and how to authenticate to it (spec §4.8), where
// the RoutingConfig lives (spec §4.6), and the ambient logging/health
// stack.
type ProxyConfig struct {
	ServerURL         string           `yaml:"server_url"`
	Token             string           `yaml:"token"`
	RoutingConfigPath string           `yaml:"routing_config_path"`
	Logging           LoggingConfig    `yaml:"logging"`
	Health            HealthConfig     `yaml:"health"`
	Monitoring        MonitoringConfig `yaml:"monitoring"`
}

// DefaultProxyConfig mirrors the teacher's DefaultConfig() shape,
// adapted to the Proxy's smaller surface.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		RoutingConfigPath: "routes.yaml",
		Logging:           defaultLogging(),
		Health:            HealthConfig{Enabled: true, ListenAddress: ":9091"},
		Monitoring:        defaultMonitoring(),
	}
}

// LoadProxyConfig reads path (if it exists), falls back to defaults
// otherwise, applies env overrides, then validates.
func LoadProxyConfig(path string) (*ProxyConfig, error) {
	cfg := DefaultProxyConfig()

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

func (c *ProxyConfig) applyEnvOverrides() {
	if v, ok := getenv("KIOSKPROXY_SERVER_URL"); ok {
		c.ServerURL = v
	}
	if v, ok := getenv("KIOSKPROXY_TOKEN"); ok {
		c.Token = v
	}
	if v, ok := getenv("KIOSKPROXY_ROUTING_CONFIG_PATH"); ok {
		c.RoutingConfigPath = v
	}
	if v, ok := getenv("KIOSKPROXY_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := getenv("KIOSKPROXY_HEALTH_LISTEN_ADDRESS"); ok {
		c.Health.ListenAddress = v
	}
	if v, ok := getenv("KIOSKPROXY_METRICS_ENABLED"); ok {
		c.Monitoring.MetricsEnabled = parseBool(v, c.Monitoring.MetricsEnabled)
	}
	if v, ok := getenv("KIOSKPROXY_METRICS_ENDPOINT"); ok {
		c.Monitoring.MetricsEndpoint = v
	}
}

// Validate rejects a config that would leave the Proxy unable to
// connect at all, following the teacher's fail-fast Validate().
func (c *ProxyConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server_url must start with ws:// or wss://")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.RoutingConfigPath == "" {
		return fmt.Errorf("routing_config_path is required")
	}
	if err := validateLogging(c.Logging); err != nil {
		return err
	}
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
	}
	return nil
}
