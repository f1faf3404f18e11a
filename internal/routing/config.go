// Package routing loads the Proxy's RoutingConfig (spec §3/§4.6): a
// YAML-defined map from operation_type to a gateway route. Grounded on
// the original's _load_routing_config/_get_gateway_route
// (client/src/ws_client/proxy.py).
package routing

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Route is one gateway destination: a URL and an end-to-end timeout.
type Route struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// rawRoute mirrors Route but with Timeout as plain seconds, matching
// the original's routing_config.yaml ("timeout: 30") shape.
type rawRoute struct {
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"`
}

type rawConfig struct {
	Routes  map[string]rawRoute `yaml:"routes"`
	Default *rawRoute           `yaml:"default"`
}

// Config is the immutable, loaded routing table.
type Config struct {
	routes  map[string]Route
	fallback *Route
}

// Load reads and parses a routing config YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routing: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("routing: invalid YAML: %w", err)
	}

	routes := make(map[string]Route, len(raw.Routes))
	for op, r := range raw.Routes {
		if r.URL == "" {
			return nil, fmt.Errorf("routing: route %q missing url", op)
		}
		routes[op] = Route{URL: r.URL, Timeout: time.Duration(r.Timeout) * time.Second}
	}

	cfg := &Config{routes: routes}
	if raw.Default != nil {
		if raw.Default.URL == "" {
			return nil, fmt.Errorf("routing: default route missing url")
		}
		cfg.fallback = &Route{URL: raw.Default.URL, Timeout: time.Duration(raw.Default.Timeout) * time.Second}
	}
	return cfg, nil
}

// Resolve returns the route for operationType: an exact match if present,
// else the default route, else ok=false (spec §4.6 step 4).
func (c *Config) Resolve(operationType string) (Route, bool) {
	if r, ok := c.routes[operationType]; ok {
		return r, true
	}
	if c.fallback != nil {
		return *c.fallback, true
	}
	return Route{}, false
}

// Len reports the number of explicitly configured routes (not counting
// the default), for the Proxy health endpoint's routes_configured field.
func (c *Config) Len() int {
	return len(c.routes)
}
