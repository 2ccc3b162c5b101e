// Package config loads the engine's JSON configuration. Boulder's own
// cmd/ binaries read bespoke JSON structs with encoding/json rather than a
// third-party config library; we follow that idiom here since there is
// nothing in the reference pack worth depending on for this concern.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kestrelproxy/mitm/berrors"
)

// Config holds every field from the spec's external-interfaces section,
// all optional with defaults applied by Load.
type Config struct {
	ListenPort int `json:"listen_port"`

	UpstreamProxyHost string `json:"upstream_proxy_host"`
	UpstreamProxyPort int    `json:"upstream_proxy_port"`

	ExcludedHosts []string `json:"excluded_hosts"`

	InterceptTLS *bool `json:"intercept_tls"`

	MaxBodyBytes int64 `json:"max_body_bytes"`
	CacheTTLSecs int64 `json:"cache_ttl_secs"`
	MaxRecords   int   `json:"max_records"`
}

const (
	defaultMaxBodyBytes = 1 << 20 // 1 MiB
	defaultCacheTTLSecs = 3600
	defaultMaxRecords   = 1000
)

// Load parses JSON configuration from r and applies defaults.
func Load(r io.Reader) (Config, error) {
	var c Config
	dec := json.NewDecoder(r)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("config: parsing JSON: %w", err)
	}
	return c.withDefaults(), nil
}

// withDefaults returns a copy of c with every unset field replaced by its
// documented default.
func (c Config) withDefaults() Config {
	out := c
	if out.MaxBodyBytes <= 0 {
		out.MaxBodyBytes = defaultMaxBodyBytes
	}
	if out.CacheTTLSecs <= 0 {
		out.CacheTTLSecs = defaultCacheTTLSecs
	}
	if out.MaxRecords <= 0 {
		out.MaxRecords = defaultMaxRecords
	}
	if out.InterceptTLS == nil {
		t := true
		out.InterceptTLS = &t
	}
	return out
}

// HasUpstream reports whether an upstream proxy is configured; its absence
// means the engine connects to targets directly.
func (c Config) HasUpstream() bool {
	return c.UpstreamProxyHost != ""
}

// UpstreamAddr returns "host:port" for the configured upstream proxy.
func (c Config) UpstreamAddr() string {
	return fmt.Sprintf("%s:%d", c.UpstreamProxyHost, c.UpstreamProxyPort)
}

// CacheTTL returns the leaf cache TTL as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// InterceptEnabled reports whether TLS interception is enabled (default
// true per the spec).
func (c Config) InterceptEnabled() bool {
	return c.InterceptTLS == nil || *c.InterceptTLS
}

// Validate returns a berrors.ConfigError-typed error for any field outside
// its valid range; configuration errors are fatal only at start-up, per the
// spec's error propagation policy.
func (c Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return berrors.Configf("listen_port %d out of range", c.ListenPort)
	}
	if c.HasUpstream() && (c.UpstreamProxyPort <= 0 || c.UpstreamProxyPort > 65535) {
		return berrors.Configf("upstream_proxy_port %d out of range", c.UpstreamProxyPort)
	}
	return nil
}
