package config

import (
	"strings"
	"testing"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/test"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	c, err := Load(strings.NewReader(`{}`))
	test.AssertNotError(t, err, "loading empty config")
	test.AssertEquals(t, c.MaxBodyBytes, int64(defaultMaxBodyBytes), "default max body bytes")
	test.AssertEquals(t, c.CacheTTLSecs, int64(defaultCacheTTLSecs), "default cache ttl")
	test.AssertEquals(t, c.MaxRecords, defaultMaxRecords, "default max records")
	test.AssertTrue(t, c.InterceptEnabled(), "intercept_tls defaults true")
	test.AssertTrue(t, !c.HasUpstream(), "no upstream by default")
}

func TestLoad_PreservesExplicitValues(t *testing.T) {
	c, err := Load(strings.NewReader(`{
		"listen_port": 8080,
		"upstream_proxy_host": "10.0.0.2",
		"upstream_proxy_port": 8888,
		"excluded_hosts": ["*.example.com"],
		"intercept_tls": false,
		"max_body_bytes": 2048,
		"cache_ttl_secs": 60,
		"max_records": 10
	}`))
	test.AssertNotError(t, err, "loading explicit config")
	test.AssertEquals(t, c.ListenPort, 8080, "listen port")
	test.AssertTrue(t, c.HasUpstream(), "has upstream")
	test.AssertEquals(t, c.UpstreamAddr(), "10.0.0.2:8888", "upstream addr")
	test.AssertTrue(t, !c.InterceptEnabled(), "intercept disabled")
	test.AssertEquals(t, c.MaxBodyBytes, int64(2048), "explicit max body bytes")
	test.AssertDeepEquals(t, c.ExcludedHosts, []string{"*.example.com"}, "excluded hosts")
}

func TestValidate_RejectsBadPort(t *testing.T) {
	c := Config{ListenPort: 99999}
	err := c.Validate()
	test.AssertTrue(t, berrors.Is(err, berrors.ConfigError), "expected ConfigError")
}

func TestValidate_RejectsBadUpstreamPort(t *testing.T) {
	c := Config{UpstreamProxyHost: "10.0.0.2", UpstreamProxyPort: 0}
	err := c.Validate()
	test.AssertTrue(t, berrors.Is(err, berrors.ConfigError), "expected ConfigError for upstream port")
}

func TestValidate_OK(t *testing.T) {
	c, err := Load(strings.NewReader(`{"listen_port": 8080}`))
	test.AssertNotError(t, err, "load")
	test.AssertNotError(t, c.Validate(), "valid config")
}
