package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	cacheproxy "github.com/always-cache/cache-proxy"
	"github.com/always-cache/cache-proxy/cache"
)

const (
	defaultConfigFilename = "proxy_server.yaml"
	configFilenameEnv     = "CACHE_PROXY_CONFIG"
)

type Config struct {
	ProxyServer ProxyServerConfig `yaml:"proxy_server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Cache       CacheConfig       `yaml:"cache"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type ProxyServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Seconds a response stays cached.
	TTL int `yaml:"ttl"`
}

type UpstreamConfig struct {
	// Required. Must not point back at the proxy itself.
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
	// Zero selects a default that fits the cache provider.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
	Coalesce     bool  `yaml:"coalesce"`
}

type CacheConfig struct {
	Provider string `yaml:"provider"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func defaultConfig() Config {
	return Config{
		ProxyServer: ProxyServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Cache: CacheConfig{
			Provider: cache.ProviderMemcached,
			Host:     "127.0.0.1",
			Port:     11211,
			Path:     "cache.db",
		},
	}
}

// configFilename picks the config file: flag, then environment, then the default name.
func configFilename(flagValue string, getenv func(string) string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := getenv(configFilenameEnv); env != "" {
		return env
	}
	return defaultConfigFilename
}

// getConfig reads the YAML config file on top of the defaults.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// overrides holds the listen host, port and TTL given on the command line.
type overrides struct {
	server    string
	port      int
	ttl       int
	serverSet bool
	portSet   bool
	ttlSet    bool
}

// complete reports whether all three values were given.
// Only a complete set overrides the config file.
func (o overrides) complete() bool {
	return o.serverSet && o.portSet && o.ttlSet
}

func (o overrides) apply(config Config) Config {
	if !o.complete() {
		return config
	}
	config.ProxyServer.Host = o.server
	config.ProxyServer.Port = o.port
	config.ProxyServer.TTL = o.ttl
	return config
}

// limitBodyForProvider lowers the default body limit to what the cache provider can store.
// It reports the limit it set, or zero when the configured value is kept.
func (c *Config) limitBodyForProvider() int64 {
	if c.Upstream.MaxBodyBytes != 0 || c.Cache.Provider != cache.ProviderMemcached {
		return 0
	}
	c.Upstream.MaxBodyBytes = cache.MemcachedMaxBodyBytes
	return c.Upstream.MaxBodyBytes
}

// forwardsToSelf reports whether the upstream address is the proxy's own listen address.
func (c Config) forwardsToSelf() bool {
	if c.Upstream.Port != c.ProxyServer.Port {
		return false
	}
	if strings.EqualFold(c.Upstream.Host, c.ProxyServer.Host) {
		return true
	}
	return isLocalHost(c.Upstream.Host) && isLocalHost(c.ProxyServer.Host)
}

func isLocalHost(host string) bool {
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func (c Config) validate() error {
	var errs []error
	if c.ProxyServer.Port <= 0 || c.ProxyServer.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid listen port %d", c.ProxyServer.Port))
	}
	if c.ProxyServer.TTL < 0 {
		errs = append(errs, fmt.Errorf("invalid ttl %d", c.ProxyServer.TTL))
	}
	switch {
	case c.Upstream.Host == "":
		errs = append(errs, errors.New("upstream host not configured"))
	case c.Upstream.Port <= 0 || c.Upstream.Port > 65535:
		errs = append(errs, fmt.Errorf("invalid upstream port %d", c.Upstream.Port))
	case c.forwardsToSelf():
		errs = append(errs, fmt.Errorf("upstream %s:%d is the proxy's own listen address", c.Upstream.Host, c.Upstream.Port))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, fmt.Errorf("invalid upstream timeout %s", c.Upstream.Timeout))
	}
	switch c.Cache.Provider {
	case cache.ProviderMemory, cache.ProviderSQLite:
	case cache.ProviderMemcached:
		if c.Cache.Host == "" || c.Cache.Port <= 0 || c.Cache.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid memcached address %s:%d", c.Cache.Host, c.Cache.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", cache.ErrUnknownProvider, c.Cache.Provider))
	}
	return errors.Join(errs...)
}

func (c Config) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.ProxyServer.Host, c.ProxyServer.Port)
}

func (c Config) cacheOptions() cache.Options {
	return cache.Options{
		Host: c.Cache.Host,
		Port: c.Cache.Port,
		Path: c.Cache.Path,
	}
}

// proxyConfig builds the proxy configuration; logger and metrics are added by the caller.
func (c Config) proxyConfig(provider cache.CacheProvider) cacheproxy.Config {
	return cacheproxy.Config{
		Cache:           provider,
		UpstreamHost:    c.Upstream.Host,
		UpstreamPort:    c.Upstream.Port,
		TTL:             time.Duration(c.ProxyServer.TTL) * time.Second,
		UpstreamTimeout: c.Upstream.Timeout,
		MaxBodyBytes:    c.Upstream.MaxBodyBytes,
		Coalesce:        c.Upstream.Coalesce,
	}
}
