// Package config loads the offline cache command configuration.
// Values are read from an optional YAML file and then overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	ProviderMemory = "memory"
	ProviderSQLite = "sqlite"
	ProviderBolt   = "bolt"
	ProviderRedis  = "redis"
)

var ErrInvalid = errors.New("invalid config")

var providers = []string{ProviderMemory, ProviderSQLite, ProviderBolt, ProviderRedis}

type Config struct {
	// URL of the origin server.
	Origin string `yaml:"origin" env:"OFFLINE_CACHE_ORIGIN"`
	// Hostname to use for HTTP requests and TLS negotiation.
	Host string `yaml:"host" env:"OFFLINE_CACHE_HOST"`
	Port int    `yaml:"port" env:"OFFLINE_CACHE_PORT"`
	// Cache generation identifier.
	CacheName string   `yaml:"cacheName" env:"OFFLINE_CACHE_NAME"`
	Precache  []string `yaml:"precache" env:"OFFLINE_CACHE_PRECACHE" envSeparator:","`
	Storage   Storage  `yaml:"storage" envPrefix:"OFFLINE_CACHE_STORAGE_"`
	// OTLP HTTP endpoint; tracing is disabled if empty.
	OTelEndpoint string `yaml:"otelEndpoint" env:"OFFLINE_CACHE_OTEL_ENDPOINT"`
}

type Storage struct {
	Provider string `yaml:"provider" env:"PROVIDER"`
	// Database file for the sqlite and bolt providers.
	Path           string `yaml:"path" env:"PATH"`
	RedisAddr      string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisNamespace string `yaml:"redisNamespace" env:"REDIS_NAMESPACE"`
}

// Default returns the configuration of the birthday app agent.
func Default() Config {
	return Config{
		Port:      8080,
		CacheName: "birthday-cache-v2",
		Precache: []string{
			"./",
			"./manifest.json",
			"https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css",
		},
		Storage: Storage{
			Provider:       ProviderMemory,
			Path:           "cache.db",
			RedisAddr:      "localhost:6379",
			RedisNamespace: "offline-cache",
		},
	}
}

// Load reads filename (skipped if empty) over the defaults and applies environment overrides.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// Validate checks that the config can be used to start the command.
func (c Config) Validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("%w: cache name is empty", ErrInvalid)
	}
	if c.Origin == "" {
		return fmt.Errorf("%w: origin is required", ErrInvalid)
	}
	u, err := url.Parse(c.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: origin %q is not an absolute URL", ErrInvalid, c.Origin)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Port)
	}
	if !slices.Contains(providers, c.Storage.Provider) {
		return fmt.Errorf("%w: unknown storage provider %q", ErrInvalid, c.Storage.Provider)
	}
	return nil
}

// OriginURL returns the parsed origin. Call Validate first.
func (c Config) OriginURL() url.URL {
	u, _ := url.Parse(c.Origin)
	if u == nil {
		return url.URL{}
	}
	return *u
}
