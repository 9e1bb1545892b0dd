package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(filename, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if config.CacheName != "birthday-cache-v2" || len(config.Precache) != 3 || config.Precache[0] != "./" {
		t.Fatalf("Defaults are %+v", config)
	}
	if config.Storage.Provider != ProviderMemory {
		t.Fatalf("Default provider is %q", config.Storage.Provider)
	}
}

func TestLoadFileOverDefaults(t *testing.T) {
	filename := writeConfig(t, `
origin: https://birthdays.example.com
cacheName: birthday-cache-v3
storage:
  provider: bolt
  path: /tmp/cache.bolt
`)
	config, err := Load(filename)
	if err != nil {
		t.Fatal(err)
	}
	if config.Origin != "https://birthdays.example.com" || config.CacheName != "birthday-cache-v3" {
		t.Fatalf("Config is %+v", config)
	}
	if config.Storage.Provider != ProviderBolt || config.Storage.Path != "/tmp/cache.bolt" {
		t.Fatalf("Storage is %+v", config.Storage)
	}
	// untouched values keep their defaults
	if config.Port != 8080 || len(config.Precache) != 3 {
		t.Fatalf("Defaults lost: %+v", config)
	}
	if err := config.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	filename := writeConfig(t, "origin: https://a.example.com\ncacheName: from-file\n")
	t.Setenv("OFFLINE_CACHE_NAME", "from-env")
	t.Setenv("OFFLINE_CACHE_PRECACHE", "./,./app.js")
	t.Setenv("OFFLINE_CACHE_STORAGE_PROVIDER", "redis")

	config, err := Load(filename)
	if err != nil {
		t.Fatal(err)
	}
	if config.CacheName != "from-env" || config.Origin != "https://a.example.com" {
		t.Fatalf("Config is %+v", config)
	}
	if len(config.Precache) != 2 || config.Precache[1] != "./app.js" {
		t.Fatalf("Precache is %v", config.Precache)
	}
	if config.Storage.Provider != ProviderRedis {
		t.Fatalf("Provider is %q", config.Storage.Provider)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Origin = "http://localhost:3000"
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}
	if u := valid.OriginURL(); u.Host != "localhost:3000" {
		t.Fatalf("Origin URL is %v", u)
	}

	cases := map[string]func(*Config){
		"empty cache name": func(c *Config) { c.CacheName = "" },
		"missing origin":   func(c *Config) { c.Origin = "" },
		"relative origin":  func(c *Config) { c.Origin = "/app" },
		"bad port":         func(c *Config) { c.Port = 0 },
		"unknown provider": func(c *Config) { c.Storage.Provider = "s3" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			c.Precache = append([]string(nil), valid.Precache...)
			mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate returned %v", err)
			}
		})
	}
}
