// Package config provides layered configuration for sedate servers.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. .env file values
//  4. Environment variable overrides (SEDATE_ prefix)
//  5. File reference resolution (_file suffix fields)
//  6. Validation
package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Config holds all configuration for a sedate server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cookies CookieConfig  `yaml:"cookies"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Static  []StaticRoute `yaml:"static"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`            // default: ":8080"
	Engine         string        `yaml:"engine"`          // "nethttp" or "fasthttp", default: "nethttp"
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // default: 10s
	WriteTimeout   time.Duration `yaml:"write_timeout"`   // default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"` // per chain, 0 disables
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`  // default: 1MB
}

// CookieConfig holds the keys and attributes of encrypted cookies.
type CookieConfig struct {
	KeyID string `yaml:"key_id"`
	// Keys maps key IDs to base64 encoded 32 byte keys. Old keys stay
	// listed so cookies sealed with them can still be opened.
	Keys     map[string]string `yaml:"keys"`
	KeysFile string            `yaml:"keys_file"` // _file variant: the key for KeyID
	Secure   bool              `yaml:"secure"`    // default: true
	Domain   string            `yaml:"domain"`
}

// AuthConfig holds OIDC login settings. Login is disabled when Issuer is empty.
type AuthConfig struct {
	Issuer           string   `yaml:"issuer"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretFile string   `yaml:"client_secret_file"` // _file variant for client_secret
	PublicURL        string   `yaml:"public_url"`
	BasePath         string   `yaml:"base_path"` // default: "/auth"
	Scopes           []string `yaml:"scopes"`    // default: openid, email
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// StaticRoute is a canned response.
type StaticRoute struct {
	// Pattern is an http.ServeMux pattern such as "GET /healthz".
	Pattern string            `yaml:"pattern"`
	Status  int               `yaml:"status"` // default: 200
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			Engine:       "nethttp",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Cookies: CookieConfig{
			Secure: true,
		},
		Auth: AuthConfig{
			BasePath: "/auth",
			Scopes:   []string{"openid", "email"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// CookieKeys decodes the cookie keys.
func (c CookieConfig) CookieKeys() (map[string][]byte, error) {
	keys := make(map[string][]byte, len(c.Keys))
	for id, enc := range c.Keys {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("cookies.keys.%s: %w", id, err)
		}
		keys[id] = b
	}
	return keys, nil
}

// AuthEnabled reports whether OIDC login is configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Issuer != ""
}
