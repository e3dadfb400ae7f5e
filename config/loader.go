package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SEDATE_CONFIG env, ./sedate.yaml)
//  3. .env file (SEDATE_ENV_FILE env, ./.env); real environment variables win
//  4. SEDATE_* environment variable overrides
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	dotenv, err := readDotEnv()
	if err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	if err := applyEnvOverrides(&cfg, envLookup(dotenv)); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. SEDATE_CONFIG environment variable
// 3. ./sedate.yaml in the current directory
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("SEDATE_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("sedate.yaml"); err == nil {
		return "sedate.yaml"
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// readDotEnv reads the .env file without touching the process environment.
// A missing default file is not an error; a missing SEDATE_ENV_FILE is.
func readDotEnv() (map[string]string, error) {
	path := os.Getenv("SEDATE_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vals, nil
}

// envLookup prefers the process environment over dotenv values.
func envLookup(dotenv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

// applyEnvOverrides maps SEDATE_* variables to config fields.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("SEDATE_ADDR", &cfg.Server.Addr)
	str("SEDATE_ENGINE", &cfg.Server.Engine)
	duration("SEDATE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	duration("SEDATE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	duration("SEDATE_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	if v, ok := lookup("SEDATE_MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SEDATE_MAX_BODY_BYTES: %w", err))
		} else {
			cfg.Server.MaxBodyBytes = n
		}
	}

	str("SEDATE_COOKIE_KEY_ID", &cfg.Cookies.KeyID)
	if v, ok := lookup("SEDATE_COOKIE_KEY"); ok && v != "" {
		if cfg.Cookies.Keys == nil {
			cfg.Cookies.Keys = map[string]string{}
		}
		cfg.Cookies.Keys[cfg.Cookies.KeyID] = v
	}
	boolean("SEDATE_COOKIE_SECURE", &cfg.Cookies.Secure)
	str("SEDATE_COOKIE_DOMAIN", &cfg.Cookies.Domain)

	str("SEDATE_OIDC_ISSUER", &cfg.Auth.Issuer)
	str("SEDATE_OIDC_CLIENT_ID", &cfg.Auth.ClientID)
	str("SEDATE_OIDC_CLIENT_SECRET", &cfg.Auth.ClientSecret)
	str("SEDATE_PUBLIC_URL", &cfg.Auth.PublicURL)
	if v, ok := lookup("SEDATE_OIDC_SCOPES"); ok && v != "" {
		cfg.Auth.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}

	boolean("SEDATE_METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("SEDATE_METRICS_PATH", &cfg.Metrics.Path)

	return errors.Join(errs...)
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// The file is only read when the value field is empty.
func resolveFileReferences(cfg *Config) error {
	if cfg.Auth.ClientSecretFile != "" && cfg.Auth.ClientSecret == "" {
		val, err := readSecretFile(cfg.Auth.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("auth.client_secret_file: %w", err)
		}
		cfg.Auth.ClientSecret = val
	}

	if cfg.Cookies.KeysFile != "" && cfg.Cookies.Keys[cfg.Cookies.KeyID] == "" {
		val, err := readSecretFile(cfg.Cookies.KeysFile)
		if err != nil {
			return fmt.Errorf("cookies.keys_file: %w", err)
		}
		if cfg.Cookies.Keys == nil {
			cfg.Cookies.Keys = map[string]string{}
		}
		cfg.Cookies.Keys[cfg.Cookies.KeyID] = val
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
