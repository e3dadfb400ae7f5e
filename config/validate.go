package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mnehpets/sedate/middleware"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}

	switch c.Server.Engine {
	case "nethttp", "fasthttp":
		// valid
	default:
		errs = append(errs, fmt.Errorf("server.engine must be \"nethttp\" or \"fasthttp\", got %q", c.Server.Engine))
	}

	if c.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be >= 0, got %v", c.Server.RequestTimeout))
	}

	// Cookies are only needed for login.
	if len(c.Cookies.Keys) > 0 || c.AuthEnabled() {
		if c.Cookies.KeyID == "" {
			errs = append(errs, fmt.Errorf("cookies.key_id is required"))
		}
		keys, err := c.Cookies.CookieKeys()
		if err != nil {
			errs = append(errs, err)
		}
		if _, ok := keys[c.Cookies.KeyID]; c.Cookies.KeyID != "" && !ok && err == nil {
			errs = append(errs, fmt.Errorf("cookies.keys has no key %q", c.Cookies.KeyID))
		}
		for id, k := range keys {
			if len(k) != middleware.DefaultAEADKeysize {
				errs = append(errs, fmt.Errorf("cookies.keys.%s must be %d bytes, got %d", id, middleware.DefaultAEADKeysize, len(k)))
			}
		}
	}

	if c.AuthEnabled() {
		if c.Auth.ClientID == "" {
			errs = append(errs, fmt.Errorf("auth.client_id is required when auth.issuer is set"))
		}
		if u, err := url.Parse(c.Auth.PublicURL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("auth.public_url must be an absolute URL, got %q", c.Auth.PublicURL))
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with \"/\", got %q", c.Metrics.Path))
	}

	for i, r := range c.Static {
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("static[%d].pattern is required", i))
		}
		if r.Status != 0 && (r.Status < 100 || r.Status > 599) {
			errs = append(errs, fmt.Errorf("static[%d].status must be between 100 and 599, got %d", i, r.Status))
		}
	}

	return errors.Join(errs...)
}
