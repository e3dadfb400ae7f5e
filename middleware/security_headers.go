package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"code.hybscloud.com/kont"
	"github.com/mnehpets/sedate/conn"
)

// SecurityPolicy holds the recommended security headers for a response.
//
// Defaults for NewSecurityPolicy (web content):
//   - HSTS: max-age=31536000; includeSubDomains
//   - Referrer-Policy: strict-origin-when-cross-origin
//   - X-Frame-Options: DENY
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: default-src 'self'; ...
//   - COOP=same-origin, COEP=require-corp, CORP=same-origin
//
// NewAPISecurityPolicy uses default-src 'none' and no-referrer instead.
// CORS headers are only added when CORS is set.
type SecurityPolicy struct {
	// HSTS configures Strict-Transport-Security. Nil disables it.
	HSTS *HSTSConfig

	// Empty strings disable the corresponding header.
	ReferrerPolicy            string
	FrameOptions              string
	ContentSecurityPolicy     string
	CrossOriginOpenerPolicy   string
	CrossOriginEmbedderPolicy string
	CrossOriginResourcePolicy string

	// ContentTypeOptions adds X-Content-Type-Options: nosniff.
	ContentTypeOptions bool

	// CORS configures Cross-Origin Resource Sharing. Nil disables it.
	CORS *CORSConfig
}

type HSTSConfig struct {
	// MaxAge in seconds.
	MaxAge            int
	IncludeSubDomains bool
	// Preload should only be set for domains submitted to the preload list.
	Preload bool
}

type CORSConfig struct {
	// AllowedOrigins may contain "*", which is ignored when
	// AllowCredentials is set.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	// MaxAge in seconds for caching preflight results.
	MaxAge int
}

type SecurityPolicyOption func(*SecurityPolicy)

func NewSecurityPolicy(opts ...SecurityPolicyOption) *SecurityPolicy {
	p := &SecurityPolicy{
		HSTS:                      &HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true},
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		FrameOptions:              "DENY",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     "default-src 'self'; base-uri 'self'; form-action 'self'; frame-ancestors 'none'; upgrade-insecure-requests",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginEmbedderPolicy: "require-corp",
		CrossOriginResourcePolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func NewAPISecurityPolicy(opts ...SecurityPolicyOption) *SecurityPolicy {
	p := &SecurityPolicy{
		HSTS:                      &HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true},
		ReferrerPolicy:            "no-referrer",
		FrameOptions:              "DENY",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none'",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginEmbedderPolicy: "require-corp",
		CrossOriginResourcePolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func WithHSTS(maxAge int, includeSubDomains, preload bool) SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.HSTS = &HSTSConfig{MaxAge: maxAge, IncludeSubDomains: includeSubDomains, Preload: preload}
	}
}

func WithoutHSTS() SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.HSTS = nil
	}
}

func WithReferrerPolicy(policy string) SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.ReferrerPolicy = policy
	}
}

func WithFrameOptions(options string) SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.FrameOptions = options
	}
}

func WithContentTypeOptions(enabled bool) SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.ContentTypeOptions = enabled
	}
}

func WithCSP(policy string) SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.ContentSecurityPolicy = policy
	}
}

func WithCrossOriginPolicies(opener, embedder, resource string) SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.CrossOriginOpenerPolicy = opener
		p.CrossOriginEmbedderPolicy = embedder
		p.CrossOriginResourcePolicy = resource
	}
}

func WithCORS(config *CORSConfig) SecurityPolicyOption {
	return func(p *SecurityPolicy) {
		p.CORS = config
	}
}

// headers returns the headers for a request with the given method and
// Origin, in a fixed order.
func (p *SecurityPolicy) headers(method, origin string) [][2]string {
	var h [][2]string
	add := func(name, value string) {
		if value != "" {
			h = append(h, [2]string{name, value})
		}
	}
	add("Strict-Transport-Security", formatHSTS(p.HSTS))
	add("Referrer-Policy", p.ReferrerPolicy)
	add("X-Frame-Options", p.FrameOptions)
	if p.ContentTypeOptions {
		add("X-Content-Type-Options", "nosniff")
	}
	add("Content-Security-Policy", p.ContentSecurityPolicy)
	add("Cross-Origin-Opener-Policy", p.CrossOriginOpenerPolicy)
	add("Cross-Origin-Embedder-Policy", p.CrossOriginEmbedderPolicy)
	add("Cross-Origin-Resource-Policy", p.CrossOriginResourcePolicy)

	// CORS headers only apply to cross-origin requests, which carry Origin.
	if p.CORS == nil || origin == "" {
		return h
	}
	cors := p.CORS
	for _, allowed := range cors.AllowedOrigins {
		if allowed == "*" {
			// '*' with credentials is forbidden by CORS.
			if cors.AllowCredentials {
				continue
			}
			add("Access-Control-Allow-Origin", "*")
			break
		}
		if allowed == origin {
			add("Access-Control-Allow-Origin", origin)
			break
		}
	}
	if cors.AllowCredentials {
		add("Access-Control-Allow-Credentials", "true")
	}
	add("Access-Control-Expose-Headers", strings.Join(cors.ExposedHeaders, ", "))
	if method == http.MethodOptions {
		add("Access-Control-Allow-Methods", strings.Join(cors.AllowedMethods, ", "))
		add("Access-Control-Allow-Headers", strings.Join(cors.AllowedHeaders, ", "))
		if cors.MaxAge > 0 {
			add("Access-Control-Max-Age", strconv.Itoa(cors.MaxAge))
		}
	}
	return h
}

func formatHSTS(config *HSTSConfig) string {
	if config == nil || config.MaxAge <= 0 {
		return ""
	}
	parts := []string{"max-age=" + strconv.Itoa(config.MaxAge)}
	if config.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if config.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

// SecurityHeaders records the headers of p for the current request.
func SecurityHeaders[E any](p *SecurityPolicy) Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	return Modify[conn.HeadersOpen, conn.HeadersOpen, E](func(c conn.Conn[conn.HeadersOpen]) conn.Conn[conn.HeadersOpen] {
		origin, _ := c.Header("Origin")
		for _, h := range p.headers(c.Method(), origin) {
			c = conn.SetHeader(c, h[0], h[1])
		}
		return c
	})
}

// IsPreflight reports whether the request is a CORS preflight: an OPTIONS
// request with Origin and Access-Control-Request-Method.
func IsPreflight[P conn.Phase](c conn.Conn[P]) bool {
	if c.Method() != http.MethodOptions {
		return false
	}
	origin, _ := c.Header("Origin")
	reqMethod, _ := c.Header("Access-Control-Request-Method")
	return origin != "" && reqMethod != ""
}

// Preflight answers CORS preflights with 204 No Content and the headers of
// p, and runs next for every other request. Without CORS configured every
// request goes to next.
func Preflight[E any](p *SecurityPolicy, next Middleware[conn.StatusOpen, conn.ResponseEnded, E, struct{}]) Middleware[conn.StatusOpen, conn.ResponseEnded, E, struct{}] {
	answer := Then(
		Status[E](conn.StatusNoContent),
		Then(SecurityHeaders[E](p), Then(CloseHeaders[E](), End[E]())),
	)
	return func(ctx context.Context, c conn.Conn[conn.StatusOpen]) (kont.Either[E, Out[struct{}, conn.ResponseEnded]], error) {
		if p.CORS != nil && IsPreflight(c) {
			return answer(ctx, c)
		}
		return next(ctx, c)
	}
}
