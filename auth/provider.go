package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrNotOIDC is returned by UserInfo for plain OAuth2 providers.
var ErrNotOIDC = errors.New("auth: provider does not support OIDC")

// Provider is one login provider. PKCE is on unless WithoutPKCE is given.
type Provider struct {
	id       string
	config   *oauth2.Config
	discover *oidc.Provider
	verifier *oidc.IDTokenVerifier
	usePKCE  bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithOIDC makes the provider request and verify ID tokens. The discovered
// provider is used for the userinfo endpoint and may be nil.
func WithOIDC(discovered *oidc.Provider, verifier *oidc.IDTokenVerifier) ProviderOption {
	return func(p *Provider) {
		p.discover = discovered
		p.verifier = verifier
	}
}

// WithoutPKCE disables the S256 code challenge, for providers that reject it.
func WithoutPKCE() ProviderOption {
	return func(p *Provider) { p.usePKCE = false }
}

func NewProvider(id string, config *oauth2.Config, opts ...ProviderOption) *Provider {
	p := &Provider{id: id, config: config, usePKCE: true}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string { return p.id }

// Config is shared; Flow copies it before setting the redirect URL.
func (p *Provider) Config() *oauth2.Config { return p.config }

// Verifier is nil for plain OAuth2 providers.
func (p *Provider) Verifier() *oidc.IDTokenVerifier { return p.verifier }

// OIDC reports whether ID tokens are requested and verified.
func (p *Provider) OIDC() bool { return p.verifier != nil }

// UserInfo fetches the claims of the signed-in user from the provider's
// userinfo endpoint.
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*oidc.UserInfo, error) {
	if p.discover == nil {
		return nil, ErrNotOIDC
	}
	return p.discover.UserInfo(ctx, oauth2.StaticTokenSource(token))
}

// Registry maps provider IDs to providers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register adds p, replacing any provider with the same ID.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

func (r *Registry) Get(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the registered provider IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// OIDCProviderOption configures the ID token verifier of a discovered provider.
type OIDCProviderOption func(*oidc.Config)

// WithSkipIssuerCheck disables issuer validation in the token verifier.
// Multi-tenant issuers (e.g. Microsoft's /common endpoint) need it; the
// ResultChain must then check the issuer itself.
func WithSkipIssuerCheck() OIDCProviderOption {
	return func(c *oidc.Config) { c.SkipIssuerCheck = true }
}

// RegisterOIDCProvider runs discovery against issuer and registers the
// resulting provider under id.
func (r *Registry) RegisterOIDCProvider(ctx context.Context, id, issuer, clientID, clientSecret string, scopes []string, redirectURL string, opts ...OIDCProviderOption) error {
	discovered, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("auth: query provider %q: %w", issuer, err)
	}
	vc := &oidc.Config{ClientID: clientID}
	for _, opt := range opts {
		opt(vc)
	}
	r.Register(NewProvider(id, &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     discovered.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}, WithOIDC(discovered, discovered.Verifier(vc))))
	return nil
}

// RegisterOAuth2Provider registers a provider without discovery or ID tokens.
func (r *Registry) RegisterOAuth2Provider(id string, config *oauth2.Config, opts ...ProviderOption) {
	r.Register(NewProvider(id, config, opts...))
}
