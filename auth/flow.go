// Package auth implements the OAuth 2.0 / OIDC authorization code flow as
// response chains.
//
// Flow.Login redirects to the provider and remembers the flow in an encrypted
// state cookie. Flow.Callback checks the returned state, exchanges the code
// and verifies the ID token, then hands an AuthResult to a ResultChain which
// decides the response. Bearer verifies an ID token presented in the
// Authorization header.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"code.hybscloud.com/kont"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/middleware"
	"golang.org/x/oauth2"
)

// PreAuthHook is an optional hook invoked before the flow starts.
type PreAuthHook func(ctx context.Context, providerID string, params AuthParams) (AuthParams, error)

// maxAppDataBytes is the maximum allowed size of AppData after base64url decoding.
const maxAppDataBytes = 512

// ProviderError represents an error returned by the identity provider.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// AuthParams contains parameters for initiating an OAuth flow.
// It is used for both LoginParams and AuthState to ensure consistency.
type AuthParams struct {
	NextURL string `query:"next_url" cbor:"1,keyasint,omitempty"`
	// AppData is base64url-encoded in query params and limited to 512 bytes when decoded.
	// maxLength of 683 corresponds to the base64url-encoded length of 512 bytes.
	AppData []byte `query:"app_data,base64url" cbor:"2,keyasint,omitempty" maxLength:"683"`
}

// AuthResult contains the result of an OAuth authentication request.
// For success, Token and IDToken are filled and Error is nil.
// For failure, Token and IDToken are nil and Error indicates the failure.
type AuthResult struct {
	ProviderID string
	Token      *oauth2.Token
	IDToken    *oidc.IDToken
	AuthParams *AuthParams
	Error      error
}

// ResultChain opens the response for a finished flow. The flow then adds
// its own state cookie and ends the response.
type ResultChain func(result *AuthResult) middleware.Middleware[conn.StatusOpen, conn.HeadersOpen, error, struct{}]

// defaultPreAuthHook ensures the NextURL is a safe relative path to prevent open redirects.
func defaultPreAuthHook(ctx context.Context, providerID string, params AuthParams) (AuthParams, error) {
	params.NextURL = ValidateNextURLIsLocal(params.NextURL)
	return params, nil
}

// defaultResult redirects to NextURL on success and fails the chain with the
// result error otherwise.
func defaultResult(result *AuthResult) middleware.Middleware[conn.StatusOpen, conn.HeadersOpen, error, struct{}] {
	if result.Error != nil {
		return fail[conn.HeadersOpen](result.Error)
	}
	next := "/"
	if result.AuthParams != nil && result.AuthParams.NextURL != "" {
		next = result.AuthParams.NextURL
	}
	return middleware.Redirect[error](next)
}

func fail[O conn.Phase](err error) middleware.Middleware[conn.StatusOpen, O, error, struct{}] {
	return func(context.Context, conn.Conn[conn.StatusOpen]) (kont.Either[error, middleware.Out[struct{}, O]], error) {
		return kont.Left[error, middleware.Out[struct{}, O]](err), nil
	}
}

func toErr(err error) error { return err }

// Flow implements the OAuth flow orchestration.
type Flow struct {
	mux       *http.ServeMux
	registry  *Registry
	publicURL string
	basePath  string

	cookie *middleware.SecureCookie

	preAuth PreAuthHook
	result  ResultChain
	now     func() time.Time

	cookieOptions   []middleware.SecureCookieOption
	endpointOptions []endpoint.Option
}

// Option configures the Flow.
type Option func(*Flow)

// WithCookieOptions configures the auth cookie attributes.
func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(f *Flow) {
		f.cookieOptions = append(f.cookieOptions, opts...)
	}
}

// WithEndpointOptions configures the handlers registered by NewFlow.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(f *Flow) {
		f.endpointOptions = append(f.endpointOptions, opts...)
	}
}

// WithPreAuthHook sets the PreAuthHook.
func WithPreAuthHook(h PreAuthHook) Option {
	return func(f *Flow) {
		f.preAuth = h
	}
}

// WithResult sets the ResultChain.
func WithResult(r ResultChain) Option {
	return func(f *Flow) {
		f.result = r
	}
}

// NewFlow creates a new Flow.
// publicURL should be the base public URL of the application (e.g., "https://example.com").
// basePath is the path where this handler is mounted (e.g., "/auth").
func NewFlow(registry *Registry, cookieName, keyID string, keys map[string][]byte, publicURL, basePath string, opts ...Option) (*Flow, error) {
	// Ensure leading slash for basePath
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	f := &Flow{
		mux:       http.NewServeMux(),
		registry:  registry,
		publicURL: strings.TrimRight(publicURL, "/"),
		basePath:  basePath,
		preAuth:   defaultPreAuthHook,
		result:    defaultResult,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	cookie, err := middleware.NewSecureCookie(cookieName, keyID, keys, f.cookieOptions...)
	if err != nil {
		return nil, err
	}
	f.cookie = cookie

	hopts := append(f.endpointOptions, endpoint.WithPathParams("provider"))
	f.mux.Handle("GET "+path.Join(basePath, "login", "{provider}"), endpoint.Handler(f.Login(), hopts...))
	f.mux.Handle("GET "+path.Join(basePath, "callback", "{provider}"), endpoint.Handler(f.Callback(), hopts...))
	return f, nil
}

func (f *Flow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.ServeHTTP(w, r)
}

// Cookie returns the state cookie.
func (f *Flow) Cookie() *middleware.SecureCookie { return f.cookie }

type LoginParams struct {
	ProviderID string `path:"provider"`
	AuthParams
}

type CallbackParams struct {
	ProviderID string `path:"provider"`
	State      string `query:"state"`
	Code       string `query:"code"`
	Error      string `query:"error"`
	ErrorDesc  string `query:"error_description"`
}

// login is what Login prepares before committing to the redirect.
type login struct {
	state    string
	auth     AuthState
	redirect string
}

// Login is the chain for GET {basePath}/login/{provider}. It needs the
// "provider" path parameter.
func (f *Flow) Login() endpoint.Chain[error] {
	return middleware.Bind(endpoint.Params[LoginParams](toErr), func(params LoginParams) endpoint.Chain[error] {
		return middleware.Bind(middleware.FromEither[conn.StatusOpen](f.lookup(params.ProviderID)), func(p *Provider) endpoint.Chain[error] {
			pre := middleware.TryCatch[conn.StatusOpen](func(ctx context.Context) (AuthParams, error) {
				return f.preAuth(ctx, p.ID(), params.AuthParams)
			}, toErr)
			checked := middleware.OrElse(pre, func(err error) middleware.Middleware[conn.StatusOpen, conn.StatusOpen, error, AuthParams] {
				return middleware.Fail[conn.StatusOpen, error, AuthParams](endpoint.Error(http.StatusBadRequest, "pre-auth failed", err))
			})
			return middleware.Bind(checked, func(ap AuthParams) endpoint.Chain[error] {
				if len(ap.AppData) > maxAppDataBytes {
					return f.respond(&AuthResult{
						ProviderID: p.ID(),
						AuthParams: &ap,
						Error:      endpoint.Error(http.StatusBadRequest, fmt.Sprintf("app_data exceeds maximum length of %d bytes", maxAppDataBytes), nil),
					}, nil)
				}
				prepare := middleware.TryCatch[conn.StatusOpen](func(context.Context) (*login, error) {
					return f.prepare(p, ap)
				}, toErr)
				states := middleware.Gets[conn.StatusOpen, error](f.readStates)
				return middleware.Bind(prepare, func(l *login) endpoint.Chain[error] {
					return middleware.Bind(states, func(m AuthStateMap) endpoint.Chain[error] {
						m.add(l.state, l.auth, f.now())
						return middleware.Then(
							middleware.Redirect[error](l.redirect),
							middleware.Then(
								middleware.SealCookie(f.cookie, m, authStateTTL, sealErr),
								middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]()),
							),
						)
					})
				})
			})
		})
	})
}

// prepare generates the state, PKCE verifier and nonce for a new flow and
// builds the provider redirect.
func (f *Flow) prepare(p *Provider, params AuthParams) (*login, error) {
	state, err := generateState()
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to generate state", err)
	}
	l := &login{state: state, auth: AuthState{AuthParams: params}}

	opts := []oauth2.AuthCodeOption{}
	if p.usePKCE {
		verifier, challenge, err := generatePKCE()
		if err != nil {
			return nil, endpoint.Error(http.StatusInternalServerError, "failed to generate PKCE", err)
		}
		l.auth.PKCEVerifier = verifier
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	if p.OIDC() {
		nonce, err := generateState()
		if err != nil {
			return nil, endpoint.Error(http.StatusInternalServerError, "failed to generate nonce", err)
		}
		l.auth.Nonce = nonce
		opts = append(opts, oidc.Nonce(nonce))
	}

	// Clone config to set RedirectURL
	conf := *p.config
	conf.RedirectURL = f.callbackURL(p.ID())
	l.redirect = conf.AuthCodeURL(state, opts...)
	return l, nil
}

// Callback is the chain for GET {basePath}/callback/{provider}. It needs the
// "provider" path parameter.
//
// The state is consumed whatever the outcome, but the updated cookie is only
// written when the ResultChain succeeds.
func (f *Flow) Callback() endpoint.Chain[error] {
	return middleware.Bind(endpoint.Params[CallbackParams](toErr), func(params CallbackParams) endpoint.Chain[error] {
		return middleware.Bind(middleware.FromEither[conn.StatusOpen](f.lookup(params.ProviderID)), func(p *Provider) endpoint.Chain[error] {
			return middleware.Bind(middleware.Gets[conn.StatusOpen, error](f.openStates), func(opened openedStates) endpoint.Chain[error] {
				if opened.err != nil {
					return f.respond(&AuthResult{
						ProviderID: p.ID(),
						Error:      endpoint.Error(http.StatusBadRequest, "invalid state", opened.err),
					}, nil)
				}
				authState, err := opened.states.pop(params.State, f.now())
				store := f.storeStates(opened.states)
				if err != nil {
					// Without valid state, we can't pass AuthParams to the result.
					return f.respond(&AuthResult{
						ProviderID: p.ID(),
						Error:      endpoint.Error(http.StatusBadRequest, "invalid state", err),
					}, store)
				}

				if params.Error != "" {
					return f.respond(&AuthResult{
						ProviderID: p.ID(),
						AuthParams: &authState.AuthParams,
						Error:      endpoint.Error(http.StatusBadRequest, "provider returned error", &ProviderError{Code: params.Error, Description: params.ErrorDesc}),
					}, store)
				}

				exchange := middleware.RightTask[conn.StatusOpen, error](func(ctx context.Context) *AuthResult {
					return f.exchange(ctx, p, authState, params.Code)
				})
				return middleware.Bind(exchange, func(result *AuthResult) endpoint.Chain[error] {
					return f.respond(result, store)
				})
			})
		})
	})
}

// exchange trades the code for a token and verifies the ID token. Failures
// are returned in the result rather than failing the chain.
func (f *Flow) exchange(ctx context.Context, p *Provider, authState AuthState, code string) *AuthResult {
	result := &AuthResult{ProviderID: p.ID(), AuthParams: &authState.AuthParams}

	opts := []oauth2.AuthCodeOption{}
	if authState.PKCEVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", authState.PKCEVerifier))
	}

	// Must match the RedirectURL sent in login.
	conf := *p.config
	conf.RedirectURL = f.callbackURL(p.ID())

	token, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		result.Error = endpoint.Error(http.StatusInternalServerError, "token exchange failed", err)
		return result
	}

	var idToken *oidc.IDToken
	if p.OIDC() {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			result.Error = endpoint.Error(http.StatusInternalServerError, "no id_token returned", errors.New("auth: no id_token returned"))
			return result
		}
		idToken, err = p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			result.Error = endpoint.Error(http.StatusInternalServerError, "id_token verification failed", err)
			return result
		}
		if authState.Nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(authState.Nonce)) != 1 {
			result.Error = endpoint.Error(http.StatusBadRequest, "nonce mismatch", errors.New("auth: nonce mismatch"))
			return result
		}
	}

	result.Token = token
	result.IDToken = idToken
	return result
}

// respond runs the ResultChain, records store (if any) and ends the response.
func (f *Flow) respond(result *AuthResult, store middleware.Middleware[conn.HeadersOpen, conn.HeadersOpen, error, struct{}]) endpoint.Chain[error] {
	if store == nil {
		store = middleware.Pure[conn.HeadersOpen, error](struct{}{})
	}
	return middleware.Then(
		f.result(result),
		middleware.Then(store, middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]())),
	)
}

func (f *Flow) lookup(id string) kont.Either[error, *Provider] {
	p, ok := f.registry.Get(id)
	if !ok {
		return kont.Left[error, *Provider](endpoint.Error(http.StatusNotFound, "provider not found", nil))
	}
	return kont.Right[error](p)
}

// readStates returns the states in the request cookie, or an empty map.
func (f *Flow) readStates(c conn.Conn[conn.StatusOpen]) AuthStateMap {
	opened := f.openStates(c)
	if opened.err != nil {
		return AuthStateMap{}
	}
	return opened.states
}

type openedStates struct {
	states AuthStateMap
	err    error
}

func (f *Flow) openStates(c conn.Conn[conn.StatusOpen]) openedStates {
	ck, ok := c.Cookie(f.cookie.Name())
	if !ok {
		return openedStates{err: http.ErrNoCookie}
	}
	var states AuthStateMap
	if err := f.cookie.Open(ck, &states); err != nil {
		return openedStates{err: err}
	}
	if states == nil {
		states = AuthStateMap{}
	}
	return openedStates{states: states}
}

// storeStates writes the remaining states back, or clears the cookie when
// none are left.
func (f *Flow) storeStates(states AuthStateMap) middleware.Middleware[conn.HeadersOpen, conn.HeadersOpen, error, struct{}] {
	if len(states) == 0 {
		return middleware.ForgetCookie[error](f.cookie)
	}
	return middleware.SealCookie(f.cookie, states, authStateTTL, sealErr)
}

func sealErr(err error) error {
	return endpoint.Error(http.StatusInternalServerError, "failed to save state", err)
}

func (f *Flow) callbackURL(providerID string) string {
	u, err := url.Parse(f.publicURL)
	if err != nil {
		return f.publicURL + path.Join(f.basePath, "callback", providerID)
	}
	u.Path = path.Join(u.Path, f.basePath, "callback", providerID)
	return u.String()
}
