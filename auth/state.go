package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

var (
	ErrStateNotFound = errors.New("auth: state not found")
	ErrStateExpired  = errors.New("auth: state expired")
)

// AuthStateMap is the type stored in the cookie (state -> AuthState).
type AuthStateMap map[string]AuthState

// AuthState represents the state of an in-flight OAuth flow.
// It is stored in a secure cookie, keyed by the state parameter sent to the provider.
type AuthState struct {
	AuthParams AuthParams `cbor:"1,keyasint,omitempty"`

	// Nonce is the OIDC nonce sent to the provider (if OIDC is used).
	// It must be verified against the ID Token upon return.
	Nonce string `cbor:"2,keyasint,omitempty"`

	// PKCEVerifier is the code verifier for PKCE flows.
	PKCEVerifier string `cbor:"3,keyasint,omitempty"`

	// ExpiresAt is the timestamp when this state expires.
	ExpiresAt time.Time `cbor:"4,keyasint,omitempty"`
}

// maxStates is the maximum number of concurrent auth states per user-agent.
// This prevents cookie bloat and limits the potential for state replay attacks.
const maxStates = 3

// authStateTTL is the duration for which an auth state is valid.
const authStateTTL = time.Hour

// add stores s under state with a fresh expiry. Expired states are dropped
// first, then the oldest one if the map is still full.
func (m AuthStateMap) add(state string, s AuthState, now time.Time) {
	for k, v := range m {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			delete(m, k)
		}
	}

	if len(m) >= maxStates {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range m {
			if oldestKey == "" || v.ExpiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.ExpiresAt
			}
		}
		if oldestKey != "" {
			delete(m, oldestKey)
		}
	}

	s.ExpiresAt = now.Add(authStateTTL)
	m[state] = s
}

// pop removes state from m and returns it. An expired state is removed too
// but reported as ErrStateExpired.
func (m AuthStateMap) pop(state string, now time.Time) (AuthState, error) {
	s, ok := m[state]
	if !ok {
		return AuthState{}, ErrStateNotFound
	}
	delete(m, state)
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return AuthState{}, ErrStateExpired
	}
	return s, nil
}

// stateLength is the number of random bytes used to generate the state parameter.
// 32 bytes provides 256 bits of entropy, which is sufficient to prevent collisions
// and brute-force attacks on the state parameter even with a large number of concurrent flows.
const stateLength = 32

// generateState creates a random, URL-safe state string.
// It is used for generating both the OAuth state parameter and the OIDC nonce.
func generateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
