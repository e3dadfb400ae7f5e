package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DefaultCookieName is the default name of the state cookie.
const DefaultCookieName = "SDA"

// pkceVerifierBytes encodes to 43 base64url characters, the RFC 7636 minimum.
const pkceVerifierBytes = 32

// generatePKCE returns a verifier and its S256 challenge.
func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, pkceVerifierBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// GetVerifiedEmail returns the email claim of token when email_verified is
// set.
func GetVerifiedEmail(token *oidc.IDToken) (string, bool) {
	if token == nil {
		return "", false
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := token.Claims(&claims); err != nil || !claims.EmailVerified || claims.Email == "" {
		return "", false
	}
	return claims.Email, true
}

// GetStableID identifies a user across logins as "provider:subject".
func GetStableID(token *oidc.IDToken, providerID string) string {
	if token == nil {
		return ""
	}
	return providerID + ":" + token.Subject
}

// ValidateNextURLIsLocal returns nextURL when it is a path on this site and
// "/" otherwise. Browsers treat "/\host" like "//host", so both are rejected.
func ValidateNextURLIsLocal(nextURL string) string {
	if !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") || strings.HasPrefix(nextURL, `/\`) {
		return "/"
	}
	return nextURL
}
