package auth

import (
	"crypto"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/middleware"
)

func quietEndpoint() endpoint.Option {
	return endpoint.WithLogger(slog.New(slog.DiscardHandler))
}

func whoami(verifier *oidc.IDTokenVerifier) endpoint.Chain[error] {
	return middleware.Bind(Bearer[conn.StatusOpen](verifier), func(tok *oidc.IDToken) endpoint.Chain[error] {
		return middleware.Then(
			middleware.Status[error](conn.StatusOK),
			middleware.Then(middleware.CloseHeaders[error](), middleware.Send[error](tok.Subject)),
		)
	})
}

func TestBearer(t *testing.T) {
	srv := newOIDCServer(t)
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&srv.key.PublicKey}}
	verifier := oidc.NewVerifier(srv.URL, keys, &oidc.Config{ClientID: "client-id"})
	h := endpoint.Handler(whoami(verifier), quietEndpoint())

	good, err := srv.sign("client-id", "")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	otherAudience, err := srv.sign("someone-else", "")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"Valid", "Bearer " + good, http.StatusOK, "user123"},
		{"LowerCaseScheme", "bearer " + good, http.StatusOK, "user123"},
		{"Missing", "", http.StatusUnauthorized, ""},
		{"WrongScheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"EmptyToken", "Bearer ", http.StatusUnauthorized, ""},
		{"Garbage", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"WrongAudience", "Bearer " + otherAudience, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Fatalf("expected body %q, got %q", tt.body, w.Body.String())
			}
		})
	}
}

func TestBearerToken_Missing(t *testing.T) {
	c := conn.New(&conn.Snapshot{Verb: http.MethodGet, RawURL: "/"})
	err, ok := bearerToken(c).GetLeft()
	if !ok || !errors.Is(err, ErrNoBearer) {
		t.Fatalf("expected ErrNoBearer, got %v", err)
	}
}
