package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"code.hybscloud.com/kont"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/middleware"
)

var ErrNoBearer = errors.New("auth: missing bearer token")

// Bearer verifies the ID token in the Authorization header. A missing or
// invalid token fails the chain with a 401 EndpointError.
func Bearer[P conn.Phase](verifier *oidc.IDTokenVerifier) middleware.Middleware[P, P, error, *oidc.IDToken] {
	token := middleware.FromConn(bearerToken[P])
	return middleware.Bind(token, func(raw string) middleware.Middleware[P, P, error, *oidc.IDToken] {
		return middleware.TryCatch[P](func(ctx context.Context) (*oidc.IDToken, error) {
			idToken, err := verifier.Verify(ctx, raw)
			if err != nil {
				return nil, endpoint.Error(http.StatusUnauthorized, "invalid token", err)
			}
			return idToken, nil
		}, toErr)
	})
}

func bearerToken[P conn.Phase](c conn.Conn[P]) kont.Either[error, string] {
	h, _ := c.Header("Authorization")
	scheme, raw, ok := strings.Cut(h, " ")
	raw = strings.TrimSpace(raw)
	if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return kont.Left[error, string](endpoint.Error(http.StatusUnauthorized, "", ErrNoBearer))
	}
	return kont.Right[error](raw)
}
