package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"html"
	"log"
	"net/http"
	"os"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/joho/godotenv"
	"github.com/mnehpets/sedate/auth"
	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/middleware"
	"github.com/mnehpets/sedate/session"
)

func saveErr(err error) error {
	return endpoint.Error(http.StatusInternalServerError, "failed to save session", err)
}

// Home shows the login status of the current session.
func Home(st *session.Store) endpoint.Chain[error] {
	return middleware.Bind(session.Load[conn.StatusOpen, error](st), func(s *session.Session) endpoint.Chain[error] {
		body := `<p>You are not logged in.</p><a href="/auth/login/google?next_url=/home/">Login with Google</a>`
		if username, ok := s.Username(); ok {
			body = fmt.Sprintf(`<p>Welcome, %s!</p><a href="/auth/logout?next_url=/home/">Logout</a>`, html.EscapeString(username))
		}
		return middleware.Then(
			middleware.Status[error](conn.StatusOK),
			middleware.Then(
				session.Save[error](st, s, saveErr),
				middleware.Then(
					middleware.ContentType[error](conn.MediaTextHTML),
					middleware.Then(
						middleware.CloseHeaders[error](),
						middleware.Send[error]("<!DOCTYPE html><html><body><h1>Auth Example</h1>"+body+"</body></html>"),
					),
				),
			),
		)
	})
}

// LogoutParams are the parameters for the logout endpoint.
type LogoutParams struct {
	NextURL string `query:"next_url"`
}

// Logout ends the session and redirects to a local next_url.
func Logout(st *session.Store) endpoint.Chain[error] {
	params := endpoint.Params[LogoutParams](func(err error) error {
		return endpoint.Error(http.StatusBadRequest, "", err)
	})
	return middleware.Bind(params, func(p LogoutParams) endpoint.Chain[error] {
		return middleware.Bind(session.Load[conn.StatusOpen, error](st), func(s *session.Session) endpoint.Chain[error] {
			logout := middleware.TryCatch[conn.StatusOpen](func(context.Context) (struct{}, error) {
				return struct{}{}, s.Logout()
			}, saveErr)
			return middleware.Then(logout, middleware.Then(
				middleware.Redirect[error](auth.ValidateNextURLIsLocal(p.NextURL)),
				middleware.Then(session.Save[error](st, s, saveErr), middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]())),
			))
		})
	})
}

// loggedIn logs the verified email into the session and redirects to the
// flow's next URL.
func loggedIn(st *session.Store) auth.ResultChain {
	return func(result *auth.AuthResult) middleware.Middleware[conn.StatusOpen, conn.HeadersOpen, error, struct{}] {
		return middleware.Bind(session.Load[conn.StatusOpen, error](st), func(s *session.Session) middleware.Middleware[conn.StatusOpen, conn.HeadersOpen, error, struct{}] {
			login := middleware.TryCatch[conn.StatusOpen](func(context.Context) (struct{}, error) {
				if result.Error != nil {
					return struct{}{}, result.Error
				}
				email, verified := auth.GetVerifiedEmail(result.IDToken)
				if !verified {
					return struct{}{}, endpoint.Error(http.StatusUnauthorized, "email not verified", nil)
				}
				log.Printf("Successful authentication with provider %v, next URL %v, verified email %v", result.ProviderID, result.AuthParams.NextURL, email)
				if err := s.Login(email); err != nil {
					return struct{}{}, endpoint.Error(http.StatusInternalServerError, "login failed", err)
				}
				return struct{}{}, nil
			}, func(err error) error { return err })

			target := "/"
			if result.AuthParams != nil && result.AuthParams.NextURL != "" {
				target = result.AuthParams.NextURL
			}
			return middleware.Then(login, middleware.Then(middleware.Redirect[error](target), session.Save[error](st, s, saveErr)))
		})
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	clientID := os.Getenv("OAUTH_CLIENT_ID")
	clientSecret := os.Getenv("OAUTH_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must be set")
	}

	// For example purposes, we generate a random key. In production, this should be persisted.
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal(err)
	}
	keys := map[string][]byte{"key1": key}

	// Allow non-https cookies, for http://localhost:8080
	st, err := session.NewStore("key1", keys, session.WithCookieOptions(middleware.WithSecure(false)))
	if err != nil {
		log.Fatal(err)
	}

	registry := auth.NewRegistry()
	err = registry.RegisterOIDCProvider(context.Background(),
		"google",
		"https://accounts.google.com",
		clientID,
		clientSecret,
		[]string{oidc.ScopeOpenID, "profile", "email"},
		"http://localhost:8080/auth/callback/google",
	)
	if err != nil {
		log.Fatalf("Failed to register OIDC provider: %v", err)
	}

	flow, err := auth.NewFlow(registry, auth.DefaultCookieName, "key1", keys, "http://localhost:8080", "/auth",
		auth.WithCookieOptions(middleware.WithSecure(false)),
		auth.WithResult(loggedIn(st)),
	)
	if err != nil {
		log.Fatalf("Failed to create auth flow: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/auth/", flow)
	mux.HandleFunc("GET /auth/logout", endpoint.HandleFunc(Logout(st)))
	mux.HandleFunc("GET /home/", endpoint.HandleFunc(Home(st)))
	mux.HandleFunc("GET /{$}", endpoint.HandleFunc(middleware.Then(
		middleware.Redirect[error]("/home/"),
		middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]()),
	)))

	log.Println("Listening on :8080")
	if err := http.ListenAndServe(":8080", mux); err != nil {
		log.Fatal(err)
	}
}
