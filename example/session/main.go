package main

import (
	"context"
	"crypto/rand"
	"errors"
	"html"
	"log"
	"net/http"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/middleware"
	"github.com/mnehpets/sedate/session"
)

const loginForm = `<!DOCTYPE html>
<html>
<body>
	<h1>Login</h1>
	<form action="/login" method="post">
		<label>Username: <input type="text" name="username" required></label>
		<button type="submit">Login</button>
	</form>
</body>
</html>
`

// LoginParams is the posted login form.
type LoginParams struct {
	Username string `form:"username" maxLength:"64"`
}

// page ends the response with an HTML body, saving the session on the way.
func page(st *session.Store, s *session.Session, status conn.Status, body string) endpoint.Chain[error] {
	return middleware.Then(
		middleware.Status[error](status),
		middleware.Then(
			session.Save[error](st, s, func(err error) error {
				return endpoint.Error(http.StatusInternalServerError, "failed to save session", err)
			}),
			middleware.Then(
				middleware.ContentType[error](conn.MediaTextHTML),
				middleware.Then(middleware.CloseHeaders[error](), middleware.Send[error](body)),
			),
		),
	)
}

// back redirects to the home page, saving the session on the way.
func back(st *session.Store, s *session.Session) endpoint.Chain[error] {
	return middleware.Then(
		middleware.Redirect[error]("/"),
		middleware.Then(
			session.Save[error](st, s, func(err error) error {
				return endpoint.Error(http.StatusInternalServerError, "failed to save session", err)
			}),
			middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]()),
		),
	)
}

// Home greets the logged-in user or shows the login form.
func Home(st *session.Store) endpoint.Chain[error] {
	return middleware.Bind(session.Load[conn.StatusOpen, error](st), func(s *session.Session) endpoint.Chain[error] {
		username, ok := s.Username()
		if !ok {
			return page(st, s, conn.StatusOK, loginForm)
		}
		body := `<!DOCTYPE html><html><body><p>Welcome, ` + html.EscapeString(username) +
			`!</p><form action="/logout" method="post"><button type="submit">Logout</button></form></body></html>`
		return page(st, s, conn.StatusOK, body)
	})
}

// attempt runs f before the status is set, failing the chain with status
// and message when f does.
func attempt(status int, message string, f func() error) middleware.Middleware[conn.StatusOpen, conn.StatusOpen, error, struct{}] {
	return middleware.TryCatch[conn.StatusOpen](func(context.Context) (struct{}, error) {
		return struct{}{}, f()
	}, func(err error) error {
		return endpoint.Error(status, message, err)
	})
}

// Login starts a session for the posted username.
func Login(st *session.Store) endpoint.Chain[error] {
	params := endpoint.Params[LoginParams](func(err error) error {
		return endpoint.Error(http.StatusBadRequest, "invalid login form", err)
	})
	return middleware.Bind(params, func(p LoginParams) endpoint.Chain[error] {
		return middleware.Bind(session.Load[conn.StatusOpen, error](st), func(s *session.Session) endpoint.Chain[error] {
			login := attempt(http.StatusBadRequest, "login failed", func() error {
				if p.Username == "" {
					return errors.New("username required")
				}
				return s.Login(p.Username)
			})
			return middleware.Then(login, back(st, s))
		})
	})
}

// Logout ends the current session.
func Logout(st *session.Store) endpoint.Chain[error] {
	return middleware.Bind(session.Load[conn.StatusOpen, error](st), func(s *session.Session) endpoint.Chain[error] {
		return middleware.Then(attempt(http.StatusInternalServerError, "logout failed", s.Logout), back(st, s))
	})
}

func main() {
	// For example purposes, we generate a random key. In production, this should be persisted.
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal(err)
	}

	// Allow non-https cookies, for http://localhost:8080
	st, err := session.NewStore("key1", map[string][]byte{"key1": key},
		session.WithCookieOptions(middleware.WithSecure(false)),
	)
	if err != nil {
		log.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", endpoint.HandleFunc(Login(st)))
	mux.HandleFunc("POST /logout", endpoint.HandleFunc(Logout(st)))
	mux.HandleFunc("GET /{$}", endpoint.HandleFunc(Home(st)))

	log.Println("Listening on :8080")
	if err := http.ListenAndServe(":8080", mux); err != nil {
		log.Fatal(err)
	}
}
