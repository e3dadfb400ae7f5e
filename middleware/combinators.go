package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"code.hybscloud.com/kont"
	"github.com/mnehpets/sedate/conn"
)

// Status sets the status code and opens the headers.
func Status[E any](code conn.Status) Middleware[conn.StatusOpen, conn.HeadersOpen, E, struct{}] {
	return Modify[conn.StatusOpen, conn.HeadersOpen, E](func(c conn.Conn[conn.StatusOpen]) conn.Conn[conn.HeadersOpen] {
		return conn.SetStatus(c, code)
	})
}

// Header sets a response header.
func Header[E any](name, value string) Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	return Modify[conn.HeadersOpen, conn.HeadersOpen, E](func(c conn.Conn[conn.HeadersOpen]) conn.Conn[conn.HeadersOpen] {
		return conn.SetHeader(c, name, value)
	})
}

// ContentType sets the Content-Type header.
func ContentType[E any](media conn.MediaType) Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	return Header[E]("Content-Type", string(media))
}

// Cookie adds a Set-Cookie for cookie.
func Cookie[E any](cookie http.Cookie) Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	return Modify[conn.HeadersOpen, conn.HeadersOpen, E](func(c conn.Conn[conn.HeadersOpen]) conn.Conn[conn.HeadersOpen] {
		return conn.SetCookie(c, cookie)
	})
}

// ClearCookie removes the named cookie in the client.
func ClearCookie[E any](name string) Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	return Modify[conn.HeadersOpen, conn.HeadersOpen, E](func(c conn.Conn[conn.HeadersOpen]) conn.Conn[conn.HeadersOpen] {
		return conn.ClearCookie(c, name)
	})
}

// CloseHeaders ends the header section.
func CloseHeaders[E any]() Middleware[conn.HeadersOpen, conn.BodyOpen, E, struct{}] {
	return Modify[conn.HeadersOpen, conn.BodyOpen, E](conn.CloseHeaders)
}

// Send sets the body and ends the response.
func Send[E any](body string) Middleware[conn.BodyOpen, conn.ResponseEnded, E, struct{}] {
	return Modify[conn.BodyOpen, conn.ResponseEnded, E](func(c conn.Conn[conn.BodyOpen]) conn.Conn[conn.ResponseEnded] {
		return conn.SetBody(c, body)
	})
}

// End ends the response without a body.
func End[E any]() Middleware[conn.BodyOpen, conn.ResponseEnded, E, struct{}] {
	return Modify[conn.BodyOpen, conn.ResponseEnded, E](conn.EndResponse)
}

// Redirect sets 302 Found and a Location header. The headers stay open.
func Redirect[E any](uri string) Middleware[conn.StatusOpen, conn.HeadersOpen, E, struct{}] {
	return Then(Status[E](conn.StatusFound), Header[E]("Location", uri))
}

// JSON serializes v, sets an application/json Content-Type, closes the
// headers and sends the result. A serialization failure is reported as
// onErr(err) and nothing is recorded.
func JSON[E any](v any, onErr func(error) E) Middleware[conn.HeadersOpen, conn.ResponseEnded, E, struct{}] {
	encode := FromEither[conn.HeadersOpen](stringify(v, onErr))
	return Bind(encode, func(body string) Middleware[conn.HeadersOpen, conn.ResponseEnded, E, struct{}] {
		return Then(
			ContentType[E](conn.MediaApplicationJSON),
			Then(CloseHeaders[E](), Send[E](body)),
		)
	})
}

// stringify encodes v without HTML escaping and without the trailing newline
// json.Encoder adds.
func stringify[E any](v any, onErr func(error) E) kont.Either[E, string] {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return kont.Left[E, string](onErr(err))
	}
	return kont.Right[E](string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))))
}

// Step is one operation of a Script.
type Step func(conn.Dyn) (conn.Dyn, error)

// Do records a.
func Do(a conn.Action) Step {
	return func(d conn.Dyn) (conn.Dyn, error) { return d.Apply(a) }
}

// Close ends the header section.
var Close Step = conn.Dyn.CloseHeaders

// Script runs steps decided at runtime, such as a canned response loaded
// from configuration. Each step is checked against the phase rules, and the
// chain must finish in phase O. Any violation is returned as a
// *conn.PhaseError on the defect channel.
func Script[I, O conn.Phase, E any](steps ...Step) Middleware[I, O, E, struct{}] {
	return func(_ context.Context, c conn.Conn[I]) (kont.Either[E, Out[struct{}, O]], error) {
		d := conn.Erase(c)
		for _, step := range steps {
			var err error
			if d, err = step(d); err != nil {
				return defect[E, struct{}, O](err)
			}
		}
		out, err := conn.Assert[O](d)
		if err != nil {
			return defect[E, struct{}, O](err)
		}
		return right[E](struct{}{}, out)
	}
}
