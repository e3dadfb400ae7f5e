// Package conn models an HTTP response under construction as an immutable,
// phase-typed value.
//
// A Conn[P] pairs a read-only view of the incoming request with a log of the
// response mutations issued so far. Each transition (SetStatus, SetHeader,
// CloseHeaders, SetBody, ...) returns a new Conn with one more action recorded
// and, where the protocol requires it, a new phase type:
//
//	StatusOpen --SetStatus--> HeadersOpen --CloseHeaders--> BodyOpen --SetBody/EndResponse--> ResponseEnded
//
// Nothing touches a real response until Materialize replays the log onto a
// Sink. Because a Conn is never mutated, a failed branch of a handler simply
// drops its Conn and none of its actions are ever applied.
//
// Dyn offers the same state machine with a runtime phase tag for callers
// that decide the sequence of operations at runtime.
package conn

import (
	"net/http"
	"net/url"
)

// Request is the read-only view of an incoming request supplied by an adapter.
//
// Implementations must return the same values on repeated calls.
type Request interface {
	Method() string
	// URL returns the original request URL as received.
	URL() string
	// Header returns the first value of the named header.
	Header(name string) (string, bool)
	Body() []byte
	// Params returns decoded path parameters, or an error wrapping
	// ErrUnsupported when no routing layer provides them.
	Params() (map[string]string, error)
	// Query returns decoded query parameters, or an error wrapping
	// ErrUnsupported.
	Query() (url.Values, error)
}

// Conn is a response under construction in phase P.
//
// The zero value has no request and an empty log; use New.
type Conn[P Phase] struct {
	req   Request
	log   *Log
	ended bool
}

// New returns the initial connection for req.
func New(req Request) Conn[StatusOpen] {
	return Conn[StatusOpen]{req: req}
}

func advance[O, I Phase](c Conn[I], a Action) Conn[O] {
	return Conn[O]{req: c.req, log: c.log.Push(a), ended: a.ends()}
}

// SetStatus records the status code and opens the headers.
func SetStatus(c Conn[StatusOpen], code Status) Conn[HeadersOpen] {
	return advance[HeadersOpen](c, StatusAction(code))
}

// SetHeader records a header.
func SetHeader(c Conn[HeadersOpen], name, value string) Conn[HeadersOpen] {
	return advance[HeadersOpen](c, HeaderAction(name, value))
}

// SetCookie records a Set-Cookie. The cookie is copied.
func SetCookie(c Conn[HeadersOpen], cookie http.Cookie) Conn[HeadersOpen] {
	return advance[HeadersOpen](c, CookieAction(cookie))
}

// ClearCookie records the removal of the named cookie in the client.
func ClearCookie(c Conn[HeadersOpen], name string) Conn[HeadersOpen] {
	return advance[HeadersOpen](c, ClearCookieAction(name))
}

// CloseHeaders moves to BodyOpen. Nothing is recorded.
func CloseHeaders(c Conn[HeadersOpen]) Conn[BodyOpen] {
	return Conn[BodyOpen]{req: c.req, log: c.log}
}

// SetBody records the body and ends the response.
func SetBody(c Conn[BodyOpen], body string) Conn[ResponseEnded] {
	return advance[ResponseEnded](c, BodyAction(body))
}

// EndResponse ends the response without a body.
func EndResponse(c Conn[BodyOpen]) Conn[ResponseEnded] {
	return advance[ResponseEnded](c, EndAction())
}

// Request returns the underlying request view.
func (c Conn[P]) Request() Request { return c.req }

// Log returns the recorded actions.
func (c Conn[P]) Log() *Log { return c.log }

// Ended reports whether the response reached ResponseEnded.
func (c Conn[P]) Ended() bool { return c.ended }

// Phase returns the runtime tag of P.
func (c Conn[P]) Phase() PhaseTag { return TagOf[P]() }

func (c Conn[P]) Method() string {
	if c.req == nil {
		return ""
	}
	return c.req.Method()
}

func (c Conn[P]) URL() string {
	if c.req == nil {
		return ""
	}
	return c.req.URL()
}

func (c Conn[P]) Header(name string) (string, bool) {
	if c.req == nil {
		return "", false
	}
	return c.req.Header(name)
}

func (c Conn[P]) Body() []byte {
	if c.req == nil {
		return nil
	}
	return c.req.Body()
}

func (c Conn[P]) Params() (map[string]string, error) {
	if c.req == nil {
		return nil, unsupported("params")
	}
	return c.req.Params()
}

func (c Conn[P]) Query() (url.Values, error) {
	if c.req == nil {
		return nil, unsupported("query")
	}
	return c.req.Query()
}

// Cookie returns the named request cookie, parsed from the Cookie header.
func (c Conn[P]) Cookie(name string) (*http.Cookie, bool) {
	raw, ok := c.Header("Cookie")
	if !ok {
		return nil, false
	}
	cookies, err := http.ParseCookie(raw)
	if err != nil {
		return nil, false
	}
	for _, ck := range cookies {
		if ck.Name == name {
			return ck, true
		}
	}
	return nil, false
}
