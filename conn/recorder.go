package conn

import (
	"net/http"
	"net/textproto"
)

// Recorder is an in-memory Sink. It is useful in tests and for adapters that
// buffer a response before writing it themselves.
type Recorder struct {
	Status Status
	// Headers is created on the first SetHeader.
	Headers map[string]string
	Cookies []*http.Cookie
	// Cleared lists cookie names removed with ClearCookie.
	Cleared []string
	Body    string
	// Sent counts successful calls to Send.
	Sent int
}

func (r *Recorder) SetStatus(code Status) { r.Status = code }

func (r *Recorder) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[textproto.CanonicalMIMEHeaderKey(name)] = value
}

func (r *Recorder) SetCookie(c *http.Cookie) { r.Cookies = append(r.Cookies, c) }

func (r *Recorder) ClearCookie(name string) { r.Cleared = append(r.Cleared, name) }

func (r *Recorder) SetBody(body string) { r.Body = body }

func (r *Recorder) Send() error {
	if r.Sent > 0 {
		return ErrAlreadySent
	}
	r.Sent++
	return nil
}

var _ Sink = (*Recorder)(nil)
