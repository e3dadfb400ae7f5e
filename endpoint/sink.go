package endpoint

import (
	"io"
	"net/http"
	"time"

	"github.com/mnehpets/sedate/conn"
)

// ResponseSink writes a materialized response to an http.ResponseWriter.
//
// Headers and cookies go straight into w.Header(). The status and body are
// held until Send, which calls WriteHeader and Write once.
type ResponseSink struct {
	w      http.ResponseWriter
	status int
	body   string
	sent   bool
}

func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{w: w}
}

func (s *ResponseSink) SetStatus(code conn.Status) { s.status = int(code) }

func (s *ResponseSink) SetHeader(name, value string) { s.w.Header().Set(name, value) }

func (s *ResponseSink) SetCookie(c *http.Cookie) { http.SetCookie(s.w, c) }

// ClearCookie expires the named cookie at path "/". Cookies set with another
// path or a domain must be cleared with SetCookie and MaxAge -1.
func (s *ResponseSink) ClearCookie(name string) {
	http.SetCookie(s.w, &http.Cookie{
		Name:    name,
		Value:   "",
		Path:    "/",
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	})
}

func (s *ResponseSink) SetBody(body string) { s.body = body }

// Send writes the status (200 if none was set) and the body.
func (s *ResponseSink) Send() error {
	if s.sent {
		return conn.ErrAlreadySent
	}
	s.sent = true
	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	s.w.WriteHeader(status)
	if s.body == "" {
		return nil
	}
	_, err := io.WriteString(s.w, s.body)
	return err
}

var _ conn.Sink = (*ResponseSink)(nil)
