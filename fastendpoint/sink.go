package fastendpoint

import (
	"net/http"

	"github.com/mnehpets/sedate/conn"
	"github.com/valyala/fasthttp"
)

// ResponseSink writes a materialized response to a fasthttp.RequestCtx.
type ResponseSink struct {
	ctx    *fasthttp.RequestCtx
	status int
	body   string
	sent   bool
}

func NewResponseSink(ctx *fasthttp.RequestCtx) *ResponseSink {
	return &ResponseSink{ctx: ctx}
}

func (s *ResponseSink) SetStatus(code conn.Status) { s.status = int(code) }

func (s *ResponseSink) SetHeader(name, value string) { s.ctx.Response.Header.Set(name, value) }

func (s *ResponseSink) SetCookie(c *http.Cookie) {
	fc := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(fc)
	toFastCookie(c, fc)
	s.ctx.Response.Header.SetCookie(fc)
}

func (s *ResponseSink) ClearCookie(name string) {
	fc := fasthttp.AcquireCookie()
	defer fasthttp.ReleaseCookie(fc)
	fc.SetKey(name)
	fc.SetPath("/")
	fc.SetExpire(fasthttp.CookieExpireDelete)
	s.ctx.Response.Header.SetCookie(fc)
}

func (s *ResponseSink) SetBody(body string) { s.body = body }

func (s *ResponseSink) Send() error {
	if s.sent {
		return conn.ErrAlreadySent
	}
	s.sent = true
	status := s.status
	if status == 0 {
		status = fasthttp.StatusOK
	}
	s.ctx.SetStatusCode(status)
	s.ctx.SetBodyString(s.body)
	return nil
}

func toFastCookie(c *http.Cookie, fc *fasthttp.Cookie) {
	fc.SetKey(c.Name)
	fc.SetValue(c.Value)
	fc.SetPath(c.Path)
	fc.SetDomain(c.Domain)
	switch {
	case c.MaxAge > 0:
		fc.SetMaxAge(c.MaxAge)
	case c.MaxAge < 0:
		fc.SetExpire(fasthttp.CookieExpireDelete)
	}
	if !c.Expires.IsZero() && c.MaxAge >= 0 {
		fc.SetExpire(c.Expires)
	}
	fc.SetSecure(c.Secure)
	fc.SetHTTPOnly(c.HttpOnly)
	switch c.SameSite {
	case http.SameSiteLaxMode:
		fc.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	case http.SameSiteStrictMode:
		fc.SetSameSite(fasthttp.CookieSameSiteStrictMode)
	case http.SameSiteNoneMode:
		fc.SetSameSite(fasthttp.CookieSameSiteNoneMode)
	case http.SameSiteDefaultMode:
		fc.SetSameSite(fasthttp.CookieSameSiteDefaultMode)
	}
}

var _ conn.Sink = (*ResponseSink)(nil)
