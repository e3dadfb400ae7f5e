package fastendpoint

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/valyala/fasthttp"
)

// request is the conn.Request view of a *fasthttp.RequestCtx. fasthttp
// recycles the context after the handler returns, so everything is copied.
type request struct {
	method string
	url    string
	header http.Header
	body   []byte
	query  url.Values
	params map[string]string
}

func newRequest(ctx *fasthttp.RequestCtx, opts endpoint.Options) (*request, error) {
	body := ctx.PostBody()
	limit := opts.MaxBodyBytes
	if limit == 0 {
		limit = endpoint.DefaultMaxBodyBytes
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, endpoint.Error(http.StatusRequestEntityTooLarge, "", fmt.Errorf("fastendpoint: body exceeds %d bytes", limit))
	}

	req := &request{
		method: string(ctx.Method()),
		url:    string(ctx.RequestURI()),
		header: make(http.Header),
		query:  url.Values{},
	}
	if len(body) > 0 {
		req.body = append([]byte(nil), body...)
	}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		req.header.Add(string(k), string(v))
	})
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		req.query.Add(string(k), string(v))
	})
	if opts.PathParams != nil {
		req.params = make(map[string]string, len(opts.PathParams))
		for _, name := range opts.PathParams {
			if v := pathParam(ctx, name); v != "" {
				req.params[name] = v
			}
		}
	}
	return req, nil
}

// pathParam reads a router-provided user value.
func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	if v := ctx.UserValue(name); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func (r *request) Method() string { return r.method }

func (r *request) URL() string { return r.url }

func (r *request) Header(name string) (string, bool) {
	vs := r.header[http.CanonicalHeaderKey(name)]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

func (r *request) Body() []byte { return r.body }

func (r *request) Params() (map[string]string, error) {
	if r.params == nil {
		return nil, &conn.ContractError{Op: "params", Err: conn.ErrUnsupported}
	}
	return r.params, nil
}

func (r *request) Query() (url.Values, error) { return r.query, nil }

var _ conn.Request = (*request)(nil)
