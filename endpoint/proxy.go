package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/middleware"
)

// Upstream forwards requests to another HTTP server. The upstream response
// is buffered and recorded like any other, so it only reaches the client
// if the whole chain succeeds.
type Upstream struct {
	Target *url.URL
	Client *http.Client
	// Forward lists the request headers copied upstream.
	Forward []string
	// Copy lists the response headers copied back.
	Copy []string
	// MaxBodyBytes limits the upstream response body. Zero uses
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// NewUpstream creates an Upstream for the given target URL.
//
// It returns an error if the targetURL is empty, is not an absolute URL, or cannot be parsed.
//
// Security Warning:
// Be cautious when using user-provided input to construct the targetURL. Failure to validate
// the URL can lead to Server-Side Request Forgery (SSRF) vulnerabilities, allowing attackers
// to access internal network resources.
func NewUpstream(targetURL string) (*Upstream, error) {
	if targetURL == "" {
		return nil, errors.New("endpoint: target URL is required")
	}

	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid target URL: %w", err)
	}

	if !target.IsAbs() {
		return nil, errors.New("endpoint: target URL must be absolute")
	}

	return &Upstream{
		Target:  target,
		Client:  http.DefaultClient,
		Forward: []string{"Accept", "Content-Type"},
		Copy:    []string{"Content-Type", "Cache-Control", "Etag", "Last-Modified"},
	}, nil
}

type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

func (u *Upstream) outgoing(ctx context.Context, c conn.Conn[conn.StatusOpen]) (*http.Request, error) {
	in, err := url.Parse(c.URL())
	if err != nil {
		return nil, err
	}
	out := *u.Target
	out.Path = strings.TrimSuffix(u.Target.Path, "/") + in.Path
	out.RawPath = ""
	out.RawQuery = in.RawQuery

	var body io.Reader
	if b := c.Body(); len(b) > 0 {
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), out.String(), body)
	if err != nil {
		return nil, err
	}
	for _, name := range u.Forward {
		if v, ok := c.Header(name); ok {
			req.Header.Set(name, v)
		}
	}
	req.Host = u.Target.Host
	return req, nil
}

func (u *Upstream) do(req *http.Request) (*upstreamResponse, error) {
	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, newEndpointError(http.StatusBadGateway, "", err)
	}
	defer resp.Body.Close()

	limit := u.MaxBodyBytes
	if limit == 0 {
		limit = DefaultMaxBodyBytes
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, newEndpointError(http.StatusBadGateway, "", err)
	}
	if int64(len(b)) > limit {
		return nil, newEndpointError(http.StatusBadGateway, "", fmt.Errorf("endpoint: upstream body exceeds %d bytes", limit))
	}
	return &upstreamResponse{status: resp.StatusCode, header: resp.Header, body: b}, nil
}

// Proxy is a complete chain that forwards the request to u and answers with
// the upstream status, the headers listed in u.Copy and the body. Transport
// failures are reported with onErr as a 502 EndpointError.
func Proxy[E any](u *Upstream, onErr func(error) E) Chain[E] {
	build := middleware.Gets[conn.StatusOpen, E](func(c conn.Conn[conn.StatusOpen]) conn.Conn[conn.StatusOpen] { return c })
	return middleware.Bind(build, func(c conn.Conn[conn.StatusOpen]) Chain[E] {
		fetch := middleware.TryCatch[conn.StatusOpen](func(ctx context.Context) (*upstreamResponse, error) {
			req, err := u.outgoing(ctx, c)
			if err != nil {
				return nil, newEndpointError(http.StatusBadGateway, "", err)
			}
			return u.do(req)
		}, onErr)
		return middleware.Bind(fetch, func(resp *upstreamResponse) Chain[E] {
			return middleware.Modify[conn.StatusOpen, conn.ResponseEnded, E](func(c conn.Conn[conn.StatusOpen]) conn.Conn[conn.ResponseEnded] {
				hc := conn.SetStatus(c, conn.Status(resp.status))
				for _, name := range u.Copy {
					if v := resp.header.Get(name); v != "" {
						hc = conn.SetHeader(hc, name, v)
					}
				}
				return conn.SetBody(conn.CloseHeaders(hc), string(resp.body))
			})
		})
	})
}
