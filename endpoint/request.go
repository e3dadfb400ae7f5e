package endpoint

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mnehpets/sedate/conn"
)

// request is the conn.Request view of an *http.Request. Everything a chain
// can read is captured up front so repeated reads agree.
type request struct {
	method string
	url    string
	header http.Header
	body   []byte
	query  url.Values
	params map[string]string
}

func newRequest(w http.ResponseWriter, r *http.Request, opts Options) (*request, error) {
	if r == nil {
		return nil, newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: nil request"))
	}
	body, err := readBody(w, r, opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	req := &request{
		method: r.Method,
		header: r.Header,
		body:   body,
	}
	if r.URL != nil {
		req.url = r.URL.String()
		// Malformed pairs are dropped, as in (*url.URL).Query.
		req.query = r.URL.Query()
	}
	if opts.PathParams != nil {
		req.params = make(map[string]string, len(opts.PathParams))
		for _, name := range opts.PathParams {
			if v := r.PathValue(name); v != "" {
				req.params[name] = v
			}
		}
	}
	return req, nil
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	if limit == 0 {
		limit = DefaultMaxBodyBytes
	}
	rd := io.Reader(r.Body)
	if limit > 0 {
		rd = http.MaxBytesReader(w, r.Body, limit)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, newEndpointError(http.StatusRequestEntityTooLarge, "", fmt.Errorf("endpoint: body exceeds %d bytes", mbe.Limit))
		}
		return nil, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: read body: %w", err))
	}
	return b, nil
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

func (r *request) Query() (url.Values, error) {
	if r.query == nil {
		return url.Values{}, nil
	}
	return r.query, nil
}

var _ conn.Request = (*request)(nil)
