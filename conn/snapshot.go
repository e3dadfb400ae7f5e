package conn

import (
	"net/http"
	"net/url"
)

// Snapshot is a Request backed by plain values. Adapters that copy the
// request up front can use it directly; tests use it to build connections
// without a server.
//
// Params is unsupported when PathParams is nil.
type Snapshot struct {
	Verb       string
	RawURL     string
	Headers    http.Header
	Payload    []byte
	PathParams map[string]string
}

func (s *Snapshot) Method() string { return s.Verb }

func (s *Snapshot) URL() string { return s.RawURL }

func (s *Snapshot) Header(name string) (string, bool) {
	vs := s.Headers[http.CanonicalHeaderKey(name)]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

func (s *Snapshot) Body() []byte { return s.Payload }

func (s *Snapshot) Params() (map[string]string, error) {
	if s.PathParams == nil {
		return nil, unsupported("params")
	}
	return s.PathParams, nil
}

func (s *Snapshot) Query() (url.Values, error) {
	u, err := url.Parse(s.RawURL)
	if err != nil {
		return nil, &ContractError{Op: "query", Err: err}
	}
	return u.Query(), nil
}

var _ Request = (*Snapshot)(nil)
