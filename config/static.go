package config

import (
	"maps"
	"net/http"
	"slices"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/middleware"
)

// Chain returns the canned response as a chain. Headers are recorded in
// name order.
func (r StaticRoute) Chain() endpoint.Chain[error] {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	steps := []middleware.Step{middleware.Do(conn.StatusAction(conn.Status(status)))}
	for _, name := range slices.Sorted(maps.Keys(r.Headers)) {
		steps = append(steps, middleware.Do(conn.HeaderAction(name, r.Headers[name])))
	}
	steps = append(steps, middleware.Close, middleware.Do(conn.BodyAction(r.Body)))
	return middleware.Script[conn.StatusOpen, conn.ResponseEnded, error](steps...)
}

// Mount registers every static route on mux.
func (c *Config) Mount(mux *http.ServeMux, opts ...endpoint.Option) {
	for _, r := range c.Static {
		mux.Handle(r.Pattern, endpoint.Handler(r.Chain(), opts...))
	}
}
