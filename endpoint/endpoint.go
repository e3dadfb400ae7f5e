// Package endpoint runs response chains as net/http handlers.
//
// An EndpointHandler serves each request in three steps:
//
//  1. Snapshot: the request is wrapped in a read-only conn.Request. The body
//     is read once, up to MaxBodyBytes.
//  2. Run: the chain runs against conn.New(req). It records actions but does
//     not touch the http.ResponseWriter.
//  3. Materialize: on success the recorded actions are replayed onto a
//     ResponseSink and sent. On failure they are dropped and a plain-text
//     fallback response is built instead.
//
// Chain failures are mapped to a status code through EndpointError, in the
// same way for every chain. Defects (contract violations, panics and
// cancelled requests) always produce a 5xx and are logged.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/metrics"
	"github.com/mnehpets/sedate/middleware"
)

// EndpointError is a client-visible error that maps directly to an HTTP status code.
//
// The handler wrapper uses this to translate chain failures into HTTP
// responses.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for an HTTP error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

func newEndpointError(status int, message string, err error) error {
	// Avoid double-wrapping.
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Chain is a complete response chain.
type Chain[E any] = middleware.Middleware[conn.StatusOpen, conn.ResponseEnded, E, struct{}]

// DefaultMaxBodyBytes limits how much of a request body is read.
const DefaultMaxBodyBytes int64 = 1 << 20 // 1MB

// Options configure an EndpointHandler.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Timeout bounds a chain. Zero means no limit beyond the request context.
	Timeout time.Duration
	// MaxBodyBytes limits the request body. Zero uses DefaultMaxBodyBytes and
	// a negative value disables the limit.
	MaxBodyBytes int64
	// PathParams lists the wildcard names of the route pattern. When nil,
	// Params reports conn.ErrUnsupported.
	PathParams []string
}

type Option func(*Options)

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func WithMaxBodyBytes(n int64) Option {
	return func(o *Options) { o.MaxBodyBytes = n }
}

// WithPathParams exposes the named http.ServeMux wildcards through
// conn.Request.Params.
func WithPathParams(names ...string) Option {
	return func(o *Options) {
		o.PathParams = append(make([]string, 0, len(names)), names...)
	}
}

// EndpointHandler is the http.Handler for a Chain.
type EndpointHandler[E any] struct {
	Chain Chain[E]
	// Failure converts a chain failure into an error for the fallback
	// response. When nil, failures that implement error are used as is and
	// anything else becomes a 500.
	Failure func(E) error
	Options
}

// Handler constructs an EndpointHandler.
//
// This helper exists to enable type inference for the error type E.
func Handler[E any](chain Chain[E], opts ...Option) *EndpointHandler[E] {
	h := &EndpointHandler[E]{Chain: chain}
	for _, opt := range opts {
		opt(&h.Options)
	}
	return h
}

// HandleFunc adapts a Chain into an http.HandlerFunc.
func HandleFunc[E any](chain Chain[E], opts ...Option) http.HandlerFunc {
	return Handler(chain, opts...).ServeHTTP
}

func (h *EndpointHandler[E]) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[E]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	done := h.Metrics.Begin("nethttp")
	sink := NewResponseSink(w)
	log := h.logger()
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("url", r.URL.String()),
	}

	if h.Chain == nil {
		log.LogAttrs(r.Context(), slog.LevelError, "nil chain", attrs...)
		h.fallback(r, sink, http.StatusInternalServerError, "")
		done(metrics.OutcomeDefect, 0)
		return
	}

	req, err := newRequest(w, r, h.Options)
	if err != nil {
		status, message := StatusOf(err)
		log.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", append(attrs, slog.String("error", err.Error()))...)
		h.fallback(r, sink, status, message)
		done(metrics.OutcomeFailed, 0)
		return
	}

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := run(ctx, h.Chain, conn.New(req))
	attrs = append(attrs, slog.Duration("duration", time.Since(start)))

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		switch {
		case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
			// The client is gone; there is nobody to answer.
			log.LogAttrs(ctx, slog.LevelDebug, "request cancelled", attrs...)
		case errors.Is(err, context.DeadlineExceeded):
			log.LogAttrs(ctx, slog.LevelError, "chain timed out", attrs...)
			h.fallback(r, sink, http.StatusServiceUnavailable, "")
		default:
			log.LogAttrs(ctx, slog.LevelError, "chain defect", attrs...)
			h.fallback(r, sink, http.StatusInternalServerError, "")
		}
		done(metrics.OutcomeDefect, 0)
		return
	}

	out, ok := result.GetRight()
	if !ok {
		e, _ := result.GetLeft()
		ferr := h.failure(e)
		status, message := StatusOf(ferr)
		attrs = append(attrs, slog.Int("status", status), slog.String("error", ferr.Error()))
		log.LogAttrs(ctx, slog.LevelError, "chain failed", attrs...)
		h.fallback(r, sink, status, message)
		done(metrics.OutcomeFailed, 0)
		return
	}

	rep, err := conn.Materialize(out.Conn, sink)
	attrs = append(attrs, slog.Int("actions", rep.Actions))
	if err != nil {
		log.LogAttrs(ctx, slog.LevelError, "send failed", append(attrs, slog.String("error", err.Error()))...)
	}
	if !rep.Ended {
		log.LogAttrs(ctx, slog.LevelWarn, "response not ended", attrs...)
		done(metrics.OutcomeUnended, rep.Actions)
		return
	}
	log.LogAttrs(ctx, slog.LevelDebug, "response sent", attrs...)
	done(metrics.OutcomeOK, rep.Actions)
}

func (h *EndpointHandler[E]) failure(e E) error {
	return FailureError(h.Failure, e)
}

// FailureError converts a chain failure into an error using f, falling back
// to e itself when it implements error and to a 500 otherwise.
func FailureError[E any](f func(E) error, e E) error {
	if f != nil {
		if err := f(e); err != nil {
			return err
		}
	}
	if err, ok := any(e).(error); ok && err != nil {
		return err
	}
	return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: chain failed: %v", e))
}

// fallback replaces the dropped response of a failed chain with a plain
// text error. It goes through the same materialization as a chain.
func (h *EndpointHandler[E]) fallback(r *http.Request, sink *ResponseSink, status int, message string) {
	c := Fallback(conn.New(&conn.Snapshot{Verb: r.Method, RawURL: r.URL.String()}), status, message)
	if _, err := conn.Materialize(c, sink); err != nil {
		h.logger().LogAttrs(r.Context(), slog.LevelError, "send failed", slog.String("error", err.Error()))
	}
}

// Fallback builds the error response used for failed chains. An empty
// message uses the status text.
func Fallback(c conn.Conn[conn.StatusOpen], status int, message string) conn.Conn[conn.ResponseEnded] {
	if message == "" {
		message = http.StatusText(status)
	}
	hc := conn.SetStatus(c, conn.Status(status))
	hc = conn.SetHeader(hc, "Content-Type", "text/plain; charset=utf-8")
	hc = conn.SetHeader(hc, "X-Content-Type-Options", "nosniff")
	return conn.SetBody(conn.CloseHeaders(hc), message+"\n")
}

// StatusOf extracts the fallback status and message from err. Errors that
// are not an EndpointError map to 500 with their own text.
func StatusOf(err error) (int, string) {
	status := http.StatusInternalServerError
	message := ""

	var ee *EndpointError
	// Check if the error already encodes a valid HTTP status.
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		if ee.Message == "" {
			message = http.StatusText(status)
		} else {
			message = ee.Message
		}
	} else {
		message = err.Error()
	}
	return status, message
}
