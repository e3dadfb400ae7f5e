// Package fastendpoint runs response chains as fasthttp request handlers.
//
// It is the fasthttp counterpart of package endpoint: the same chains, options,
// failure mapping and fallback responses, with the request read from and the
// response written to a *fasthttp.RequestCtx.
package fastendpoint

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/endpoint"
	"github.com/mnehpets/sedate/metrics"
	"github.com/mnehpets/sedate/middleware"
	"github.com/valyala/fasthttp"
)

// Handler is the fasthttp handler for a chain.
type Handler[E any] struct {
	Chain   endpoint.Chain[E]
	Failure func(E) error
	endpoint.Options
}

// New constructs a Handler.
func New[E any](chain endpoint.Chain[E], opts ...endpoint.Option) *Handler[E] {
	h := &Handler[E]{Chain: chain}
	for _, opt := range opts {
		opt(&h.Options)
	}
	return h
}

// HandlerFunc adapts a chain into a fasthttp.RequestHandler.
func HandlerFunc[E any](chain endpoint.Chain[E], opts ...endpoint.Option) fasthttp.RequestHandler {
	return New(chain, opts...).ServeFastHTTP
}

func (h *Handler[E]) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// ServeFastHTTP implements fasthttp.RequestHandler.
func (h *Handler[E]) ServeFastHTTP(fctx *fasthttp.RequestCtx) {
	done := h.Metrics.Begin("fasthttp")
	sink := NewResponseSink(fctx)
	log := h.logger()
	method, uri := string(fctx.Method()), string(fctx.RequestURI())
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("url", uri),
	}

	// fasthttp contexts are only cancelled on server shutdown.
	ctx := context.Background()

	if h.Chain == nil {
		log.LogAttrs(ctx, slog.LevelError, "nil chain", attrs...)
		h.fallback(ctx, method, uri, sink, http.StatusInternalServerError, "")
		done(metrics.OutcomeDefect, 0)
		return
	}

	req, err := newRequest(fctx, h.Options)
	if err != nil {
		status, message := endpoint.StatusOf(err)
		log.LogAttrs(ctx, slog.LevelWarn, "request rejected", append(attrs, slog.String("error", err.Error()))...)
		h.fallback(ctx, method, uri, sink, status, message)
		done(metrics.OutcomeFailed, 0)
		return
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := middleware.Run(ctx, endpoint.Recover(h.Chain), conn.New(req))
	attrs = append(attrs, slog.Duration("duration", time.Since(start)))

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		if errors.Is(err, context.DeadlineExceeded) {
			log.LogAttrs(ctx, slog.LevelError, "chain timed out", attrs...)
			h.fallback(ctx, method, uri, sink, http.StatusServiceUnavailable, "")
		} else {
			log.LogAttrs(ctx, slog.LevelError, "chain defect", attrs...)
			h.fallback(ctx, method, uri, sink, http.StatusInternalServerError, "")
		}
		done(metrics.OutcomeDefect, 0)
		return
	}

	out, ok := result.GetRight()
	if !ok {
		e, _ := result.GetLeft()
		ferr := endpoint.FailureError(h.Failure, e)
		status, message := endpoint.StatusOf(ferr)
		attrs = append(attrs, slog.Int("status", status), slog.String("error", ferr.Error()))
		log.LogAttrs(ctx, slog.LevelError, "chain failed", attrs...)
		h.fallback(ctx, method, uri, sink, status, message)
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

func (h *Handler[E]) fallback(ctx context.Context, method, uri string, sink *ResponseSink, status int, message string) {
	c := endpoint.Fallback(conn.New(&conn.Snapshot{Verb: method, RawURL: uri}), status, message)
	if _, err := conn.Materialize(c, sink); err != nil {
		h.logger().LogAttrs(ctx, slog.LevelError, "send failed", slog.String("error", err.Error()))
	}
}
