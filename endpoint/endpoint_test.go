package endpoint

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"code.hybscloud.com/kont"
	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/metrics"
	"github.com/mnehpets/sedate/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type item struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func toErr(err error) error { return err }

func bufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func lookup(id int) kont.Either[error, item] {
	if id != 42 {
		return kont.Left[error, item](Error(http.StatusNotFound, "no such item", nil))
	}
	return kont.Right[error](item{ID: id, Name: "widget"})
}

func getItem() Chain[error] {
	return middleware.Bind(
		middleware.DecodeParam("id", Bind[int](toErr)),
		func(id int) Chain[error] {
			return middleware.Bind(middleware.FromEither[conn.StatusOpen](lookup(id)), func(it item) Chain[error] {
				return middleware.Then(
					middleware.Status[error](conn.StatusOK),
					middleware.Then(
						middleware.Header[error]("X-Item", "42"),
						middleware.JSON[error](it, toErr),
					),
				)
			})
		},
	)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /items/{id}", Handler(getItem(), WithPathParams("id")))

	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	if rec.Header().Get("X-Item") != "42" {
		t.Fatalf("expected X-Item header, got %v", rec.Header())
	}
	if body := rec.Body.String(); body != `{"id":42,"name":"widget"}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandler_FailureUsesEndpointError(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /items/{id}", Handler(getItem(), WithPathParams("id")))

	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if rec.Body.String() != "no such item\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected Content-Type %q", rec.Header().Get("Content-Type"))
	}

	rec = serve(mux, httptest.NewRequest(http.MethodGet, "/items/abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for a bad id, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandler_FailedChainRecordsNothing(t *testing.T) {
	chain := middleware.Then(
		middleware.Status[error](conn.StatusOK),
		middleware.Then(
			middleware.Header[error]("X-Leak", "yes"),
			middleware.Fail[conn.HeadersOpen, error, struct{}](errors.New("boom")),
		),
	)
	rec := serve(Handler(middleware.Then(chain, middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]()))),
		httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if rec.Header().Get("X-Leak") != "" {
		t.Fatalf("actions of a failed chain must not be applied")
	}
	if rec.Body.String() != "boom\n" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestHandler_NonErrorFailure(t *testing.T) {
	chain := middleware.Fail[conn.StatusOpen, string, struct{}]("teapot")
	full := middleware.Then(chain, middleware.Then(middleware.Status[string](conn.StatusOK),
		middleware.Then(middleware.CloseHeaders[string](), middleware.End[string]())))

	rec := serve(Handler(full), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}

	h := Handler(full)
	h.Failure = func(s string) error { return Error(http.StatusTeapot, s, nil) }
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot || rec.Body.String() != "teapot\n" {
		t.Fatalf("expected mapped failure, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_DefectIs500(t *testing.T) {
	var buf bytes.Buffer
	script := middleware.Script[conn.StatusOpen, conn.ResponseEnded, error](
		middleware.Do(conn.BodyAction("too early")),
	)
	rec := serve(Handler(script, WithLogger(bufferLogger(&buf))), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if strings.Contains(rec.Body.String(), "setBody") {
		t.Fatalf("defect details must not reach the client: %q", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "chain defect") {
		t.Fatalf("expected defect to be logged, got %q", buf.String())
	}
}

func TestHandler_RecoversPanic(t *testing.T) {
	chain := middleware.Bind(
		middleware.Pure[conn.StatusOpen, error](0),
		func(int) Chain[error] { panic("kaboom") },
	)
	h := Handler(chain, WithLogger(slog.New(slog.DiscardHandler)))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("handler should keep serving after a panic, got %d", rec.Code)
	}
}

func TestRecover_ReturnsPanicError(t *testing.T) {
	m := Recover(middleware.Bind(
		middleware.Pure[conn.StatusOpen, error](0),
		func(int) Chain[error] { panic("kaboom") },
	))
	_, err := middleware.Run(context.Background(), m, conn.New(&conn.Snapshot{}))
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" {
		t.Fatalf("expected PanicError, got %v", err)
	}
}

func TestHandler_TimeoutIs503(t *testing.T) {
	never := make(chan kont.Either[error, int])
	chain := middleware.Bind(
		middleware.Await[conn.StatusOpen, error, int](never),
		func(int) Chain[error] {
			return middleware.Then(middleware.Status[error](conn.StatusOK),
				middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]()))
		},
	)
	h := Handler(chain, WithTimeout(10*time.Millisecond), WithLogger(slog.New(slog.DiscardHandler)))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestHandler_BodyLimit(t *testing.T) {
	echo := middleware.Bind(
		middleware.DecodeBody(Bind[string](toErr)),
		func(s string) Chain[error] {
			return middleware.Then(middleware.Status[error](conn.StatusOK),
				middleware.Then(middleware.CloseHeaders[error](), middleware.Send[error](s)))
		},
	)
	h := Handler(echo, WithMaxBodyBytes(4), WithLogger(slog.New(slog.DiscardHandler)))

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcd")))
	if rec.Code != http.StatusOK || rec.Body.String() != "abcd" {
		t.Fatalf("expected echo, got %d %q", rec.Code, rec.Body.String())
	}
	rec = serve(h, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("abcde")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, rec.Code)
	}
}

func TestHandler_UnendedResponseIsSentAndLogged(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	unended := middleware.Modify[conn.StatusOpen, conn.ResponseEnded, error](func(conn.Conn[conn.StatusOpen]) conn.Conn[conn.ResponseEnded] {
		return conn.Conn[conn.ResponseEnded]{}
	})
	rec := serve(Handler(unended, WithLogger(bufferLogger(&buf)), WithMetrics(m)), httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected default status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(buf.String(), "response not ended") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
	if got := testutil.ToFloat64(m.ChainsTotal.WithLabelValues("nethttp", "unended")); got != 1 {
		t.Fatalf("expected unended count 1, got %f", got)
	}
}

func TestHandler_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	mux := http.NewServeMux()
	mux.Handle("GET /items/{id}", Handler(getItem(), WithPathParams("id"), WithMetrics(m), WithLogger(slog.New(slog.DiscardHandler))))

	serve(mux, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	serve(mux, httptest.NewRequest(http.MethodGet, "/items/1", nil))

	if got := testutil.ToFloat64(m.ChainsTotal.WithLabelValues("nethttp", "ok")); got != 1 {
		t.Fatalf("expected ok count 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.ChainsTotal.WithLabelValues("nethttp", "failed")); got != 1 {
		t.Fatalf("expected failed count 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.InFlight.WithLabelValues("nethttp")); got != 0 {
		t.Fatalf("expected nothing in flight, got %f", got)
	}
}

func TestHandler_NilChain(t *testing.T) {
	h := &EndpointHandler[error]{Options: Options{Logger: slog.New(slog.DiscardHandler)}}
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestHandleFunc(t *testing.T) {
	hf := HandleFunc(middleware.Then(middleware.Status[error](conn.StatusNoContent),
		middleware.Then(middleware.CloseHeaders[error](), middleware.End[error]())))
	rec := httptest.NewRecorder()
	hf(rec, httptest.NewRequest(http.MethodDelete, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
}

func TestResponseSink(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewResponseSink(rec)
	s.SetStatus(conn.StatusCreated)
	s.SetHeader("X-A", "1")
	s.SetHeader("X-A", "2")
	s.SetCookie(&http.Cookie{Name: "a", Value: "b"})
	s.ClearCookie("old")
	s.SetBody("done")
	if err := s.Send(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(); !errors.Is(err, conn.ErrAlreadySent) {
		t.Fatalf("second Send: got %v want %v", err, conn.ErrAlreadySent)
	}

	if rec.Code != http.StatusCreated || rec.Body.String() != "done" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Values("X-A"); len(got) != 1 || got[0] != "2" {
		t.Fatalf("expected SetHeader to replace, got %v", got)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 2 || cookies[0].Name != "a" || cookies[1].Name != "old" || cookies[1].MaxAge >= 0 {
		t.Fatalf("unexpected cookies %+v", cookies)
	}
}

func TestEndpointError(t *testing.T) {
	cause := errors.New("db down")
	err := Error(http.StatusServiceUnavailable, "", cause)
	if err.Error() != "Service Unavailable: db down" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if again := Error(http.StatusBadRequest, "x", err); again != err {
		t.Fatalf("expected no double wrapping")
	}
	status, msg := StatusOf(errors.New("plain"))
	if status != http.StatusInternalServerError || msg != "plain" {
		t.Fatalf("unexpected fallback %d %q", status, msg)
	}
}
