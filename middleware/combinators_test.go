package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"

	"code.hybscloud.com/kont"
	"github.com/mnehpets/sedate/conn"
)

func TestScenario_StatusHeaderSend(t *testing.T) {
	m := Then(Status[string](conn.StatusOK),
		Then(Header[string]("X-Test", "1"),
			Then(CloseHeaders[string](), Send[string]("hello"))))

	rec, r := runEnded(t, m)
	if !r.IsRight() {
		t.Fatalf("expected success")
	}
	if rec.Status != conn.StatusOK || rec.Headers["X-Test"] != "1" || len(rec.Headers) != 1 || rec.Body != "hello" {
		t.Fatalf("unexpected response %+v", rec)
	}
	out, _ := r.GetRight()
	if !out.Conn.Ended() {
		t.Fatalf("expected ended")
	}
}

func TestScenario_FailingQueryDecoderShortCircuits(t *testing.T) {
	decoder := Decoder[string, int](func(any) kont.Either[string, int] {
		return kont.Left[string, int]("E1")
	})
	m := Bind(DecodeQuery(decoder), func(n int) Middleware[conn.StatusOpen, conn.ResponseEnded, string, struct{}] {
		return Then(Status[string](conn.StatusOK), Then(CloseHeaders[string](), Send[string]("unreachable")))
	})

	rec, r := runEnded(t, m)
	e, ok := r.GetLeft()
	if !ok || e != "E1" {
		t.Fatalf("expected failure E1, got %v", r)
	}
	if rec.Sent != 0 || rec.Status != 0 || rec.Body != "" {
		t.Fatalf("expected nothing materialized, got %+v", rec)
	}
}

func TestScenario_JSON(t *testing.T) {
	m := Then(Status[string](conn.StatusOK), JSON(map[string]int{"a": 1}, func(err error) string { return err.Error() }))

	rec, r := runEnded(t, m)
	if !r.IsRight() {
		t.Fatalf("expected success, got %v", r)
	}
	if got := rec.Headers["Content-Type"]; got != "application/json" {
		t.Fatalf("expected application/json, got %q", got)
	}
	if rec.Body != `{"a":1}` {
		t.Fatalf("expected body %q, got %q", `{"a":1}`, rec.Body)
	}
}

func TestJSON_NoHTMLEscaping(t *testing.T) {
	m := Then(Status[string](conn.StatusOK), JSON("<a&b>", func(err error) string { return err.Error() }))
	rec, _ := runEnded(t, m)
	if rec.Body != `"<a&b>"` {
		t.Fatalf("unexpected body %q", rec.Body)
	}
}

func TestJSON_SerializationFailureRecordsNothing(t *testing.T) {
	m := Then(Status[string](conn.StatusOK), JSON(math.Inf(1), func(err error) string { return "encode" }))
	r, err := Run(context.Background(), m, newConn())
	if err != nil {
		t.Fatalf("unexpected defect: %v", err)
	}
	if e, ok := r.GetLeft(); !ok || e != "encode" {
		t.Fatalf("expected encode failure, got %v", r)
	}
}

func TestScenario_Redirect(t *testing.T) {
	r, err := Run(context.Background(), Redirect[string]("/x"), newConn())
	if err != nil {
		t.Fatalf("unexpected defect: %v", err)
	}
	out, _ := r.GetRight()
	if out.Conn.Phase() != conn.TagHeadersOpen {
		t.Fatalf("expected HeadersOpen, got %s", out.Conn.Phase())
	}

	var rec conn.Recorder
	rep, err := conn.Materialize(out.Conn, &rec)
	if err != nil {
		t.Fatalf("Materialize returned error: %v", err)
	}
	if rec.Status != conn.StatusFound || rec.Headers["Location"] != "/x" {
		t.Fatalf("unexpected response %+v", rec)
	}
	if rep.Ended {
		t.Fatalf("redirect alone must not end the response")
	}
}

func TestScenario_SendAfterRedirectRejected(t *testing.T) {
	send := Script[conn.HeadersOpen, conn.ResponseEnded, string](Do(conn.BodyAction("late")))
	m := Then(Redirect[string]("/x"), send)

	_, err := Run(context.Background(), m, newConn())
	var pe *conn.PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *conn.PhaseError, got %v", err)
	}
	if pe.Op != conn.OpSetBody || pe.Phase != conn.TagHeadersOpen {
		t.Fatalf("unexpected phase error %+v", pe)
	}
}

func TestScript_CannedResponse(t *testing.T) {
	m := Script[conn.StatusOpen, conn.ResponseEnded, string](
		Do(conn.StatusAction(conn.StatusTeapot)),
		Do(conn.HeaderAction("Content-Type", "text/plain")),
		Close,
		Do(conn.BodyAction("short and stout")),
	)
	rec, r := runEnded(t, m)
	if !r.IsRight() {
		t.Fatalf("expected success")
	}
	if rec.Status != conn.StatusTeapot || rec.Body != "short and stout" {
		t.Fatalf("unexpected response %+v", rec)
	}
}

func TestScript_WrongFinalPhase(t *testing.T) {
	m := Script[conn.StatusOpen, conn.ResponseEnded, string](Do(conn.StatusAction(conn.StatusOK)))
	_, err := Run(context.Background(), m, newConn())
	if !errors.Is(err, conn.ErrContract) {
		t.Fatalf("expected contract defect, got %v", err)
	}
}

func TestCookieAndClearCookie(t *testing.T) {
	m := Then(Status[string](conn.StatusOK),
		Then(Cookie[string](http.Cookie{Name: "a", Value: "1"}),
			Then(ClearCookie[string]("b"),
				Then(CloseHeaders[string](), End[string]()))))
	rec, _ := runEnded(t, m)
	if len(rec.Cookies) != 1 || rec.Cookies[0].Name != "a" || rec.Cookies[0].Value != "1" {
		t.Fatalf("unexpected cookies %+v", rec.Cookies)
	}
	if len(rec.Cleared) != 1 || rec.Cleared[0] != "b" {
		t.Fatalf("unexpected cleared cookies %v", rec.Cleared)
	}
	if rec.Body != "" {
		t.Fatalf("expected empty body, got %q", rec.Body)
	}
}

func TestContentType(t *testing.T) {
	m := Then(Status[string](conn.StatusOK),
		Then(ContentType[string](conn.MediaTextHTML),
			Then(CloseHeaders[string](), Send[string]("<p>"))))
	rec, _ := runEnded(t, m)
	if rec.Headers["Content-Type"] != string(conn.MediaTextHTML) {
		t.Fatalf("unexpected content type %q", rec.Headers["Content-Type"])
	}
}
