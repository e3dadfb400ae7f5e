package endpoint

import (
	"bytes"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/middleware"
)

type textUpper string

func (t *textUpper) UnmarshalText(b []byte) error {
	*t = textUpper(strings.ToUpper(string(b)))
	return nil
}

// connFor routes req through a ServeMux registered on pattern and returns
// the connection the handler would have started with.
func connFor(t *testing.T, pattern string, req *http.Request, names ...string) conn.Conn[conn.StatusOpen] {
	t.Helper()
	var c conn.Conn[conn.StatusOpen]
	var reqErr error
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		var cr *request
		cr, reqErr = newRequest(w, r, Options{PathParams: names})
		if reqErr == nil {
			c = conn.New(cr)
		}
	})
	mux.ServeHTTP(httptest.NewRecorder(), req)
	if reqErr != nil {
		t.Fatalf("newRequest returned error: %v", reqErr)
	}
	return c
}

func statusOfErr(t *testing.T, err error) int {
	t.Helper()
	var ee *EndpointError
	if !errors.As(err, &ee) {
		t.Fatalf("expected EndpointError, got %T %v", err, err)
	}
	return ee.Status
}

type decodeParams struct {
	ID    string   `path:"id"`
	Q     string   `query:"q"`
	N     int      `query:"n"`
	Ok    bool     `query:"ok"`
	Ratio float64  `query:"ratio"`
	P     *int     `query:"p"`
	F     string   `form:"f"`
	Limit uint     `form:"limit"`
	Flag  *bool    `form:"flag"`
	Score *float64 `form:"score"`
}

func TestUnmarshal_PathQueryForm(t *testing.T) {
	body := strings.NewReader("f=x&limit=3&flag=true&score=1.25")
	req := httptest.NewRequest(http.MethodPost, "/users/42?q=hello&n=7&ok=true&ratio=0.5&p=9", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c := connFor(t, "/users/{id}", req, "id")

	var p decodeParams
	if err := Unmarshal(c, &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.ID != "42" || p.Q != "hello" || p.N != 7 || !p.Ok || p.Ratio != 0.5 {
		t.Fatalf("unexpected path/query values: %+v", p)
	}
	if p.P == nil || *p.P != 9 {
		t.Fatalf("expected P 9, got %v", p.P)
	}
	if p.F != "x" || p.Limit != 3 || p.Flag == nil || !*p.Flag || p.Score == nil || *p.Score != 1.25 {
		t.Fatalf("unexpected form values: %+v", p)
	}
}

func TestUnmarshal_PathUnsupportedIsSkipped(t *testing.T) {
	c := conn.New(&conn.Snapshot{Verb: http.MethodGet, RawURL: "/t?id=7"})
	var p struct {
		ID string `path:"id"`
		Q  string `query:"id"`
	}
	if err := Unmarshal(c, &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.ID != "" || p.Q != "7" {
		t.Fatalf("unexpected values: %+v", p)
	}
}

func TestUnmarshal_NonStructParams_ReturnsError(t *testing.T) {
	var n int
	err := Unmarshal(conn.New(&conn.Snapshot{Verb: http.MethodGet, RawURL: "/"}), &n)
	if statusOfErr(t, err) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}

func TestUnmarshal_Body_JSON_Explicit(t *testing.T) {
	type params struct {
		Body struct {
			A string `json:"a"`
			N int    `json:"n"`
		} `body:",json"`
	}
	req := httptest.NewRequest(http.MethodPost, "/t", strings.NewReader(`{"a":"x","n":7}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	var p params
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.Body.A != "x" || p.Body.N != 7 {
		t.Fatalf("unexpected body: %+v", p.Body)
	}
}

func TestUnmarshal_Body_JSON_Explicit_ContentTypeMismatch(t *testing.T) {
	type params struct {
		Body map[string]any `body:",json"`
	}
	req := httptest.NewRequest(http.MethodPost, "/t", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "text/plain")

	var p params
	err := Unmarshal(connFor(t, "/t", req), &p)
	if statusOfErr(t, err) != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %v", err)
	}
}

func TestUnmarshal_Body_Default_String(t *testing.T) {
	type params struct {
		Body string `body:"placeholder"`
	}
	req := httptest.NewRequest(http.MethodPost, "/t", strings.NewReader("hello"))
	var p params
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.Body != "hello" {
		t.Fatalf("expected hello, got %q", p.Body)
	}
}

func TestUnmarshal_Body_MultipleFieldsError(t *testing.T) {
	var p struct {
		A string `body:"a"`
		B string `body:"b"`
	}
	req := httptest.NewRequest(http.MethodPost, "/t", strings.NewReader("x"))
	err := Unmarshal(connFor(t, "/t", req), &p)
	if statusOfErr(t, err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestUnmarshal_Bytes_Base64(t *testing.T) {
	var p struct {
		B []byte `query:"b,base64"`
		U []byte `query:"u,base64url"`
	}
	plain := []byte("hello?>")
	q := url.Values{
		"b": {base64.StdEncoding.EncodeToString(plain)},
		"u": {base64.RawURLEncoding.EncodeToString(plain)},
	}
	req := httptest.NewRequest(http.MethodGet, "/t?"+q.Encode(), nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if !bytes.Equal(p.B, plain) || !bytes.Equal(p.U, plain) {
		t.Fatalf("expected %q, got %q and %q", plain, p.B, p.U)
	}
}

func TestUnmarshal_Base64_OnNonByteField_ReturnsError(t *testing.T) {
	var p struct {
		S string `query:"s,base64"`
	}
	req := httptest.NewRequest(http.MethodGet, "/t?s=aGk=", nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestUnmarshal_MaxLength(t *testing.T) {
	var p struct {
		S string `query:"s" maxLength:"3"`
	}
	req := httptest.NewRequest(http.MethodGet, "/t?s=abcd", nil)
	err := Unmarshal(connFor(t, "/t", req), &p)
	if statusOfErr(t, err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}

	var unlimited struct {
		S string `query:"s" maxLength:"0"`
	}
	long := strings.Repeat("a", defaultFieldLimit+1)
	req = httptest.NewRequest(http.MethodGet, "/t?s="+long, nil)
	if err := Unmarshal(connFor(t, "/t", req), &unlimited); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}

	var bad struct {
		S string `query:"s" maxLength:"x"`
	}
	if err := Unmarshal(connFor(t, "/t", req), &bad); statusOfErr(t, err) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
}

func TestUnmarshal_DefaultFieldLimit(t *testing.T) {
	var p struct {
		S string `query:"s"`
	}
	long := strings.Repeat("a", defaultFieldLimit+1)
	req := httptest.NewRequest(http.MethodGet, "/t?s="+long, nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); statusOfErr(t, err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestUnmarshal_SourceTag_IgnoreDash(t *testing.T) {
	var p struct {
		Skip string `query:"-"`
		Name string
	}
	req := httptest.NewRequest(http.MethodGet, "/t?skip=x&name=bob", nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.Skip != "" || p.Name != "bob" {
		t.Fatalf("unexpected values: %+v", p)
	}
}

func TestUnmarshal_NestedStruct(t *testing.T) {
	var p struct {
		Inner struct {
			A string `query:"a"`
			B int
		}
		C bool `query:"c"`
	}
	req := httptest.NewRequest(http.MethodGet, "/t?a=hello&b=7&c=true", nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.Inner.A != "hello" || p.Inner.B != 7 || !p.C {
		t.Fatalf("unexpected values: %+v", p)
	}
}

func TestUnmarshal_PathOverridesQuery(t *testing.T) {
	var p struct {
		ID string `path:"id" query:"id"`
	}
	req := httptest.NewRequest(http.MethodGet, "/items/path?id=query", nil)
	if err := Unmarshal(connFor(t, "/items/{id}", req, "id"), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.ID != "path" {
		t.Fatalf("expected path to win, got %q", p.ID)
	}
}

func TestUnmarshal_TextUnmarshaler(t *testing.T) {
	var p struct {
		Name textUpper `query:"name"`
		When time.Time `query:"when"`
	}
	req := httptest.NewRequest(http.MethodGet, "/t?name=bob&when=2024-05-01T10:00:00Z", nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.Name != "BOB" {
		t.Fatalf("expected BOB, got %q", p.Name)
	}
	if !p.When.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", p.When)
	}
}

func TestUnmarshal_CookieAndHeader(t *testing.T) {
	var p struct {
		Session string `cookie:"sid"`
		Missing string `cookie:"nope"`
		Agent   string `header:"User-Agent"`
		Trace   string `query:"trace" header:"X-Trace"`
	}
	req := httptest.NewRequest(http.MethodGet, "/t?trace=q", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "abc"})
	req.Header.Set("User-Agent", "tester")
	req.Header.Set("X-Trace", "h")
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if p.Session != "abc" || p.Missing != "" || p.Agent != "tester" {
		t.Fatalf("unexpected values: %+v", p)
	}
	if p.Trace != "q" {
		t.Fatalf("expected query to win over header, got %q", p.Trace)
	}
}

func TestUnmarshal_Slice_Query(t *testing.T) {
	var p struct {
		IDs []int `query:"id"`
	}
	req := httptest.NewRequest(http.MethodGet, "/t?id=1&id=2&id=3", nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if len(p.IDs) != 3 || p.IDs[0] != 1 || p.IDs[1] != 2 || p.IDs[2] != 3 {
		t.Fatalf("unexpected IDs: %v", p.IDs)
	}
}

func TestUnmarshal_Slice_JSON(t *testing.T) {
	var p struct {
		IDs []int `query:"ids,json"`
	}
	req := httptest.NewRequest(http.MethodGet, "/t?ids="+url.QueryEscape("[4,5]"), nil)
	if err := Unmarshal(connFor(t, "/t", req), &p); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if len(p.IDs) != 2 || p.IDs[0] != 4 || p.IDs[1] != 5 {
		t.Fatalf("unexpected IDs: %v", p.IDs)
	}
}

func TestBind_Inputs(t *testing.T) {
	onErr := func(err error) error { return err }

	type query struct {
		Sort string `query:"sort"`
		Page int    `query:"page"`
	}
	r := Bind[query](onErr)(url.Values{"sort": {"asc"}, "page": {"2"}})
	if q, ok := r.GetRight(); !ok || q.Sort != "asc" || q.Page != 2 {
		t.Fatalf("unexpected query result %v", r)
	}

	type path struct {
		ID   int    `path:"id"`
		Sort string `query:"sort"`
	}
	r2 := Bind[path](onErr)(map[string]string{"id": "42", "sort": "x"})
	if p, ok := r2.GetRight(); !ok || p.ID != 42 || p.Sort != "" {
		t.Fatalf("unexpected path result %v", r2)
	}

	type item struct {
		Name string `json:"name"`
	}
	r3 := Bind[item](onErr)([]byte(`{"name":"widget"}`))
	if it, ok := r3.GetRight(); !ok || it.Name != "widget" {
		t.Fatalf("unexpected body result %v", r3)
	}

	r4 := Bind[int](onErr)("17")
	if n, ok := r4.GetRight(); !ok || n != 17 {
		t.Fatalf("unexpected scalar result %v", r4)
	}

	r5 := Bind[int](onErr)(nil)
	if err, ok := r5.GetLeft(); !ok || !errors.Is(err, ErrMissing) || statusOfErr(t, err) != http.StatusBadRequest {
		t.Fatalf("expected ErrMissing, got %v", r5)
	}

	r6 := Bind[int](onErr)("seventeen")
	if err, ok := r6.GetLeft(); !ok || statusOfErr(t, err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", r6)
	}
}

func TestBind_WithDecodeCombinators(t *testing.T) {
	onErr := func(err error) error { return err }
	req := httptest.NewRequest(http.MethodGet, "/users/42?verbose=true", nil)
	c := connFor(t, "/users/{id}", req, "id")

	id, err := middleware.Eval(t.Context(), middleware.DecodeParam("id", Bind[int](onErr)), c)
	if err != nil {
		t.Fatalf("unexpected defect: %v", err)
	}
	if n, _ := id.GetRight(); n != 42 {
		t.Fatalf("expected 42, got %v", id)
	}

	type flags struct {
		Verbose bool `query:"verbose"`
	}
	f, err := middleware.Eval(t.Context(), middleware.DecodeQuery(Bind[flags](onErr)), c)
	if err != nil {
		t.Fatalf("unexpected defect: %v", err)
	}
	if v, _ := f.GetRight(); !v.Verbose {
		t.Fatalf("expected verbose, got %v", f)
	}
}

func TestParams_Middleware(t *testing.T) {
	type counter struct {
		N int `query:"n"`
	}
	onErr := func(err error) error { return err }

	req := httptest.NewRequest(http.MethodGet, "/t?n=3", nil)
	r, err := middleware.Eval(t.Context(), Params[counter](onErr), connFor(t, "/t", req))
	if err != nil {
		t.Fatalf("unexpected defect: %v", err)
	}
	if v, ok := r.GetRight(); !ok || v.N != 3 {
		t.Fatalf("expected N 3, got %v", r)
	}

	req = httptest.NewRequest(http.MethodGet, "/t?n=x", nil)
	r, err = middleware.Eval(t.Context(), Params[counter](onErr), connFor(t, "/t", req))
	if err != nil {
		t.Fatalf("unexpected defect: %v", err)
	}
	if e, ok := r.GetLeft(); !ok || statusOfErr(t, e) != http.StatusBadRequest {
		t.Fatalf("expected a 400 failure, got %v", r)
	}
}
