package session

import (
	"context"
	"crypto/rand"
	"net/http"
	"testing"
	"time"

	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/middleware"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	key := make([]byte, middleware.DefaultAEADKeysize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	st, err := NewStore("k1", map[string][]byte{"k1": key}, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func requestWith(ck *http.Cookie) conn.Conn[conn.StatusOpen] {
	hdr := http.Header{}
	if ck != nil {
		hdr.Set("Cookie", ck.Name+"="+ck.Value)
	}
	return conn.New(&conn.Snapshot{Verb: http.MethodGet, RawURL: "/", Headers: hdr})
}

func load(t *testing.T, st *Store, c conn.Conn[conn.StatusOpen]) *Session {
	t.Helper()
	v, err := middleware.Eval(context.Background(), Load[conn.StatusOpen, string](st), c)
	if err != nil {
		t.Fatalf("Load defect: %v", err)
	}
	s, ok := v.GetRight()
	if !ok {
		t.Fatalf("Load failed")
	}
	return s
}

// save runs Save inside a minimal response and returns the cookies it set.
func save(t *testing.T, st *Store, s *Session) []*http.Cookie {
	t.Helper()
	onErr := func(err error) string { return err.Error() }
	m := middleware.Then(middleware.Status[string](conn.StatusOK),
		middleware.Then(Save(st, s, onErr),
			middleware.Then(middleware.CloseHeaders[string](), middleware.End[string]())))
	r, err := middleware.Run(context.Background(), m, requestWith(nil))
	if err != nil {
		t.Fatalf("Save defect: %v", err)
	}
	out, ok := r.GetRight()
	if !ok {
		e, _ := r.GetLeft()
		t.Fatalf("Save failed: %s", e)
	}
	var rec conn.Recorder
	if _, err := conn.Materialize(out.Conn, &rec); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	return rec.Cookies
}

func TestLoad_NoCookieIsLoggedOut(t *testing.T) {
	st := newTestStore(t)
	s := load(t, st, requestWith(nil))
	if _, ok := s.Username(); ok {
		t.Fatalf("expected logged out session")
	}
	if s.Dirty() {
		t.Fatalf("expected clean session")
	}
	if cookies := save(t, st, s); len(cookies) != 0 {
		t.Fatalf("expected no Set-Cookie, got %+v", cookies)
	}
}

func TestLoginSaveLoadRoundTrip(t *testing.T) {
	st := newTestStore(t)
	s := load(t, st, requestWith(nil))
	if err := s.Login("alice"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := s.Set("theme", "dark"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cookies := save(t, st, s)
	if len(cookies) != 1 || cookies[0].Name != DefaultCookieName {
		t.Fatalf("expected one session cookie, got %+v", cookies)
	}

	s2 := load(t, st, requestWith(cookies[0]))
	if u, ok := s2.Username(); !ok || u != "alice" {
		t.Fatalf("expected alice, got %q %v", u, ok)
	}
	if s2.ID() != s.ID() || s2.ID() == "" {
		t.Fatalf("session ID mismatch: %q vs %q", s2.ID(), s.ID())
	}
	var theme string
	if err := s2.Get("theme", &theme); err != nil || theme != "dark" {
		t.Fatalf("Get: %q %v", theme, err)
	}
	if s2.Dirty() {
		t.Fatalf("freshly loaded session should be clean")
	}
	if cookies := save(t, st, s2); len(cookies) != 0 {
		t.Fatalf("unchanged session wrote a cookie: %+v", cookies)
	}
}

func TestLogin_RegeneratesID(t *testing.T) {
	st := newTestStore(t)
	s := load(t, st, requestWith(nil))
	_ = s.Login("alice")
	first := s.ID()
	_ = s.Login("alice")
	if s.ID() == first {
		t.Fatalf("expected new session ID on login")
	}
}

func TestLogout_ClearsCookie(t *testing.T) {
	st := newTestStore(t)
	s := load(t, st, requestWith(nil))
	_ = s.Login("bob")
	ck := save(t, st, s)[0]

	s2 := load(t, st, requestWith(ck))
	if err := s2.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	cookies := save(t, st, s2)
	if len(cookies) != 1 || cookies[0].MaxAge != -1 {
		t.Fatalf("expected clearing cookie, got %+v", cookies)
	}
}

func TestLoad_TamperedCookieIsCleared(t *testing.T) {
	st := newTestStore(t)
	s := load(t, st, requestWith(&http.Cookie{Name: DefaultCookieName, Value: "k1.garbage"}))
	if _, ok := s.Username(); ok {
		t.Fatalf("expected logged out session")
	}
	cookies := save(t, st, s)
	if len(cookies) != 1 || cookies[0].MaxAge != -1 {
		t.Fatalf("expected clearing cookie, got %+v", cookies)
	}
}

func TestLoad_ExpiredSessionIsCleared(t *testing.T) {
	st := newTestStore(t)
	d := data{ID: "x", Username: "eve", Expires: time.Now().Add(-time.Minute), Period: 3600}
	ck, err := st.Cookie().Seal(d, time.Hour)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	s := load(t, st, requestWith(&ck))
	if _, ok := s.Username(); ok {
		t.Fatalf("expired session should be logged out")
	}
	if !s.Dirty() {
		t.Fatalf("expired session should be marked for clearing")
	}
}

func TestLoad_ExtendsNearExpiry(t *testing.T) {
	st := newTestStore(t, WithMaxAge(time.Hour), WithExtendThreshold(30*time.Minute))
	now := time.Now().Truncate(time.Second)
	d := data{ID: "x", Username: "eve", Expires: now.Add(10 * time.Minute), Period: 3600}
	ck, err := st.Cookie().Seal(d, time.Hour)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	s := load(t, st, requestWith(&ck))
	if !s.Dirty() {
		t.Fatalf("expected extension to mark the session dirty")
	}
	if !s.Expires().After(now.Add(50 * time.Minute)) {
		t.Fatalf("expected expiry pushed out, got %v", s.Expires())
	}
	if cookies := save(t, st, s); len(cookies) != 1 {
		t.Fatalf("expected refreshed cookie, got %+v", cookies)
	}
}

func TestExtendTo_RespectsMaxLifetime(t *testing.T) {
	created := time.Now().Add(-MaxExtendedPeriod + time.Hour).Truncate(time.Second)
	d := &data{Expires: created.Add(30 * time.Minute), Period: 1800}
	if !d.extendTo(time.Now().Add(48 * time.Hour)) {
		t.Fatalf("expected extension")
	}
	if want := created.Add(MaxExtendedPeriod); !d.Expires.Equal(want) {
		t.Fatalf("expected expiry capped at %v, got %v", want, d.Expires)
	}
}

func TestSessionAccessorsWhenLoggedOut(t *testing.T) {
	s := &Session{}
	if s.ID() != "" || !s.Expires().IsZero() {
		t.Fatalf("expected empty accessors")
	}
	if err := s.Set("k", 1); err != ErrNotLoggedIn {
		t.Fatalf("Set: got %v want %v", err, ErrNotLoggedIn)
	}
	var v int
	if err := s.Get("k", &v); err != ErrNotLoggedIn {
		t.Fatalf("Get: got %v want %v", err, ErrNotLoggedIn)
	}
	s.Delete("k")
	if s.Dirty() {
		t.Fatalf("Delete on logged out session should be a no-op")
	}

	var nilSession *Session
	if err := nilSession.Login("x"); err != ErrNilSession {
		t.Fatalf("Login on nil: got %v", err)
	}
}
