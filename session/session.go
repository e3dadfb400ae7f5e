// Package session keeps login state in an encrypted cookie.
//
// Load reads the session at the start of a chain and Save writes it back
// once the headers are open. Only a changed session produces a Set-Cookie.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/middleware"
)

var (
	ErrNilSession  = errors.New("session: nil session")
	ErrNotLoggedIn = errors.New("session: user not logged in")
	ErrNoKey       = errors.New("session: key not found")
)

// IDBytes is the number of random bytes in a session ID (22 base64url chars).
const IDBytes = 16

// DefaultPeriod is the default session lifetime.
const DefaultPeriod = time.Hour * 24

// MaxExtendedPeriod caps the total lifetime of a session, however often it
// is extended.
const MaxExtendedPeriod = time.Hour * 24 * 90

// DefaultExtendThreshold is how close to expiry a session must be before
// a request extends it.
const DefaultExtendThreshold = DefaultPeriod / 4

// DefaultCookieName is the default session cookie name.
const DefaultCookieName = "SDS"

// data is the sealed cookie payload.
type data struct {
	ID       string    `cbor:"1,keyasint"`
	Username string    `cbor:"2,keyasint"`
	Expires  time.Time `cbor:"3,keyasint"`
	// Period is the distance between creation and Expires in seconds. It is
	// not a cookie MaxAge, which is relative to when the cookie is set.
	Period int                        `cbor:"4,keyasint"`
	KV     map[string]cbor.RawMessage `cbor:"5,keyasint,omitempty"`
}

func newData(period time.Duration) (*data, error) {
	b := make([]byte, IDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	// Truncating moves creation into the past so the period has started.
	now := time.Now().Truncate(time.Second)
	return &data{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(period),
		Period:  int(period.Seconds()),
		KV:      map[string]cbor.RawMessage{},
	}, nil
}

// validate reports whether d is still valid and whether it was extended.
// A session closer than threshold to expiry is pushed out to now+period,
// bounded by MaxExtendedPeriod from creation.
func (d *data) validate(threshold, period time.Duration) (ok, extended bool) {
	if d == nil || d.Period <= 0 || d.Period > int(MaxExtendedPeriod.Seconds()) {
		return false, false
	}
	now := time.Now()
	if d.Expires.IsZero() || !now.Before(d.Expires) {
		return false, false
	}
	if threshold <= 0 || period <= 0 || period < threshold {
		return true, false
	}
	if d.Expires.Sub(now) < threshold {
		return true, d.extendTo(now.Add(period))
	}
	return true, false
}

func (d *data) extendTo(expires time.Time) bool {
	if d.Expires.IsZero() {
		return false
	}
	expires = expires.Truncate(time.Second)
	created := d.Expires.Add(-time.Duration(d.Period) * time.Second)
	if limit := created.Add(MaxExtendedPeriod); expires.After(limit) {
		expires = limit
	}
	if !expires.After(d.Expires) {
		return false
	}
	d.Period += int(expires.Sub(d.Expires).Seconds())
	d.Expires = expires
	return true
}

// Session is the state loaded for one request. It is not safe for
// concurrent use, and chains are sequential.
type Session struct {
	data   *data
	period time.Duration
	dirty  bool
}

// ID returns "" when nobody is logged in.
func (s *Session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *Session) Username() (string, bool) {
	if s == nil || s.data == nil {
		return "", false
	}
	return s.data.Username, true
}

// Login starts a fresh session for username. The ID and stored values are
// regenerated to prevent session fixation.
func (s *Session) Login(username string) error {
	if s == nil {
		return ErrNilSession
	}
	period := s.period
	if period <= 0 {
		period = DefaultPeriod
	}
	d, err := newData(period)
	if err != nil {
		return err
	}
	d.Username = username
	s.data = d
	s.dirty = true
	return nil
}

func (s *Session) Logout() error {
	if s == nil {
		return ErrNilSession
	}
	s.data = nil
	s.dirty = true
	return nil
}

// Expires returns the zero time when nobody is logged in.
func (s *Session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

// Get decodes the value stored under key into dest.
func (s *Session) Get(key string, dest any) error {
	if s == nil || s.data == nil {
		return ErrNotLoggedIn
	}
	raw, ok := s.data.KV[key]
	if !ok {
		return ErrNoKey
	}
	return cbor.Unmarshal(raw, dest)
}

func (s *Session) Set(key string, value any) error {
	if s == nil {
		return ErrNilSession
	}
	if s.data == nil {
		return ErrNotLoggedIn
	}
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	if s.data.KV == nil {
		s.data.KV = map[string]cbor.RawMessage{}
	}
	s.data.KV[key] = raw
	s.dirty = true
	return nil
}

// Delete is a no-op when key is absent.
func (s *Session) Delete(key string) {
	if s == nil || s.data == nil {
		return
	}
	if _, ok := s.data.KV[key]; !ok {
		return
	}
	delete(s.data.KV, key)
	s.dirty = true
}

// Dirty reports whether Save will write a cookie.
func (s *Session) Dirty() bool { return s != nil && s.dirty }

// Store loads and saves sessions in a secure cookie.
type Store struct {
	cookie          *middleware.SecureCookie
	MaxAge          time.Duration
	ExtendThreshold time.Duration
}

type Option func(*storeConfig)

type storeConfig struct {
	cookieName      string
	cookieOptions   []middleware.SecureCookieOption
	maxAge          time.Duration
	extendThreshold time.Duration
}

func WithCookieName(name string) Option {
	return func(c *storeConfig) {
		c.cookieName = name
	}
}

func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(c *storeConfig) {
		c.cookieOptions = append(c.cookieOptions, opts...)
	}
}

func WithMaxAge(d time.Duration) Option {
	return func(c *storeConfig) {
		c.maxAge = d
	}
}

func WithExtendThreshold(d time.Duration) Option {
	return func(c *storeConfig) {
		c.extendThreshold = d
	}
}

// NewStore returns a Store whose cookie is sealed with keys[keyID].
func NewStore(keyID string, keys map[string][]byte, opts ...Option) (*Store, error) {
	cfg := storeConfig{
		cookieName:      DefaultCookieName,
		maxAge:          DefaultPeriod,
		extendThreshold: DefaultExtendThreshold,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cookie, err := middleware.NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &Store{cookie: cookie, MaxAge: cfg.maxAge, ExtendThreshold: cfg.extendThreshold}, nil
}

// Cookie returns the underlying secure cookie.
func (st *Store) Cookie() *middleware.SecureCookie { return st.cookie }

func (st *Store) period() time.Duration {
	if st.MaxAge <= 0 {
		return DefaultPeriod
	}
	return st.MaxAge
}

// read decodes the session cookie of c. An invalid, tampered or expired
// cookie yields an empty session marked dirty so that Save clears it.
func (st *Store) read(ck *http.Cookie) *Session {
	s := &Session{period: st.period()}
	if ck == nil {
		return s
	}
	var d data
	if err := st.cookie.Open(ck, &d); err != nil {
		s.dirty = true
		return s
	}
	threshold := st.ExtendThreshold
	if threshold <= 0 {
		threshold = DefaultExtendThreshold
	}
	ok, extended := d.validate(threshold, s.period)
	if !ok {
		s.dirty = true
		return s
	}
	if d.KV == nil {
		d.KV = map[string]cbor.RawMessage{}
	}
	s.data = &d
	s.dirty = extended
	return s
}

// pending returns the cookie Save should record, or nil.
func (st *Store) pending(s *Session) (*http.Cookie, error) {
	if s == nil {
		return nil, ErrNilSession
	}
	if s.data == nil {
		if !s.dirty {
			return nil, nil
		}
		ck := st.cookie.Clear()
		return &ck, nil
	}
	remaining := time.Until(s.data.Expires)
	if remaining < time.Second {
		ck := st.cookie.Clear()
		return &ck, nil
	}
	if !s.dirty {
		return nil, nil
	}
	ck, err := st.cookie.Seal(*s.data, remaining)
	if err != nil {
		return nil, err
	}
	return &ck, nil
}

// Load reads the session of the current request. It never fails: a missing
// or unusable cookie gives a logged-out session.
func Load[P conn.Phase, E any](st *Store) middleware.Middleware[P, P, E, *Session] {
	return middleware.Gets[P, E](func(c conn.Conn[P]) *Session {
		ck, _ := c.Cookie(st.cookie.Name())
		return st.read(ck)
	})
}

// Save records the Set-Cookie for s when it changed, clearing the cookie
// after a logout or expiry. Sealing errors are reported with onErr.
func Save[E any](st *Store, s *Session, onErr func(error) E) middleware.Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	pending := middleware.TryCatch[conn.HeadersOpen](func(context.Context) (*http.Cookie, error) {
		return st.pending(s)
	}, onErr)
	return middleware.Bind(pending, func(ck *http.Cookie) middleware.Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
		if ck == nil {
			return middleware.Pure[conn.HeadersOpen, E](struct{}{})
		}
		return middleware.Cookie[E](*ck)
	})
}
