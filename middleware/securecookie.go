package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.hybscloud.com/kont"
	"github.com/fxamacker/cbor/v2"
	"github.com/mnehpets/sedate/conn"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid secure cookie format")
	ErrCookieInvalid = errors.New("invalid secure cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds how much attacker-controlled data is decoded for a
// single cookie value.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size of the default AEAD (XChaCha20-Poly1305).
const DefaultAEADKeysize = chacha20poly1305.KeySize

// Codec seals and opens byte strings with a rotating set of AEAD keys.
//
// Sealed values have the form keyID "." base64url(nonce || ciphertext).
type Codec struct {
	// KeyID selects the key used for sealing. All keys are accepted when
	// opening.
	KeyID string
	Keys  map[string][]byte

	NewAEAD func(key []byte) (cipher.AEAD, error)
}

// NewCodec validates every key against newAEAD.
func NewCodec(keyID string, keys map[string][]byte, newAEAD func(key []byte) (cipher.AEAD, error)) (*Codec, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: keys must not be nil", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	if newAEAD == nil {
		return nil, fmt.Errorf("%w: newAEAD must not be nil", ErrCookieConfig)
	}
	for id, k := range keys {
		if _, err := newAEAD(k); err != nil {
			return nil, fmt.Errorf("invalid key %s: %w", id, err)
		}
	}
	return &Codec{KeyID: keyID, Keys: keys, NewAEAD: newAEAD}, nil
}

// Seal encrypts plain, binding it to aad.
func (c *Codec) Seal(plain, aad []byte) (string, error) {
	if c == nil {
		return "", ErrCookieConfig
	}
	key, ok := c.Keys[c.KeyID]
	if !ok {
		return "", ErrCookieConfig
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return c.KeyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values sealed with any known key are accepted.
func (c *Codec) Open(value string, aad []byte) ([]byte, error) {
	if c == nil {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	key, ok := c.Keys[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	aead, err := c.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// SecureCookie stores a value in an encrypted, authenticated cookie.
// Values are CBOR encoded by default.
type SecureCookie struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	codec *Codec

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	newAEAD   func([]byte) (cipher.AEAD, error)
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*SecureCookie)

// WithMarshalUnmarshal replaces the CBOR encoding.
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.marshal = marshal
		sc.unmarshal = unmarshal
	}
}

// WithAEAD replaces the AEAD factory, e.g. with AES-GCM.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.newAEAD = f
	}
}

func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.path = path
	}
}

func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.domain = domain
	}
}

func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.secure = secure
	}
}

func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.sameSite = sameSite
	}
}

// NewSecureCookie returns a cookie sealed with XChaCha20-Poly1305.
//
// Defaults: Path "/", HttpOnly, Secure, SameSite=Lax, no Domain.
func NewSecureCookie(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie, error) {
	sc := &SecureCookie{
		name:      name,
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
		newAEAD:   chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	codec, err := NewCodec(keyID, keys, sc.newAEAD)
	if err != nil {
		return nil, err
	}
	sc.codec = codec
	return sc, nil
}

func (sc *SecureCookie) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// aad binds the sealed value to the cookie name, domain, path and secure flag.
func (sc *SecureCookie) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secure)
}

// Seal encodes v into a cookie that expires after maxAge.
func (sc *SecureCookie) Seal(v any, maxAge time.Duration) (http.Cookie, error) {
	secs := int(maxAge / time.Second)
	if secs <= 0 {
		return http.Cookie{}, ErrCookieInvalid
	}
	if sc == nil || sc.codec == nil || sc.marshal == nil {
		return http.Cookie{}, ErrCookieConfig
	}
	plain, err := sc.marshal(v)
	if err != nil {
		return http.Cookie{}, err
	}
	val, err := sc.codec.Seal(plain, sc.aad())
	if err != nil {
		return http.Cookie{}, err
	}
	return http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   secs,
		Expires:  time.Now().Add(time.Duration(secs) * time.Second),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

// Open decodes the value of ck into v.
func (sc *SecureCookie) Open(ck *http.Cookie, v any) error {
	if ck == nil {
		return ErrCookieFormat
	}
	if sc == nil || sc.codec == nil || sc.unmarshal == nil {
		return ErrCookieConfig
	}
	plain, err := sc.codec.Open(ck.Value, sc.aad())
	if err != nil {
		return err
	}
	return sc.unmarshal(plain, v)
}

// Clear returns a cookie that removes this cookie in the client. Unlike
// ClearCookie it carries the path and domain, which browsers need to match.
func (sc *SecureCookie) Clear() http.Cookie {
	return http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}

// SealCookie seals v into sc and records the Set-Cookie.
func SealCookie[E any](sc *SecureCookie, v any, maxAge time.Duration, onErr func(error) E) Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	seal := FromEither[conn.HeadersOpen](sealed(sc, v, maxAge, onErr))
	return Bind(seal, Cookie[E])
}

func sealed[E any](sc *SecureCookie, v any, maxAge time.Duration, onErr func(error) E) kont.Either[E, http.Cookie] {
	ck, err := sc.Seal(v, maxAge)
	if err != nil {
		return kont.Left[E, http.Cookie](onErr(err))
	}
	return kont.Right[E](ck)
}

// ForgetCookie records the removal of sc in the client.
func ForgetCookie[E any](sc *SecureCookie) Middleware[conn.HeadersOpen, conn.HeadersOpen, E, struct{}] {
	return Cookie[E](sc.Clear())
}

// OpenCookie reads sc from the request. A missing cookie is reported as
// onErr(http.ErrNoCookie).
func OpenCookie[P conn.Phase, E, A any](sc *SecureCookie, onErr func(error) E) Middleware[P, P, E, A] {
	return FromConn(func(c conn.Conn[P]) kont.Either[E, A] {
		ck, ok := c.Cookie(sc.Name())
		if !ok {
			return kont.Left[E, A](onErr(http.ErrNoCookie))
		}
		var a A
		if err := sc.Open(ck, &a); err != nil {
			return kont.Left[E, A](onErr(err))
		}
		return kont.Right[E](a)
	})
}
