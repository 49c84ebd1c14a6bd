package auth

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// DefaultCookieName names the session cookie when none is configured.
const DefaultCookieName = "aicheck_session"

// Cookies signs and encrypts the session id carried by the browser.
type Cookies struct {
	codec  *securecookie.SecureCookie
	name   string
	secure bool
	maxAge time.Duration
}

// NewCookies builds a codec from a hash key (32 or 64 bytes) and an optional
// AES block key (16, 24 or 32 bytes).
func NewCookies(name string, hashKey, blockKey []byte, secure bool, maxAge time.Duration) *Cookies {
	if name == "" {
		name = DefaultCookieName
	}
	codec := securecookie.New(hashKey, blockKey)
	if maxAge > 0 {
		codec.MaxAge(int(maxAge / time.Second))
	}
	return &Cookies{codec: codec, name: name, secure: secure, maxAge: maxAge}
}

// Write sets the session cookie.
func (c *Cookies) Write(w http.ResponseWriter, sessionID string) error {
	encoded, err := c.codec.Encode(c.name, sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, c.cookie(encoded, int(c.maxAge/time.Second)))
	return nil
}

// Read returns the session id, rejecting cookies that fail verification.
func (c *Cookies) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return "", false
	}
	var sessionID string
	if err := c.codec.Decode(c.name, cookie.Value, &sessionID); err != nil || sessionID == "" {
		return "", false
	}
	return sessionID, true
}

// Clear expires the session cookie.
func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

func (c *Cookies) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
