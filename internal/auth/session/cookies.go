package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
)

// AssertionTTL is how long a 2FA assertion cookie stays valid. After it
// lapses the identity drops back to the pending state even though the
// session cookie may outlive it by weeks.
const AssertionTTL = 4 * time.Hour

// CSRFTTL bounds the csrf and callback cookies.
const CSRFTTL = 1 * time.Hour

// Cookies builds every cookie the subsystem sets. Secure is flipped on in
// production deployments.
type Cookies struct {
	issuer *Issuer
	secure bool
}

func NewCookies(issuer *Issuer, secure bool) *Cookies {
	return &Cookies{issuer: issuer, secure: secure}
}

func (c *Cookies) base(name, value, path string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c *Cookies) Session(realm auth.Realm, token string) *http.Cookie {
	return c.base(realm.SessionCookie(), token, "/", c.issuer.TTL())
}

// Assertion is the realm's 2FA-verified marker. The literal value is
// "true"; the middleware treats anything else as absent.
func (c *Cookies) Assertion(realm auth.Realm) *http.Cookie {
	return c.base(realm.AssertionCookie(), "true", "/", AssertionTTL)
}

func (c *Cookies) Callback(realm auth.Realm, target string) *http.Cookie {
	return c.base(realm.CallbackCookie(), target, "/", CSRFTTL)
}

// Clear expires a named cookie.
func (c *Cookies) Clear(name string) *http.Cookie {
	cookie := c.base(name, "", "/", 0)
	cookie.MaxAge = -1
	return cookie
}

// CSRF issues a double-submit token. The cookie carries
// "<token>|<hmac(token)>" so the server can recognize its own issue
// without storing anything; the bare token goes back in the response body
// and must be echoed on the next POST.
func (c *Cookies) CSRF(realm auth.Realm) (cookie *http.Cookie, token string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}
	token = hex.EncodeToString(buf)
	cookie = c.base(realm.CSRFCookie(), token+"|"+c.sign(realm, token), "/", CSRFTTL)
	return cookie, token, nil
}

// VerifyCSRF checks a submitted token against the realm's csrf cookie.
func (c *Cookies) VerifyCSRF(realm auth.Realm, cookieValue, submitted string) bool {
	parts := strings.SplitN(cookieValue, "|", 2)
	if len(parts) != 2 || submitted == "" {
		return false
	}
	tok, sig := parts[0], parts[1]
	if !hmac.Equal([]byte(sig), []byte(c.sign(realm, tok))) {
		return false
	}
	return hmac.Equal([]byte(tok), []byte(submitted))
}

func (c *Cookies) sign(realm auth.Realm, token string) string {
	mac := hmac.New(sha256.New, c.issuer.derivedKey("csrf:"+string(realm)))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// SafeCallbackTarget keeps post-login redirects on-site. Anything absolute
// or protocol-relative falls back to the realm home.
func SafeCallbackTarget(realm auth.Realm, target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return realm.HomePath()
	}
	return target
}
