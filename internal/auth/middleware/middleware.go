// Package middleware enforces the two-stage access protocol in front of
// every protected route: realm session first, then (for privileged realms)
// a live 2FA assertion.
package middleware

import (
	"net/http"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/session"
)

// SessionVerifier validates a session token against one realm.
type SessionVerifier interface {
	Parse(token string, realm auth.Realm) (session.Claims, error)
}

// Decision is the outcome of gating one request.
type Decision struct {
	Allow    bool
	Redirect string
	Realm    auth.Realm
	Claims   *session.Claims
}

type Gatekeeper struct {
	sessions SessionVerifier
}

func NewGatekeeper(sessions SessionVerifier) *Gatekeeper {
	return &Gatekeeper{sessions: sessions}
}

// Decide is a pure function of the request path and cookies; nothing is
// cached across requests. The order is fixed: realm by prefix, auth-flow
// exceptions allowed unconditionally, then session, then assertion.
func (g *Gatekeeper) Decide(path string, cookie func(name string) (string, bool)) Decision {
	realm := auth.RealmForPath(path)
	if path == "/health" || realm.IsAuthExceptionPath(path) {
		return Decision{Allow: true, Realm: realm}
	}

	raw, ok := cookie(realm.SessionCookie())
	if !ok {
		return Decision{Redirect: realm.SignInPath(), Realm: realm}
	}
	claims, err := g.sessions.Parse(raw, realm)
	if err != nil {
		// Unverifiable is the same as absent; never fail open.
		return Decision{Redirect: realm.SignInPath(), Realm: realm}
	}

	if realm.RequiresSecondFactor() {
		if v, ok := cookie(realm.AssertionCookie()); !ok || v != "true" {
			return Decision{Redirect: realm.VerifyPath(), Realm: realm, Claims: &claims}
		}
	}
	return Decision{Allow: true, Realm: realm, Claims: &claims}
}

// Handler runs Decide before every request. It must be mounted ahead of
// all protected routes.
func (g *Gatekeeper) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r.URL.Path, func(name string) (string, bool) {
			c, err := r.Cookie(name)
			if err != nil || c.Value == "" {
				return "", false
			}
			return c.Value, true
		})
		if !d.Allow {
			w.Header().Set("cache-control", "no-store")
			http.Redirect(w, r, d.Redirect, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
