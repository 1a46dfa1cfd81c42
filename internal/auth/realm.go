// Package auth defines the identity domains of the deal room and the
// shared vocabulary of the sign-in subsystem: realms, identities, and the
// failure taxonomy every layer maps into.
//
// A realm is an isolated identity domain. End users, platform admins and
// supervisors never share credential rows, cookies, or middleware rules;
// everything realm-specific (path prefixes, cookie names, redirect
// targets) is derived here so no other package hardcodes it.
package auth

import "strings"

type Realm string

const (
	RealmUser       Realm = "user"
	RealmAdmin      Realm = "admin"
	RealmSupervisor Realm = "supervisor"
)

// Realms lists every identity domain, default end-user realm first.
func Realms() []Realm { return []Realm{RealmUser, RealmAdmin, RealmSupervisor} }

// PathPrefix is the URL prefix routing into the realm. The end-user realm
// owns every path no other realm claims.
func (r Realm) PathPrefix() string {
	switch r {
	case RealmAdmin:
		return "/admin"
	case RealmSupervisor:
		return "/supervise"
	default:
		return ""
	}
}

// RequiresSecondFactor reports whether protected routes in the realm are
// gated on a TOTP assertion. Only the privileged realms are.
func (r Realm) RequiresSecondFactor() bool {
	return r == RealmAdmin || r == RealmSupervisor
}

func (r Realm) SessionCookie() string   { return string(r) + "_session" }
func (r Realm) AssertionCookie() string { return string(r) + "_2fa_verified" }
func (r Realm) CSRFCookie() string      { return string(r) + "_csrf" }
func (r Realm) CallbackCookie() string  { return string(r) + "_callback" }

func (r Realm) SignInPath() string        { return r.PathPrefix() + "/sign-in" }
func (r Realm) VerifyRequestPath() string { return r.PathPrefix() + "/verify-request" }
func (r Realm) VerifyPath() string        { return r.PathPrefix() + "/verify" }
func (r Realm) ErrorPath() string         { return r.PathPrefix() + "/error" }

// SecondFactorPath is the endpoint that sets (POST) or clears (DELETE) the
// realm's 2FA assertion cookie.
func (r Realm) SecondFactorPath() string { return r.PathPrefix() + "-2fa-verify" }

// HomePath is where a fresh sign-in lands when no callback URL was recorded.
func (r Realm) HomePath() string {
	if p := r.PathPrefix(); p != "" {
		return p
	}
	return "/"
}

// RealmForPath resolves the identity domain a request path belongs to.
// Prefix matching is segment-exact: /administrate is an end-user path,
// /admin, /admin/... and /admin-2fa-verify are admin paths.
func RealmForPath(path string) Realm {
	for _, r := range []Realm{RealmAdmin, RealmSupervisor} {
		p := r.PathPrefix()
		if path == p || strings.HasPrefix(path, p+"/") || path == r.SecondFactorPath() {
			return r
		}
	}
	return RealmUser
}

// IsAuthExceptionPath reports whether the path must stay reachable without
// any cookie. The sign-in flow and its error page are exempt from gating,
// otherwise a user without a session could never obtain one. Sign-out is
// exempt too: clearing cookies must not require a live 2FA assertion, or
// an admin whose assertion lapsed could never sign out.
func (r Realm) IsAuthExceptionPath(path string) bool {
	exempt := []string{
		r.SignInPath(),
		r.VerifyRequestPath(),
		r.VerifyPath(),
		r.ErrorPath(),
		r.PathPrefix() + "/csrf",
		r.PathPrefix() + "/signin/email",
		r.PathPrefix() + "/callback/email",
		r.PathPrefix() + "/signout",
	}
	if r.RequiresSecondFactor() {
		exempt = append(exempt, r.SecondFactorPath())
	}
	for _, p := range exempt {
		if path == p {
			return true
		}
	}
	return false
}
