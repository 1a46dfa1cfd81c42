// Package authhttp mounts one realm's sign-in surface: csrf, magic-link
// request and callback, second-factor verification, sign-out, and the
// JSON endpoints behind the auth-flow pages. The UI that renders those
// pages lives elsewhere; these endpoints carry all the state.
package authhttp

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/session"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/token"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/twofactor"
	"github.com/sergiomaldo/deal-room-sub001/internal/mail"
	"github.com/sergiomaldo/deal-room-sub001/pkg/httpx"
)

// TokenLedger issues and burns magic-link tokens.
type TokenLedger interface {
	Issue(ctx context.Context, realm auth.Realm, email string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, realm auth.Realm, email, raw string) error
}

// SecondFactor is the gate surface the handlers drive.
type SecondFactor interface {
	Evaluate(ctx context.Context, realm auth.Realm, claims *session.Claims, asserted bool) (twofactor.Status, error)
	VerifyCode(ctx context.Context, realm auth.Realm, claims session.Claims, code string) error
}

type Options struct {
	Realm       auth.Realm
	Identities  auth.IdentityProvider
	Ledger      TokenLedger
	Sessions    *session.Issuer
	Cookies     *session.Cookies
	Gate        SecondFactor
	Sender      mail.Sender
	Log         *slog.Logger
	BaseURL     string
	TokenTTL    time.Duration
	SigninRate  rate.Limit
	SigninBurst int
}

type Handler struct {
	opts    Options
	limiter *signinLimiter
}

func New(opts Options) *Handler {
	return &Handler{
		opts:    opts,
		limiter: newSigninLimiter(opts.SigninRate, opts.SigninBurst),
	}
}

// Mount registers the realm's routes on the router. Every path here is an
// auth-flow exception in the gatekeeper; nothing else in the realm is.
func (h *Handler) Mount(r chi.Router) {
	realm := h.opts.Realm
	p := realm.PathPrefix()

	r.Get(p+"/csrf", h.handleCSRF)
	r.Post(p+"/signin/email", h.handleSigninEmail)
	r.Get(p+"/callback/email", h.handleCallbackEmail)
	r.Post(p+"/callback/email", h.handleCallbackEmail)
	r.Post(p+"/signout", h.handleSignout)

	r.Get(realm.SignInPath(), h.handleSignInPage)
	r.Get(realm.VerifyRequestPath(), h.handleVerifyRequestPage)
	r.Get(realm.ErrorPath(), h.handleErrorPage)

	if realm.RequiresSecondFactor() {
		r.Get(realm.VerifyPath(), h.handleVerifyPage)
		r.Post(realm.SecondFactorPath(), h.handleSecondFactorVerify)
		r.Delete(realm.SecondFactorPath(), h.handleSecondFactorClear)
	}
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	cookie, token, err := h.opts.Cookies.CSRF(h.opts.Realm)
	if err != nil {
		httpx.WriteError(w, 500, "INTERNAL", "could not issue csrf token", nil)
		return
	}
	httpx.NoStore(w)
	http.SetCookie(w, cookie)
	httpx.WriteJSON(w, 200, map[string]any{"csrfToken": token})
}

// handleSigninEmail is the magic-link request. Its one externally visible
// outcome for a well-formed request is the verify-request page: unknown
// and inactive addresses, and rate-limited senders, look exactly like a
// successful send.
func (h *Handler) handleSigninEmail(w http.ResponseWriter, r *http.Request) {
	realm := h.opts.Realm
	if err := r.ParseForm(); err != nil {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=BadRequest")
		return
	}
	email := r.PostFormValue("email")
	if email == "" {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=BadRequest")
		return
	}

	csrfCookie, err := r.Cookie(realm.CSRFCookie())
	if err != nil || !h.opts.Cookies.VerifyCSRF(realm, csrfCookie.Value, r.PostFormValue("csrfToken")) {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=MissingCSRF")
		return
	}

	if target := r.PostFormValue("callbackUrl"); target != "" {
		http.SetCookie(w, h.opts.Cookies.Callback(realm, session.SafeCallbackTarget(realm, target)))
	}

	if !h.limiter.Allow(token.Identifier(realm, email)) {
		h.opts.Log.Warn("signin rate limited", "realm", string(realm))
		httpx.Redirect(w, r, realm.VerifyRequestPath())
		return
	}

	identity, err := h.opts.Identities.FindActive(r.Context(), email)
	if err != nil {
		if errors.Is(err, auth.ErrIdentityNotFound) {
			// No disclosure: same redirect, no token, no mail.
			h.opts.Log.Info("signin for unknown or inactive identity", "realm", string(realm))
			httpx.Redirect(w, r, realm.VerifyRequestPath())
			return
		}
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=Configuration")
		return
	}

	raw, err := h.opts.Ledger.Issue(r.Context(), realm, identity.Email, h.opts.TokenTTL)
	if err != nil {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=Configuration")
		return
	}
	link := h.callbackURL(identity.Email, raw)
	if err := h.opts.Sender.Send(r.Context(), identity.Email, "Sign in to Deal Room", signinBody(link)); err != nil {
		h.opts.Log.Error("verification mail failed", "realm", string(realm), "err", err)
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=EmailSignin")
		return
	}
	httpx.Redirect(w, r, realm.VerifyRequestPath())
}

// handleCallbackEmail consumes the magic link and establishes the realm
// session. The identity is re-checked: a token issued before deactivation
// must not sign in after it.
func (h *Handler) handleCallbackEmail(w http.ResponseWriter, r *http.Request) {
	realm := h.opts.Realm
	q := r.URL.Query()
	email, rawToken := q.Get("email"), q.Get("token")
	if email == "" || rawToken == "" {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=Verification")
		return
	}
	if err := h.opts.Ledger.Consume(r.Context(), realm, email, rawToken); err != nil {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=Verification")
		return
	}
	identity, err := h.opts.Identities.FindActive(r.Context(), email)
	if err != nil {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=AccessDenied")
		return
	}
	token, err := h.opts.Sessions.Issue(identity, realm)
	if err != nil {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=Configuration")
		return
	}
	http.SetCookie(w, h.opts.Cookies.Session(realm, token))
	http.SetCookie(w, h.opts.Cookies.Clear(realm.CSRFCookie()))

	target := realm.HomePath()
	if c, err := r.Cookie(realm.CallbackCookie()); err == nil {
		target = session.SafeCallbackTarget(realm, c.Value)
		http.SetCookie(w, h.opts.Cookies.Clear(realm.CallbackCookie()))
	}
	httpx.Redirect(w, r, target)
}

func (h *Handler) handleSignout(w http.ResponseWriter, r *http.Request) {
	realm := h.opts.Realm
	http.SetCookie(w, h.opts.Cookies.Clear(realm.SessionCookie()))
	if realm.RequiresSecondFactor() {
		http.SetCookie(w, h.opts.Cookies.Clear(realm.AssertionCookie()))
	}
	httpx.Redirect(w, r, realm.SignInPath())
}

// handleVerifyPage reports second-factor standing for the signed-in
// identity. The first visit for a fresh identity enrolls a secret and
// returns the QR and manual key; later visits just report state.
func (h *Handler) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	realm := h.opts.Realm
	claims, ok := h.sessionClaims(r)
	if !ok {
		httpx.Redirect(w, r, realm.SignInPath())
		return
	}
	asserted := false
	if c, err := r.Cookie(realm.AssertionCookie()); err == nil && c.Value == "true" {
		asserted = true
	}
	status, err := h.opts.Gate.Evaluate(r.Context(), realm, &claims, asserted)
	if err != nil {
		httpx.Redirect(w, r, realm.ErrorPath()+"?error=Configuration")
		return
	}
	httpx.NoStore(w)
	httpx.WriteJSON(w, 200, map[string]any{
		"page":   "verify",
		"realm":  string(realm),
		"status": status,
	})
}

func (h *Handler) handleSecondFactorVerify(w http.ResponseWriter, r *http.Request) {
	realm := h.opts.Realm
	claims, ok := h.sessionClaims(r)
	if !ok {
		httpx.WriteError(w, 401, "UNAUTHENTICATED", "valid session required", nil)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if err := h.opts.Gate.VerifyCode(r.Context(), realm, claims, req.Code); err != nil {
		if errors.Is(err, auth.ErrTwoFactorInvalid) {
			httpx.WriteError(w, 401, "INVALID_CODE", "one-time code rejected", nil)
			return
		}
		httpx.WriteError(w, 500, "INTERNAL", "verification unavailable", nil)
		return
	}
	httpx.NoStore(w)
	http.SetCookie(w, h.opts.Cookies.Assertion(realm))
	httpx.WriteJSON(w, 200, map[string]any{"verified": true})
}

func (h *Handler) handleSecondFactorClear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.opts.Cookies.Clear(h.opts.Realm.AssertionCookie()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSignInPage(w http.ResponseWriter, r *http.Request) {
	realm := h.opts.Realm
	httpx.NoStore(w)
	httpx.WriteJSON(w, 200, map[string]any{
		"page":       "sign-in",
		"realm":      string(realm),
		"csrf_url":   realm.PathPrefix() + "/csrf",
		"signin_url": realm.PathPrefix() + "/signin/email",
	})
}

func (h *Handler) handleVerifyRequestPage(w http.ResponseWriter, r *http.Request) {
	httpx.NoStore(w)
	httpx.WriteJSON(w, 200, map[string]any{
		"page":    "verify-request",
		"realm":   string(h.opts.Realm),
		"message": "check your email for a sign-in link",
	})
}

func (h *Handler) handleErrorPage(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("error")
	if code == "" {
		code = "Default"
	}
	httpx.NoStore(w)
	httpx.WriteJSON(w, 200, map[string]any{
		"page":  "error",
		"realm": string(h.opts.Realm),
		"error": code,
	})
}

func (h *Handler) sessionClaims(r *http.Request) (session.Claims, bool) {
	c, err := r.Cookie(h.opts.Realm.SessionCookie())
	if err != nil || c.Value == "" {
		return session.Claims{}, false
	}
	claims, err := h.opts.Sessions.Parse(c.Value, h.opts.Realm)
	if err != nil {
		return session.Claims{}, false
	}
	return claims, true
}

func (h *Handler) callbackURL(email, rawToken string) string {
	v := url.Values{}
	v.Set("token", rawToken)
	v.Set("email", email)
	return h.opts.BaseURL + h.opts.Realm.PathPrefix() + "/callback/email?" + v.Encode()
}

func signinBody(link string) string {
	safe := html.EscapeString(link)
	return fmt.Sprintf(`<p>Sign in to Deal Room by following this link:</p><p><a href=%q>%s</a></p><p>The link is valid once and expires shortly. If you did not request it, ignore this email.</p>`, safe, safe)
}
