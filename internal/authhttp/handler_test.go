package authhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/middleware"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/session"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/twofactor"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeIdentities struct {
	byEmail map[string]auth.Identity
	calls   int
}

func (f *fakeIdentities) FindActive(_ context.Context, email string) (auth.Identity, error) {
	f.calls++
	id, ok := f.byEmail[strings.ToLower(email)]
	if !ok || !id.IsActive {
		return auth.Identity{}, auth.ErrIdentityNotFound
	}
	return id, nil
}

type fakeLedger struct {
	issued   map[string]string // identifier -> raw token
	consumed map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{issued: make(map[string]string), consumed: make(map[string]bool)}
}

func (f *fakeLedger) id(realm auth.Realm, email string) string {
	return string(realm) + ":" + strings.ToLower(email)
}

func (f *fakeLedger) Issue(_ context.Context, realm auth.Realm, email string, _ time.Duration) (string, error) {
	raw := "tok_" + f.id(realm, email)
	f.issued[f.id(realm, email)] = raw
	return raw, nil
}

func (f *fakeLedger) Consume(_ context.Context, realm auth.Realm, email, raw string) error {
	key := f.id(realm, email)
	if f.consumed[key] || f.issued[key] != raw || raw == "" {
		return auth.ErrTokenInvalid
	}
	f.consumed[key] = true
	return nil
}

type fakeGate struct {
	status     twofactor.Status
	verifyErr  error
	lastCode   string
	verifyCall int
}

func (f *fakeGate) Evaluate(_ context.Context, _ auth.Realm, claims *session.Claims, asserted bool) (twofactor.Status, error) {
	if claims == nil {
		return twofactor.Status{State: twofactor.StateNoSession}, nil
	}
	if asserted {
		return twofactor.Status{State: twofactor.StateVerified}, nil
	}
	return f.status, nil
}

func (f *fakeGate) VerifyCode(_ context.Context, _ auth.Realm, _ session.Claims, code string) error {
	f.verifyCall++
	f.lastCode = code
	return f.verifyErr
}

type fakeSender struct {
	to    []string
	body  string
	fail  bool
	calls int
}

func (f *fakeSender) Send(_ context.Context, to, _, htmlBody string) error {
	f.calls++
	if f.fail {
		return auth.ErrDeliveryFailure
	}
	f.to = append(f.to, to)
	f.body = htmlBody
	return nil
}

type fixture struct {
	router     *chi.Mux
	identities *fakeIdentities
	ledger     *fakeLedger
	gate       *fakeGate
	sender     *fakeSender
	issuer     *session.Issuer
	cookies    *session.Cookies
}

func newFixture(t *testing.T, realm auth.Realm) *fixture {
	t.Helper()
	return newFixtureWithRate(t, realm, 0, 0)
}

func newFixtureWithRate(t *testing.T, realm auth.Realm, r rate.Limit, burst int) *fixture {
	t.Helper()
	issuer := session.NewIssuer([]byte(testSecret), time.Hour)
	cookies := session.NewCookies(issuer, false)
	name := "Ops"
	f := &fixture{
		identities: &fakeIdentities{byEmail: map[string]auth.Identity{
			"ops@example.com":      {ID: "usr_1", Email: "ops@example.com", Name: &name, IsActive: true},
			"inactive@example.com": {ID: "usr_2", Email: "inactive@example.com", IsActive: false},
		}},
		ledger:  newFakeLedger(),
		gate:    &fakeGate{status: twofactor.Status{State: twofactor.StatePending}},
		sender:  &fakeSender{},
		issuer:  issuer,
		cookies: cookies,
	}
	h := New(Options{
		Realm:       realm,
		Identities:  f.identities,
		Ledger:      f.ledger,
		Sessions:    issuer,
		Cookies:     cookies,
		Gate:        f.gate,
		Sender:      f.sender,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		BaseURL:     "https://rooms.example.com",
		TokenTTL:    15 * time.Minute,
		SigninRate:  r,
		SigninBurst: burst,
	})
	f.router = chi.NewRouter()
	h.Mount(f.router)
	return f
}

func (f *fixture) csrf(t *testing.T, realm auth.Realm) (*http.Cookie, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, realm.PathPrefix()+"/csrf", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("csrf: expected 200, got %d", rr.Code)
	}
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("csrf body: %v", err)
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == realm.CSRFCookie() {
			return c, body.CSRFToken
		}
	}
	t.Fatalf("csrf cookie not set")
	return nil, ""
}

func (f *fixture) postSignin(t *testing.T, realm auth.Realm, email string, withCSRF bool) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("email", email)
	var cookie *http.Cookie
	if withCSRF {
		c, token := f.csrf(t, realm)
		cookie = c
		form.Set("csrfToken", token)
	}
	req := httptest.NewRequest(http.MethodPost, realm.PathPrefix()+"/signin/email", strings.NewReader(form.Encode()))
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func cookieByName(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSigninSendsRealmCallbackLink(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	rr := f.postSignin(t, auth.RealmAdmin, "ops@example.com", true)

	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/admin/verify-request" {
		t.Fatalf("expected redirect to /admin/verify-request, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	if f.sender.calls != 1 || len(f.sender.to) != 1 || f.sender.to[0] != "ops@example.com" {
		t.Fatalf("expected one delivery to ops@example.com, got %+v", f.sender)
	}
	if !strings.Contains(f.sender.body, "https://rooms.example.com/admin/callback/email?") {
		t.Fatalf("mail must carry the admin callback link, body=%s", f.sender.body)
	}
	if !strings.Contains(f.sender.body, "token=tok_admin%3Aops%40example.com") {
		t.Fatalf("mail must embed the issued token, body=%s", f.sender.body)
	}
}

func TestSigninUnknownAndInactiveLookIdentical(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)

	for _, email := range []string{"nobody@example.com", "inactive@example.com"} {
		rr := f.postSignin(t, auth.RealmAdmin, email, true)
		if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/admin/verify-request" {
			t.Fatalf("%s: expected the success redirect, got %d %q", email, rr.Code, rr.Header().Get("Location"))
		}
	}
	if f.sender.calls != 0 {
		t.Fatalf("no mail may be sent for unknown or inactive identities")
	}
	if len(f.ledger.issued) != 0 {
		t.Fatalf("no token may be issued for unknown or inactive identities")
	}
}

func TestSigninRequiresCSRF(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	rr := f.postSignin(t, auth.RealmAdmin, "ops@example.com", false)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/admin/error?error=MissingCSRF" {
		t.Fatalf("expected MissingCSRF redirect, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	if f.sender.calls != 0 {
		t.Fatalf("no mail without csrf")
	}
}

func TestSigninDeliveryFailure(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	f.sender.fail = true
	rr := f.postSignin(t, auth.RealmAdmin, "ops@example.com", true)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/admin/error?error=EmailSignin" {
		t.Fatalf("expected EmailSignin redirect, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
}

func TestCallbackEstablishesSessionOnce(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	f.postSignin(t, auth.RealmAdmin, "ops@example.com", true)
	raw := f.ledger.issued["admin:ops@example.com"]
	if raw == "" {
		t.Fatalf("expected an issued token")
	}

	target := "/admin/callback/email?token=" + url.QueryEscape(raw) + "&email=" + url.QueryEscape("ops@example.com")
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/admin" {
		t.Fatalf("expected redirect to /admin, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	sess := cookieByName(rr, "admin_session")
	if sess == nil {
		t.Fatalf("expected admin_session cookie")
	}
	claims, err := f.issuer.Parse(sess.Value, auth.RealmAdmin)
	if err != nil {
		t.Fatalf("session cookie must verify: %v", err)
	}
	if claims.SubjectID != "usr_1" || claims.Email != "ops@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := f.issuer.Parse(sess.Value, auth.RealmSupervisor); err == nil {
		t.Fatalf("admin session must not verify in the supervisor realm")
	}

	// Replaying the link must fail: the token was consumed.
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	if rr.Header().Get("Location") != "/admin/error?error=Verification" {
		t.Fatalf("expected Verification error on replay, got %q", rr.Header().Get("Location"))
	}
}

func TestCallbackRejectsBadToken(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	req := httptest.NewRequest(http.MethodGet, "/admin/callback/email?token=bogus&email=ops%40example.com", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Header().Get("Location") != "/admin/error?error=Verification" {
		t.Fatalf("expected Verification error, got %q", rr.Header().Get("Location"))
	}
	if cookieByName(rr, "admin_session") != nil {
		t.Fatalf("no session cookie on failed verification")
	}
}

func TestSecondFactorVerifyRequiresSession(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	req := httptest.NewRequest(http.MethodPost, "/admin-2fa-verify", strings.NewReader(`{"code":"123456"}`))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rr.Code)
	}
	if f.gate.verifyCall != 0 {
		t.Fatalf("gate must not be consulted without a session")
	}
}

func TestSecondFactorVerifySetsAssertion(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	tok, err := f.issuer.Issue(auth.Identity{ID: "usr_1", Email: "ops@example.com", IsActive: true}, auth.RealmAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin-2fa-verify", strings.NewReader(`{"code":"123456"}`))
	req.AddCookie(&http.Cookie{Name: "admin_session", Value: tok})
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	assertion := cookieByName(rr, "admin_2fa_verified")
	if assertion == nil || assertion.Value != "true" {
		t.Fatalf("expected admin_2fa_verified=true cookie")
	}
	if assertion.MaxAge != int(session.AssertionTTL.Seconds()) {
		t.Fatalf("assertion TTL = %d, want %d", assertion.MaxAge, int(session.AssertionTTL.Seconds()))
	}
	if f.gate.lastCode != "123456" {
		t.Fatalf("gate saw code %q", f.gate.lastCode)
	}
}

func TestSecondFactorVerifyWrongCode(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	f.gate.verifyErr = auth.ErrTwoFactorInvalid
	tok, _ := f.issuer.Issue(auth.Identity{ID: "usr_1", Email: "ops@example.com"}, auth.RealmAdmin)

	req := httptest.NewRequest(http.MethodPost, "/admin-2fa-verify", strings.NewReader(`{"code":"000000"}`))
	req.AddCookie(&http.Cookie{Name: "admin_session", Value: tok})
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if cookieByName(rr, "admin_2fa_verified") != nil {
		t.Fatalf("no assertion cookie on a rejected code")
	}
}

func TestSecondFactorClear(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	req := httptest.NewRequest(http.MethodDelete, "/admin-2fa-verify", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	cleared := cookieByName(rr, "admin_2fa_verified")
	if cleared == nil || cleared.MaxAge != -1 {
		t.Fatalf("expected cleared assertion cookie")
	}
}

func TestVerifyPageReportsStatus(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)

	// Without a session the page bounces to sign-in.
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/verify", nil))
	if rr.Header().Get("Location") != "/admin/sign-in" {
		t.Fatalf("expected sign-in redirect, got %q", rr.Header().Get("Location"))
	}

	tok, _ := f.issuer.Issue(auth.Identity{ID: "usr_1", Email: "ops@example.com"}, auth.RealmAdmin)
	req := httptest.NewRequest(http.MethodGet, "/admin/verify", nil)
	req.AddCookie(&http.Cookie{Name: "admin_session", Value: tok})
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), string(twofactor.StatePending)) {
		t.Fatalf("expected pending status, got %d %s", rr.Code, rr.Body.String())
	}

	// With the assertion cookie the same page reports verified.
	req = httptest.NewRequest(http.MethodGet, "/admin/verify", nil)
	req.AddCookie(&http.Cookie{Name: "admin_session", Value: tok})
	req.AddCookie(&http.Cookie{Name: "admin_2fa_verified", Value: "true"})
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if !strings.Contains(rr.Body.String(), string(twofactor.StateVerified)) {
		t.Fatalf("expected verified status, got %s", rr.Body.String())
	}
}

func TestSignoutClearsCookies(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	req := httptest.NewRequest(http.MethodPost, "/admin/signout", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Header().Get("Location") != "/admin/sign-in" {
		t.Fatalf("expected sign-in redirect, got %q", rr.Header().Get("Location"))
	}
	for _, name := range []string{"admin_session", "admin_2fa_verified"} {
		c := cookieByName(rr, name)
		if c == nil || c.MaxAge != -1 {
			t.Fatalf("expected %s to be cleared", name)
		}
	}
}

func TestSignoutReachableWithLapsedAssertion(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	gated := middleware.NewGatekeeper(f.issuer).Handler(f.router)
	tok, err := f.issuer.Issue(auth.Identity{ID: "usr_1", Email: "ops@example.com", IsActive: true}, auth.RealmAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Valid session, no assertion cookie: the 4h assertion has lapsed.
	// Signing out must still work, not bounce to the verify page.
	req := httptest.NewRequest(http.MethodPost, "/admin/signout", nil)
	req.AddCookie(&http.Cookie{Name: "admin_session", Value: tok})
	rr := httptest.NewRecorder()
	gated.ServeHTTP(rr, req)

	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/admin/sign-in" {
		t.Fatalf("expected redirect to /admin/sign-in, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	for _, name := range []string{"admin_session", "admin_2fa_verified"} {
		c := cookieByName(rr, name)
		if c == nil || c.MaxAge != -1 {
			t.Fatalf("expected %s to be cleared", name)
		}
	}
}

func TestSigninRateLimitIsCaseInsensitiveOnEmail(t *testing.T) {
	f := newFixtureWithRate(t, auth.RealmAdmin, rate.Limit(1.0/60), 1)

	rr := f.postSignin(t, auth.RealmAdmin, "Ops@Example.com", true)
	if rr.Header().Get("Location") != "/admin/verify-request" {
		t.Fatalf("first signin: got %q", rr.Header().Get("Location"))
	}
	if f.sender.calls != 1 {
		t.Fatalf("first signin must deliver, got %d sends", f.sender.calls)
	}

	// A case variant of the same address shares the bucket: still the
	// success redirect, but no second delivery and no second token.
	rr = f.postSignin(t, auth.RealmAdmin, "ops@example.com", true)
	if rr.Header().Get("Location") != "/admin/verify-request" {
		t.Fatalf("limited signin must look successful, got %q", rr.Header().Get("Location"))
	}
	if f.sender.calls != 1 {
		t.Fatalf("case variant must share the rate bucket, got %d sends", f.sender.calls)
	}
	if len(f.ledger.issued) != 1 {
		t.Fatalf("no token may be issued for a limited request, got %d", len(f.ledger.issued))
	}
}

func TestCallbackHonorsRecordedTarget(t *testing.T) {
	f := newFixture(t, auth.RealmAdmin)
	f.postSignin(t, auth.RealmAdmin, "ops@example.com", true)
	raw := f.ledger.issued["admin:ops@example.com"]

	target := "/admin/callback/email?token=" + url.QueryEscape(raw) + "&email=ops%40example.com"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(&http.Cookie{Name: "admin_callback", Value: "/admin/deals"})
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Header().Get("Location") != "/admin/deals" {
		t.Fatalf("expected recorded target, got %q", rr.Header().Get("Location"))
	}

	// An off-site target recorded in the cookie falls back to realm home.
	f2 := newFixture(t, auth.RealmAdmin)
	f2.postSignin(t, auth.RealmAdmin, "ops@example.com", true)
	raw2 := f2.ledger.issued["admin:ops@example.com"]
	target = "/admin/callback/email?token=" + url.QueryEscape(raw2) + "&email=ops%40example.com"
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(&http.Cookie{Name: "admin_callback", Value: "https://evil.example"})
	rr = httptest.NewRecorder()
	f2.router.ServeHTTP(rr, req)
	if rr.Header().Get("Location") != "/admin" {
		t.Fatalf("expected realm home, got %q", rr.Header().Get("Location"))
	}
}
