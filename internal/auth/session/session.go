// Package session mints and verifies realm-scoped session claims and owns
// the cookie surface of the auth subsystem.
//
// Signing keys are salted per realm: each realm's key is derived from the
// server secret with the realm name, and the realm also travels inside the
// claims. A session cookie lifted from one realm is structurally
// unverifiable in another, independent of cookie-name hygiene.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
)

// Claims is the verified content of a session cookie. Ephemeral; never
// persisted.
type Claims struct {
	SubjectID string
	Email     string
	Realm     auth.Realm
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer signs and parses session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer requires a server secret of at least 32 bytes for HS256.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if len(secret) < 32 {
		panic("session secret must be at least 32 bytes")
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}
}

// TTL is the session lifetime, exposed for cookie max-age.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// derivedKey salts the server secret with a purpose label. "session:admin"
// and "session:supervisor" never share a signing key.
func (i *Issuer) derivedKey(purpose string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(purpose))
	return mac.Sum(nil)
}

func (i *Issuer) realmKey(realm auth.Realm) []byte {
	return i.derivedKey("session:" + string(realm))
}

// Issue signs session claims for an identity in a realm.
func (i *Issuer) Issue(identity auth.Identity, realm auth.Realm) (string, error) {
	now := i.now().UTC()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   identity.ID,
		"email": identity.Email,
		"realm": string(realm),
		"iat":   now.Unix(),
		"exp":   now.Add(i.ttl).Unix(),
	})
	signed, err := tok.SignedString(i.realmKey(realm))
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Parse verifies a session token against one realm. Every failure mode
// (bad signature, wrong algorithm, expiry, realm mismatch, malformed
// claims) collapses to auth.ErrUnauthenticated.
func (i *Issuer) Parse(tokenStr string, realm auth.Realm) (Claims, error) {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.realmKey(realm), nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil || !tok.Valid {
		return Claims{}, auth.ErrUnauthenticated
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, auth.ErrUnauthenticated
	}
	sub, _ := mc["sub"].(string)
	email, _ := mc["email"].(string)
	claimRealm, _ := mc["realm"].(string)
	if sub == "" || email == "" || claimRealm != string(realm) {
		return Claims{}, auth.ErrUnauthenticated
	}
	iat, _ := mc["iat"].(float64)
	exp, _ := mc["exp"].(float64)
	return Claims{
		SubjectID: sub,
		Email:     email,
		Realm:     realm,
		IssuedAt:  time.Unix(int64(iat), 0).UTC(),
		ExpiresAt: time.Unix(int64(exp), 0).UTC(),
	}, nil
}
