// Package token implements the single-use magic-link token ledger.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
	"github.com/sergiomaldo/deal-room-sub001/internal/auth/store"
)

// Store is the persistence contract the ledger runs on. ConsumeHash must
// be an atomic delete-and-return: of any number of concurrent calls for
// the same (identifier, hash) pair, exactly one may succeed.
type Store interface {
	Insert(ctx context.Context, identifier, tokenHash string, expiresAt time.Time) error
	ConsumeHash(ctx context.Context, identifier, tokenHash string) (time.Time, error)
}

// Ledger issues and consumes verification tokens. Tokens are scoped to a
// (realm, email) identifier, so a token minted for an admin can never
// validate in the supervisor realm even for the same address.
type Ledger struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewLedger(st Store, log *slog.Logger) *Ledger {
	return &Ledger{store: st, log: log, now: time.Now}
}

// Identifier is the realm-scoped ledger key for an email address.
func Identifier(realm auth.Realm, email string) string {
	return string(realm) + ":" + strings.ToLower(strings.TrimSpace(email))
}

// Issue mints a fresh high-entropy token valid for ttl and records its
// hash. The raw token is returned exactly once, for the mail body.
func (l *Ledger) Issue(ctx context.Context, realm auth.Realm, email string, ttl time.Duration) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	raw := hex.EncodeToString(buf)
	expiresAt := l.now().UTC().Add(ttl)
	if err := l.store.Insert(ctx, Identifier(realm, email), store.HashToken(raw), expiresAt); err != nil {
		return "", err
	}
	return raw, nil
}

// Consume validates and burns a token. Unknown, already-consumed, and
// expired tokens all come back as auth.ErrTokenInvalid: callers must not
// be able to tell the cases apart. The expired/unknown distinction is
// logged internally for abuse detection and goes no further.
func (l *Ledger) Consume(ctx context.Context, realm auth.Realm, email, raw string) error {
	identifier := Identifier(realm, email)
	expiresAt, err := l.store.ConsumeHash(ctx, identifier, store.HashToken(raw))
	if err != nil {
		if errors.Is(err, auth.ErrTokenInvalid) {
			l.log.Debug("token consume miss", "realm", string(realm), "reason", "unknown")
			return auth.ErrTokenInvalid
		}
		return err
	}
	if !expiresAt.After(l.now().UTC()) {
		// Row existed and is now deleted; reject anyway.
		l.log.Debug("token consume miss", "realm", string(realm), "reason", "expired")
		return auth.ErrTokenInvalid
	}
	return nil
}
