package auth

import (
	"context"
	"errors"
	"time"
)

// Identity is one registered account inside a single realm. Rows are
// provisioned out of band (dealctl) and only ever mutated by activation
// toggles; the auth subsystem never deletes them.
type Identity struct {
	ID        string
	Email     string
	Name      *string
	IsActive  bool
	CreatedAt time.Time
}

// IdentityProvider looks up registered identities for one realm.
//
// FindActive must treat unknown and deactivated accounts identically
// (ErrIdentityNotFound) so callers cannot leak which of the two it was.
// Email comparison is case-insensitive.
type IdentityProvider interface {
	FindActive(ctx context.Context, email string) (Identity, error)
}

var (
	// ErrIdentityNotFound covers both unknown and inactive accounts.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrTokenInvalid covers expired, consumed, and malformed magic-link
	// tokens uniformly; callers never learn which.
	ErrTokenInvalid = errors.New("invalid verification token")
	// ErrTwoFactorInvalid is a wrong or malformed one-time code.
	ErrTwoFactorInvalid = errors.New("invalid one-time code")
	// ErrUnauthenticated is a missing or unverifiable session. Signature
	// and crypto failures collapse into it: the gate fails closed.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrDeliveryFailure is a failed verification-mail send.
	ErrDeliveryFailure = errors.New("failed to send verification email")
)
