package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth/twofactor"
)

// TwoFactorStore persists TOTP secrets, partitioned by realm so an
// identity enrolled in one realm shares nothing with another.
type TwoFactorStore struct {
	db *pgxpool.Pool
}

func NewTwoFactorStore(db *pgxpool.Pool) *TwoFactorStore { return &TwoFactorStore{db: db} }

func (s *TwoFactorStore) Get(ctx context.Context, realm, ownerID string) (twofactor.Secret, error) {
	var sec twofactor.Secret
	err := s.db.QueryRow(ctx, `
SELECT owner_id,realm,secret_base32,verified
FROM two_factor_secrets
WHERE realm=$1 AND owner_id=$2
`, realm, ownerID).Scan(&sec.OwnerID, &sec.Realm, &sec.SecretBase32, &sec.Verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return twofactor.Secret{}, twofactor.ErrSecretNotFound
		}
		return twofactor.Secret{}, fmt.Errorf("get two-factor secret: %w", err)
	}
	return sec, nil
}

// Create inserts a fresh unverified secret. First writer wins on races:
// the conflict target is the (realm, owner_id) key and the insert is a
// no-op when a row already exists, so callers re-read after creating.
func (s *TwoFactorStore) Create(ctx context.Context, sec twofactor.Secret) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO two_factor_secrets(owner_id,realm,secret_base32,verified)
VALUES($1,$2,$3,false)
ON CONFLICT (realm,owner_id) DO NOTHING
`, sec.OwnerID, sec.Realm, sec.SecretBase32)
	if err != nil {
		return fmt.Errorf("create two-factor secret: %w", err)
	}
	return nil
}

// MarkVerified flips verified false→true. The predicate makes the flip
// idempotent and one-way; there is no path back to false.
func (s *TwoFactorStore) MarkVerified(ctx context.Context, realm, ownerID string) error {
	_, err := s.db.Exec(ctx, `
UPDATE two_factor_secrets SET verified=true
WHERE realm=$1 AND owner_id=$2 AND NOT verified
`, realm, ownerID)
	if err != nil {
		return fmt.Errorf("mark two-factor verified: %w", err)
	}
	return nil
}
