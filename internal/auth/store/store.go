// Package store holds the Postgres implementations behind the auth
// subsystem's storage contracts. One store type per concern; all of them
// share the process-wide pgx pool injected at startup.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
)

// HashToken returns the at-rest form of a raw token. Only hashes touch the
// database; a leaked row is not a usable credential.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IdentityStore is auth.IdentityProvider over one realm's credential
// table. The three realms get three instances of this one type, each bound
// to its own table.
type IdentityStore struct {
	db    *pgxpool.Pool
	table string
}

// IdentityTable maps a realm to its credential table.
func IdentityTable(r auth.Realm) string {
	switch r {
	case auth.RealmAdmin:
		return "admin_users"
	case auth.RealmSupervisor:
		return "supervisor_users"
	default:
		return "users"
	}
}

func NewIdentityStore(db *pgxpool.Pool, realm auth.Realm) *IdentityStore {
	return &IdentityStore{db: db, table: IdentityTable(realm)}
}

func (s *IdentityStore) FindActive(ctx context.Context, email string) (auth.Identity, error) {
	var id auth.Identity
	err := s.db.QueryRow(ctx, fmt.Sprintf(`
SELECT id,email,name,is_active,created_at
FROM %s
WHERE lower(email)=lower($1) AND is_active
`, s.table), email).Scan(&id.ID, &id.Email, &id.Name, &id.IsActive, &id.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Identity{}, auth.ErrIdentityNotFound
		}
		return auth.Identity{}, fmt.Errorf("find identity: %w", err)
	}
	return id, nil
}

// Create provisions a new identity. Used by dealctl, never by the request
// path.
func (s *IdentityStore) Create(ctx context.Context, id auth.Identity) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id,email,name,is_active)
VALUES ($1,lower($2),$3,$4)
`, s.table), id.ID, id.Email, id.Name, id.IsActive)
	return err
}

// SetActive toggles the activation flag by email.
func (s *IdentityStore) SetActive(ctx context.Context, email string, active bool) (bool, error) {
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET is_active=$2 WHERE lower(email)=lower($1)
`, s.table), email, active)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
