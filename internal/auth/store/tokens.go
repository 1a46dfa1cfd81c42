package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
)

// TokenStore persists magic-link verification tokens. Rows are keyed by
// (identifier, token_hash); multiple outstanding tokens per identifier are
// allowed.
type TokenStore struct {
	db *pgxpool.Pool
}

func NewTokenStore(db *pgxpool.Pool) *TokenStore { return &TokenStore{db: db} }

func (s *TokenStore) Insert(ctx context.Context, identifier, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO verification_tokens(identifier,token_hash,expires_at)
VALUES($1,$2,$3)
`, identifier, tokenHash, expiresAt)
	if err != nil {
		return fmt.Errorf("insert verification token: %w", err)
	}
	return nil
}

// ConsumeHash atomically deletes the row and returns its expiry. Exactly
// one concurrent caller can win the delete; everyone else gets
// auth.ErrTokenInvalid. Expired rows are deleted too: the caller checks
// the returned expiry, and the delete kills any replay.
func (s *TokenStore) ConsumeHash(ctx context.Context, identifier, tokenHash string) (time.Time, error) {
	var expiresAt time.Time
	err := s.db.QueryRow(ctx, `
DELETE FROM verification_tokens
WHERE identifier=$1 AND token_hash=$2
RETURNING expires_at
`, identifier, tokenHash).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, auth.ErrTokenInvalid
		}
		return time.Time{}, fmt.Errorf("consume verification token: %w", err)
	}
	return expiresAt, nil
}
