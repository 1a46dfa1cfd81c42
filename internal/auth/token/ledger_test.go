package token

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergiomaldo/deal-room-sub001/internal/auth"
)

// memStore mirrors the Postgres delete-returning semantics in memory.
type memStore struct {
	mu   sync.Mutex
	rows map[[2]string]time.Time
}

func newMemStore() *memStore { return &memStore{rows: make(map[[2]string]time.Time)} }

func (s *memStore) Insert(_ context.Context, identifier, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[[2]string{identifier, tokenHash}] = expiresAt
	return nil
}

func (s *memStore) ConsumeHash(_ context.Context, identifier, tokenHash string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{identifier, tokenHash}
	expiresAt, ok := s.rows[key]
	if !ok {
		return time.Time{}, auth.ErrTokenInvalid
	}
	delete(s.rows, key)
	return expiresAt, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func testLedger(st Store) *Ledger {
	return NewLedger(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConsumeSucceedsAtMostOnce(t *testing.T) {
	st := newMemStore()
	l := testLedger(st)
	ctx := context.Background()

	raw, err := l.Issue(ctx, auth.RealmAdmin, "a@x.com", 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, raw, 64)

	require.NoError(t, l.Consume(ctx, auth.RealmAdmin, "a@x.com", raw))
	assert.ErrorIs(t, l.Consume(ctx, auth.RealmAdmin, "a@x.com", raw), auth.ErrTokenInvalid)
}

func TestConsumeRejectsAndDeletesExpired(t *testing.T) {
	st := newMemStore()
	l := testLedger(st)
	ctx := context.Background()

	raw, err := l.Issue(ctx, auth.RealmAdmin, "a@x.com", 15*time.Minute)
	require.NoError(t, err)

	// Jump past the expiry for the consume.
	l.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	assert.ErrorIs(t, l.Consume(ctx, auth.RealmAdmin, "a@x.com", raw), auth.ErrTokenInvalid)
	assert.Equal(t, 0, st.count(), "expired row must be deleted to kill replay")
}

func TestConsumeIsRealmScoped(t *testing.T) {
	st := newMemStore()
	l := testLedger(st)
	ctx := context.Background()

	raw, err := l.Issue(ctx, auth.RealmAdmin, "a@x.com", 15*time.Minute)
	require.NoError(t, err)

	// Same email, wrong realm: must not resolve, must not burn the token.
	assert.ErrorIs(t, l.Consume(ctx, auth.RealmSupervisor, "a@x.com", raw), auth.ErrTokenInvalid)
	assert.NoError(t, l.Consume(ctx, auth.RealmAdmin, "a@x.com", raw))
}

func TestConsumeIsCaseInsensitiveOnEmail(t *testing.T) {
	st := newMemStore()
	l := testLedger(st)
	ctx := context.Background()

	raw, err := l.Issue(ctx, auth.RealmUser, "A@X.com", 15*time.Minute)
	require.NoError(t, err)
	assert.NoError(t, l.Consume(ctx, auth.RealmUser, "a@x.COM", raw))
}

func TestMultipleOutstandingTokensPerEmail(t *testing.T) {
	st := newMemStore()
	l := testLedger(st)
	ctx := context.Background()

	first, err := l.Issue(ctx, auth.RealmUser, "a@x.com", 15*time.Minute)
	require.NoError(t, err)
	second, err := l.Issue(ctx, auth.RealmUser, "a@x.com", 15*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.NoError(t, l.Consume(ctx, auth.RealmUser, "a@x.com", second))
	assert.NoError(t, l.Consume(ctx, auth.RealmUser, "a@x.com", first))
}
