package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns an empty store. Successive writes must get strictly
// increasing creation times so newest-first ordering is deterministic.
type storeFactory func(t *testing.T) Store

func int64Ptr(v int64) *int64 { return &v }

// assertCoupled checks that status pending and a stored challenge go together.
func assertCoupled(t *testing.T, s Store, id int64) {
	t.Helper()
	ctx := context.Background()
	u, err := s.GetUser(ctx, id)
	require.NoError(t, err)
	p, err := s.GetPending(ctx, id)
	require.NoError(t, err)

	pending := u != nil && u.Status == StatusPending
	assert.Equal(t, pending, p != nil, "user %d: status pending must match challenge presence", id)
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("upsert and lookups", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 1, Name: "ana", Status: StatusVerified, Username: "ana_h", ChatID: int64Ptr(-100)}))

		verified, err := s.IsVerified(ctx, 1)
		require.NoError(t, err)
		assert.True(t, verified)
		blocked, err := s.IsBlocked(ctx, 1)
		require.NoError(t, err)
		assert.False(t, blocked)

		u, err := s.GetUser(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "ana", u.Name)
		assert.Equal(t, "ana_h", u.Username)
		require.NotNil(t, u.ChatID)
		assert.Equal(t, int64(-100), *u.ChatID)
		created := u.CreatedAt

		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 1, Name: "ana b", Status: StatusBlocked}))
		u, err = s.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusBlocked, u.Status)
		assert.Equal(t, "ana b", u.Name)
		assert.Equal(t, "ana_h", u.Username, "missing handle keeps the last observed one")
		assert.True(t, u.CreatedAt.Equal(created), "created_at survives updates")
		assert.True(t, u.UpdatedAt.After(created), "updated_at refreshes on change")

		missing, err := s.GetUser(ctx, 99)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("upsert rejects pending without challenge", func(t *testing.T) {
		s := newStore(t)
		err := s.UpsertUser(ctx, UserParams{ID: 1, Name: "x", Status: StatusPending})
		assert.ErrorIs(t, err, ErrPendingRequiresChallenge)
	})

	t.Run("pending lifecycle keeps coupling", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddPending(ctx, 4, -100, "user4", "1+1", "2"))
		assertCoupled(t, s, 4)

		p, err := s.GetPending(ctx, 4)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "1+1", p.Question)
		assert.Equal(t, "2", p.Answer)
		assert.Equal(t, int64(-100), p.ChatID)

		require.NoError(t, s.AddPending(ctx, 4, -100, "user4", "2+2", "4"))
		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, c.PendingChallenges, "one challenge per user")

		require.NoError(t, s.ResolvePendingSuccess(ctx, 4, "user4"))
		assertCoupled(t, s, 4)
		verified, err := s.IsVerified(ctx, 4)
		require.NoError(t, err)
		assert.True(t, verified)
	})

	t.Run("resolve requires a pending user", func(t *testing.T) {
		s := newStore(t)
		err := s.ResolvePendingSuccess(ctx, 8, "ghost")
		assert.ErrorIs(t, err, ErrNotPending)
		u, err := s.GetUser(ctx, 8)
		require.NoError(t, err)
		assert.Nil(t, u, "resolving an unknown user must not create one")

		require.NoError(t, s.AddPending(ctx, 9, -100, "user9", "q", "a"))
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 9, Name: "user9", Status: StatusBlocked}))
		err = s.ResolvePendingSuccess(ctx, 9, "user9")
		assert.ErrorIs(t, err, ErrNotPending)
		blocked, err := s.IsBlocked(ctx, 9)
		require.NoError(t, err)
		assert.True(t, blocked, "a blocked user stays blocked")
		assertCoupled(t, s, 9)
	})

	t.Run("block known user", func(t *testing.T) {
		s := newStore(t)
		changed, err := s.BlockKnownUser(ctx, 10, "gone")
		require.NoError(t, err)
		assert.False(t, changed)
		u, err := s.GetUser(ctx, 10)
		require.NoError(t, err)
		assert.Nil(t, u, "unknown users are not recreated")

		require.NoError(t, s.AddPending(ctx, 11, -100, "user11", "q", "a"))
		changed, err = s.BlockKnownUser(ctx, 11, "promo_deals")
		require.NoError(t, err)
		assert.True(t, changed)
		u, err = s.GetUser(ctx, 11)
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, StatusBlocked, u.Status)
		assert.Equal(t, "promo_deals", u.Username)
		assert.Equal(t, "user11", u.Name)
		assertCoupled(t, s, 11)

		changed, err = s.BlockKnownUser(ctx, 11, "")
		require.NoError(t, err)
		assert.False(t, changed, "already blocked")

		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 12, Name: "v", Status: StatusVerified, Username: "keep"}))
		changed, err = s.BlockKnownUser(ctx, 12, "")
		require.NoError(t, err)
		assert.True(t, changed)
		u, err = s.GetUser(ctx, 12)
		require.NoError(t, err)
		assert.Equal(t, StatusBlocked, u.Status)
		assert.Equal(t, "keep", u.Username, "empty handle keeps the stored one")
	})

	t.Run("remove pending drops a pending user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddPending(ctx, 5, -100, "user5", "q", "a"))
		require.NoError(t, s.RemovePending(ctx, 5))

		u, err := s.GetUser(ctx, 5)
		require.NoError(t, err)
		assert.Nil(t, u)
		assertCoupled(t, s, 5)
	})

	t.Run("remove pending keeps verified user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 6, Name: "v", Status: StatusVerified}))
		require.NoError(t, s.RemovePending(ctx, 6))

		verified, err := s.IsVerified(ctx, 6)
		require.NoError(t, err)
		assert.True(t, verified)
	})

	t.Run("blocking a pending user clears the challenge", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddPending(ctx, 7, -100, "user7", "q", "a"))
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 7, Name: "user7", Status: StatusBlocked}))
		assertCoupled(t, s, 7)
	})

	t.Run("remove user only when blocked", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 1, Name: "b", Status: StatusBlocked}))
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 2, Name: "v", Status: StatusVerified}))

		require.NoError(t, s.RemoveUserIfBlocked(ctx, 1))
		require.NoError(t, s.RemoveUserIfBlocked(ctx, 2))

		u, err := s.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, u)
		p, err := s.GetPending(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, p)

		verified, err := s.IsVerified(ctx, 2)
		require.NoError(t, err)
		assert.True(t, verified)
	})

	t.Run("lists newest first and counts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 1, Name: "b1", Status: StatusBlocked}))
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 2, Name: "v2", Status: StatusVerified}))
		require.NoError(t, s.UpsertUser(ctx, UserParams{ID: 3, Name: "b3", Status: StatusBlocked}))
		require.NoError(t, s.AddPending(ctx, 4, -100, "p4", "q", "a"))

		blocked, err := s.ListBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, blocked, 2)
		assert.Equal(t, int64(3), blocked[0].ID)
		assert.Equal(t, int64(1), blocked[1].ID)

		others, err := s.ListNonBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, others, 2)
		assert.Equal(t, int64(4), others[0].ID)
		assert.Equal(t, int64(2), others[1].ID)

		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Verified: 1, Pending: 1, Blocked: 2, PendingChallenges: 1}, c)
	})
}

func runOffsetContract(t *testing.T, s OffsetStore) {
	ctx := context.Background()

	offset, err := s.LoadOffset(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)

	require.NoError(t, s.SaveOffset(ctx, "telegram", 42))
	require.NoError(t, s.SaveOffset(ctx, "telegram", 43))

	offset, err = s.LoadOffset(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, 43, offset)
}
