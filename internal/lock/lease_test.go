package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, 5*time.Second), m
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	lease, err := l.Acquire(ctx, "room_1", PurposeTransition)
	require.NoError(t, err)
	assert.Equal(t, store.LockKey("room_1", PurposeTransition), lease.Key)

	_, err = l.Acquire(ctx, "room_1", PurposeTransition)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, "room_1", PurposeTimeout)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, other))

	require.NoError(t, l.Release(ctx, lease))
	again, err := l.Acquire(ctx, "room_1", PurposeTransition)
	require.NoError(t, err)
	assert.NotEqual(t, lease.Token, again.Token)
}

func TestLeaseExpires(t *testing.T) {
	l, m := newLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "room_1", PurposeTransition)
	require.NoError(t, err)

	m.FastForward(6 * time.Second)
	_, err = l.Acquire(ctx, "room_1", PurposeTransition)
	assert.NoError(t, err)
}

func TestReleaseOnlyDeletesOwnToken(t *testing.T) {
	l, m := newLocker(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "room_1", PurposeTransition)
	require.NoError(t, err)
	m.FastForward(6 * time.Second)

	current, err := l.Acquire(ctx, "room_1", PurposeTransition)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, stale))
	value, err := m.Get(current.Key)
	require.NoError(t, err)
	assert.Equal(t, current.Token, value)
}

func TestWithReportsContention(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "room_1", PurposeTimeout)
	require.NoError(t, err)

	ran := false
	err = l.With(ctx, "room_1", PurposeTimeout, func(context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ran)
	assert.True(t, game.IsContention(err))

	require.NoError(t, l.Release(ctx, held))

	boom := errors.New("boom")
	err = l.With(ctx, "room_1", PurposeTimeout, func(context.Context) error {
		ran = true
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	_, err = l.Acquire(ctx, "room_1", PurposeTimeout)
	assert.NoError(t, err, "With must release the lease")
}
