// Package lock provides short-lived per-room leases in Redis. A lease is a
// key set with NX and an expiry; only the holder's token can release it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/store"
)

// Lease purposes used across the fleet.
const (
	PurposeTransition = "transition"
	PurposeTimeout    = "timeout"
	PurposeCleanup    = "cleanup"
	PurposeReclaim    = "reclaim"
)

// ErrHeld is returned when another owner holds the lease.
var ErrHeld = errors.New("lease held by another owner")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a held lock. It expires on its own if never released.
type Lease struct {
	Key    string
	Token  string
	Expiry time.Time
}

// Locker acquires and releases leases.
type Locker struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// New creates a Locker whose leases last ttl.
func New(rdb redis.UniversalClient, ttl time.Duration) *Locker {
	return &Locker{rdb: rdb, ttl: ttl, now: time.Now}
}

// Acquire takes the lease for purpose in roomID, or returns ErrHeld.
func (l *Locker) Acquire(ctx context.Context, roomID, purpose string) (*Lease, error) {
	key := store.LockKey(roomID, purpose)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, &store.TransientError{Op: "acquire lease", Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrHeld)
	}
	return &Lease{Key: key, Token: token, Expiry: l.now().Add(l.ttl)}, nil
}

// Release deletes the lease if it is still ours. Releasing an expired or
// stolen lease is a no-op.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{lease.Key}, lease.Token).Err(); err != nil {
		return &store.TransientError{Op: "release lease", Err: err}
	}
	return nil
}

// With runs fn while holding the lease. A held lease is reported as a
// game.ContentionError without running fn.
func (l *Locker) With(ctx context.Context, roomID, purpose string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, roomID, purpose)
	if errors.Is(err, ErrHeld) {
		return &game.ContentionError{RoomID: roomID, Purpose: purpose}
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = l.Release(context.WithoutCancel(ctx), lease)
	}()
	return fn(ctx)
}
