// Package store is the shared state store of the fleet. It keeps game
// states, the match index, socket routes, queues, heartbeats and cleanup
// markers in Redis, and performs every read-merge-write as an optimistic
// WATCH/MULTI transaction.
package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/game"
)

const maxTxAttempts = 16

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoChange may be returned by an update callback to skip the write.
	ErrNoChange = errors.New("no change")

	// ErrConflict is returned when an optimistic transaction kept losing to
	// concurrent writers.
	ErrConflict = errors.New("too much write contention")
)

// TransientError wraps a failure talking to Redis. Callers retry later;
// players only ever see a generic message.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err came from the store backend.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// passthrough marks errors raised by our own code inside a transaction so
// they are returned unchanged instead of being reported as backend failures.
type passthrough struct {
	err error
}

func (p *passthrough) Error() string { return p.err.Error() }

func pass(err error) error {
	if err == nil {
		return nil
	}
	return &passthrough{err: err}
}

// Store is a handle on the shared store.
type Store struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the clock used to stamp updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps a Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client exposes the underlying client to packages sharing the connection.
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return transient("ping", s.rdb.Ping(ctx).Err())
}

// watch runs fn as an optimistic transaction over keys, retrying when a
// watched key changed underneath it.
func (s *Store) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var p *passthrough
		if errors.As(err, &p) {
			return p.err
		}
		return transient(op, err)
	}
	return &TransientError{Op: op, Err: ErrConflict}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readState(ctx context.Context, c getter, roomID string) (*game.GameState, error) {
	data, err := c.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pass(fmt.Errorf("room %s: %w", roomID, ErrNotFound))
	}
	if err != nil {
		return nil, err
	}
	var st game.GameState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, pass(fmt.Errorf("decode room %s: %w", roomID, err))
	}
	return &st, nil
}

// GetGameState loads a room's state.
func (s *Store) GetGameState(ctx context.Context, roomID string) (*game.GameState, error) {
	st, err := readState(ctx, s.rdb, roomID)
	if err != nil {
		var p *passthrough
		if errors.As(err, &p) {
			return nil, p.err
		}
		return nil, transient("get game state", err)
	}
	return st, nil
}

// putGameState overwrites a room's state unconditionally.
func (s *Store) putGameState(ctx context.Context, st *game.GameState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", st.RoomID, err)
	}
	return transient("put game state", s.rdb.Set(ctx, roomKey(st.RoomID), data, 0).Err())
}

// UpdateGameState re-reads the room, applies fn and writes the result in one
// optimistic transaction, refreshing updatedAt. fn may run more than once and
// must only touch the state it is given. Errors from fn abort the write and
// are returned unchanged, except ErrNoChange which skips the write and
// returns the state fn was given.
func (s *Store) UpdateGameState(ctx context.Context, roomID string, fn func(st *game.GameState) error) (*game.GameState, error) {
	var result *game.GameState
	err := s.watch(ctx, "update game state", func(tx *redis.Tx) error {
		st, err := readState(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			if errors.Is(err, ErrNoChange) {
				result = st
				return nil
			}
			return pass(err)
		}
		st.UpdatedAt = game.Millis(s.now())
		data, err := json.Marshal(st)
		if err != nil {
			return pass(fmt.Errorf("encode room %s: %w", roomID, err))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(roomID), data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = st
		return nil
	}, roomKey(roomID))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateRoom writes a new room state and its match index entry together. If
// a room that has not finished already exists under the same id it is kept
// and returned with created=false.
func (s *Store) CreateRoom(ctx context.Context, st *game.GameState, match game.Match) (*game.GameState, bool, error) {
	var (
		result  *game.GameState
		created bool
	)
	stateData, err := json.Marshal(st)
	if err != nil {
		return nil, false, fmt.Errorf("encode room %s: %w", st.RoomID, err)
	}
	matchData, err := json.Marshal(match)
	if err != nil {
		return nil, false, fmt.Errorf("encode match %s: %w", match.RoomID, err)
	}

	err = s.watch(ctx, "create room", func(tx *redis.Tx) error {
		existing, err := readState(ctx, tx, st.RoomID)
		switch {
		case err == nil && !existing.Finished():
			result, created = existing, false
			return nil
		case err != nil && !errors.Is(unwrapPass(err), ErrNotFound):
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(st.RoomID), stateData, 0)
			pipe.HSet(ctx, matchesKey, st.RoomID, matchData)
			pipe.Del(ctx, cleanupKey(st.RoomID))
			return nil
		})
		if err != nil {
			return err
		}
		result, created = st.Clone(), true
		return nil
	}, roomKey(st.RoomID))
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func unwrapPass(err error) error {
	var p *passthrough
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// DeleteRoom removes a room's state, match index entry, cleanup marker and
// leases.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	keys, err := s.scanKeys(ctx, lockPattern(roomID))
	if err != nil {
		return err
	}
	keys = append(keys, roomKey(roomID), cleanupKey(roomID))

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.HDel(ctx, matchesKey, roomID)
		return nil
	})
	return transient("delete room", err)
}

// GetMatch loads the match index entry of a room.
func (s *Store) GetMatch(ctx context.Context, roomID string) (game.Match, error) {
	data, err := s.rdb.HGet(ctx, matchesKey, roomID).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.Match{}, fmt.Errorf("match %s: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return game.Match{}, transient("get match", err)
	}
	var m game.Match
	if err := json.Unmarshal(data, &m); err != nil {
		return game.Match{}, fmt.Errorf("decode match %s: %w", roomID, err)
	}
	return m, nil
}

// Matches returns the whole match index. Malformed entries are skipped.
func (s *Store) Matches(ctx context.Context) ([]game.Match, error) {
	entries, err := s.rdb.HGetAll(ctx, matchesKey).Result()
	if err != nil {
		return nil, transient("list matches", err)
	}
	matches := make([]game.Match, 0, len(entries))
	for roomID, raw := range entries {
		var m game.Match
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// MatchIDs returns the room ids in the match index.
func (s *Store) MatchIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.HKeys(ctx, matchesKey).Result()
	return ids, transient("list match ids", err)
}

// MatchesForPlayer returns every indexed match a player belongs to, newest
// first. A finished room stays indexed until its cleanup grace ends, so a
// player can briefly appear in more than one.
func (s *Store) MatchesForPlayer(ctx context.Context, playerID string) ([]game.Match, error) {
	all, err := s.Matches(ctx)
	if err != nil {
		return nil, err
	}
	var matches []game.Match
	for _, m := range all {
		if _, ok := m.Opponent(playerID); ok {
			matches = append(matches, m)
		}
	}
	slices.SortFunc(matches, func(a, b game.Match) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RoomID, b.RoomID)
	})
	return matches, nil
}

// DeleteMatch removes a match index entry without touching the room state.
func (s *Store) DeleteMatch(ctx context.Context, roomID string) error {
	return transient("delete match", s.rdb.HDel(ctx, matchesKey, roomID).Err())
}

// ScheduleCleanup places the cleanup marker of a finished room. The room is
// removed once the marker expires.
func (s *Store) ScheduleCleanup(ctx context.Context, roomID string, grace time.Duration) error {
	return transient("schedule cleanup", s.rdb.SetNX(ctx, cleanupKey(roomID), game.Millis(s.now()), grace).Err())
}

// CleanupPending reports whether a room's cleanup marker is still present.
func (s *Store) CleanupPending(ctx context.Context, roomID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cleanupKey(roomID)).Result()
	if err != nil {
		return false, transient("check cleanup marker", err)
	}
	return n > 0, nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, transient("scan "+pattern, err)
	}
	return keys, nil
}
