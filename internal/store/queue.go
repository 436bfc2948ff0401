package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/protocol"
)

// QueueEntry is a player waiting for an opponent.
type QueueEntry struct {
	Setup      protocol.PlayerSetup `json:"setup"`
	Timestamp  int64                `json:"timestamp"`
	InstanceID string               `json:"instanceId"`
	SocketID   string               `json:"socketId"`
}

type rawEntry struct {
	raw   string
	entry QueueEntry
}

func decodeQueue(values []string) []rawEntry {
	entries := make([]rawEntry, 0, len(values))
	for _, raw := range values {
		var e QueueEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, rawEntry{raw: raw, entry: e})
	}
	return entries
}

// Enqueue appends an entry to its bracket queue, replacing any entry the same
// player already holds there. It returns the queue length afterwards.
func (s *Store) Enqueue(ctx context.Context, bracket int, entry QueueEntry) (int, error) {
	key := queueKey(bracket)
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encode queue entry: %w", err)
	}

	var length int
	err = s.watch(ctx, "enqueue", func(tx *redis.Tx) error {
		values, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		stale := make([]string, 0, 1)
		for _, e := range decodeQueue(values) {
			if e.entry.Setup.ID == entry.Setup.ID {
				stale = append(stale, e.raw)
			}
		}
		var push *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, raw := range stale {
				pipe.LRem(ctx, key, 0, raw)
			}
			push = pipe.RPush(ctx, key, data)
			return nil
		})
		if err != nil {
			return err
		}
		length = int(push.Val())
		return nil
	}, key)
	return length, err
}

// RemoveFromQueue drops every entry of playerID from a bracket queue and
// returns how many were removed.
func (s *Store) RemoveFromQueue(ctx context.Context, bracket int, playerID string) (int, error) {
	key := queueKey(bracket)
	removed := 0
	err := s.watch(ctx, "dequeue", func(tx *redis.Tx) error {
		values, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		var stale []string
		for _, e := range decodeQueue(values) {
			if e.entry.Setup.ID == playerID {
				stale = append(stale, e.raw)
			}
		}
		if len(stale) == 0 {
			removed = 0
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, raw := range stale {
				pipe.LRem(ctx, key, 1, raw)
			}
			return nil
		})
		if err != nil {
			return err
		}
		removed = len(stale)
		return nil
	}, key)
	return removed, err
}

// TakePair atomically removes playerID's entry together with the oldest
// entry of a different player in the same bracket. ok is false when either
// is missing, in which case the queue is left untouched.
func (s *Store) TakePair(ctx context.Context, bracket int, playerID string) (self, opponent QueueEntry, ok bool, err error) {
	key := queueKey(bracket)
	err = s.watch(ctx, "take pair", func(tx *redis.Tx) error {
		ok = false
		values, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		var mine, theirs *rawEntry
		entries := decodeQueue(values)
		for i := range entries {
			e := &entries[i]
			if e.entry.Setup.ID == playerID {
				if mine == nil {
					mine = e
				}
				continue
			}
			if theirs == nil {
				theirs = e
			}
		}
		if mine == nil || theirs == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, key, 0, mine.raw)
			pipe.LRem(ctx, key, 1, theirs.raw)
			return nil
		})
		if err != nil {
			return err
		}
		self, opponent, ok = mine.entry, theirs.entry, true
		return nil
	}, key)
	return self, opponent, ok, err
}

// queueEntries lists a bracket queue in arrival order.
func (s *Store) queueEntries(ctx context.Context, bracket int) ([]QueueEntry, error) {
	values, err := s.rdb.LRange(ctx, queueKey(bracket), 0, -1).Result()
	if err != nil {
		return nil, transient("list queue", err)
	}
	decoded := decodeQueue(values)
	entries := make([]QueueEntry, len(decoded))
	for i, e := range decoded {
		entries[i] = e.entry
	}
	return entries, nil
}

// QueueSizes returns the length of every non-empty bracket queue.
func (s *Store) QueueSizes(ctx context.Context) (map[int]int64, error) {
	keys, err := s.scanKeys(ctx, queuePattern)
	if err != nil {
		return nil, err
	}
	sizes := make(map[int]int64, len(keys))
	for _, key := range keys {
		bracket, ok := bracketFromQueueKey(key)
		if !ok {
			continue
		}
		n, err := s.rdb.LLen(ctx, key).Result()
		if err != nil {
			return nil, transient("queue length", err)
		}
		if n > 0 {
			sizes[bracket] = n
		}
	}
	return sizes, nil
}

// RemoveQueueEntriesOwnedBy drops every queue entry registered through
// instanceID and returns the affected player ids.
func (s *Store) RemoveQueueEntriesOwnedBy(ctx context.Context, instanceID string) ([]string, error) {
	keys, err := s.scanKeys(ctx, queuePattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var players []string
	for _, key := range keys {
		err := s.watch(ctx, "drop instance queue entries", func(tx *redis.Tx) error {
			values, err := tx.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				return err
			}
			var owned []rawEntry
			for _, e := range decodeQueue(values) {
				if e.entry.InstanceID == instanceID {
					owned = append(owned, e)
				}
			}
			if len(owned) == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, e := range owned {
					pipe.LRem(ctx, key, 1, e.raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, e := range owned {
				players = append(players, e.entry.Setup.ID)
			}
			return nil
		}, key)
		if err != nil {
			return players, err
		}
	}
	return players, nil
}
