package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SocketMapping routes a socket to the instance holding it and, once
// matched, to its room and player.
type SocketMapping struct {
	SocketID   string `json:"socketId"`
	InstanceID string `json:"instanceId"`
	RoomID     string `json:"roomId,omitempty"`
	PlayerID   string `json:"playerId,omitempty"`
}

// PutSocket stores a socket route.
func (s *Store) PutSocket(ctx context.Context, m SocketMapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode socket %s: %w", m.SocketID, err)
	}
	return transient("put socket", s.rdb.Set(ctx, socketKey(m.SocketID), data, 0).Err())
}

// GetSocket loads a socket route.
func (s *Store) GetSocket(ctx context.Context, socketID string) (SocketMapping, error) {
	data, err := s.rdb.Get(ctx, socketKey(socketID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SocketMapping{}, fmt.Errorf("socket %s: %w", socketID, ErrNotFound)
	}
	if err != nil {
		return SocketMapping{}, transient("get socket", err)
	}
	var m SocketMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return SocketMapping{}, fmt.Errorf("decode socket %s: %w", socketID, err)
	}
	return m, nil
}

// BindSocketRoom records the room a socket's player was matched into.
func (s *Store) BindSocketRoom(ctx context.Context, socketID, roomID string) error {
	key := socketKey(socketID)
	return s.watch(ctx, "bind socket room", func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return pass(fmt.Errorf("socket %s: %w", socketID, ErrNotFound))
		}
		if err != nil {
			return err
		}
		var m SocketMapping
		if err := json.Unmarshal(data, &m); err != nil {
			return pass(fmt.Errorf("decode socket %s: %w", socketID, err))
		}
		m.RoomID = roomID
		updated, err := json.Marshal(m)
		if err != nil {
			return pass(err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

// DeleteSocket removes a socket route.
func (s *Store) DeleteSocket(ctx context.Context, socketID string) error {
	return transient("delete socket", s.rdb.Del(ctx, socketKey(socketID)).Err())
}

// SocketsOwnedBy returns the routes held by an instance.
func (s *Store) SocketsOwnedBy(ctx context.Context, instanceID string) ([]SocketMapping, error) {
	keys, err := s.scanKeys(ctx, socketKey("*"))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, transient("load sockets", err)
	}

	var owned []SocketMapping
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m SocketMapping
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if m.InstanceID == instanceID {
			owned = append(owned, m)
		}
	}
	return owned, nil
}

// Heartbeat records that an instance is alive and registers it in the
// instance set. The heartbeat key expires after ttl.
func (s *Store) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, heartbeatKey(instanceID), s.now().UnixMilli(), ttl)
		pipe.SAdd(ctx, instancesKey, instanceID)
		return nil
	})
	return transient("heartbeat", err)
}

// LastHeartbeat returns the time of an instance's latest heartbeat. ok is
// false when none is stored.
func (s *Store) LastHeartbeat(ctx context.Context, instanceID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, heartbeatKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, transient("get heartbeat", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Instances lists registered instance ids.
func (s *Store) Instances(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, instancesKey).Result()
	return ids, transient("list instances", err)
}

// UnregisterInstance forgets an instance.
func (s *Store) UnregisterInstance(ctx context.Context, instanceID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, instancesKey, instanceID)
		pipe.Del(ctx, heartbeatKey(instanceID))
		return nil
	})
	return transient("unregister instance", err)
}
