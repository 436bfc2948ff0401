// Package bus relays room events between instances over Redis pub/sub.
// Every envelope carries the id of the instance that published it; an
// instance ignores its own envelopes because it already delivered them to
// its local sockets.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
)

// Envelope is the cross-instance form of an outbound message. PlayerID is
// set when the message targets one player instead of the whole room.
type Envelope struct {
	Origin   string          `json:"origin"`
	RoomID   string          `json:"roomId"`
	PlayerID string          `json:"playerId,omitempty"`
	Type     string          `json:"type"`
	Frame    json.RawMessage `json:"frame"`
}

// Bus publishes envelopes and dispatches remote ones to local listeners.
type Bus struct {
	rdb    redis.UniversalClient
	origin string
	local  *Dispatcher
	logger *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// New creates a bus for the instance identified by origin.
func New(rdb redis.UniversalClient, origin string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		rdb:    rdb,
		origin: origin,
		local:  NewDispatcher(),
		logger: logger.With(zap.String("instance_id", origin)),
	}
}

// Origin returns the instance id stamped on published envelopes.
func (b *Bus) Origin() string {
	return b.origin
}

// Subscribe registers a listener for remote envelopes.
func (b *Bus) Subscribe(listener Listener) int {
	return b.local.Subscribe(listener)
}

// Unsubscribe removes a listener.
func (b *Bus) Unsubscribe(handle int) {
	b.local.Unsubscribe(handle)
}

// Publish sends msg to every other instance. An empty playerID addresses
// the whole room.
func (b *Bus) Publish(ctx context.Context, roomID, playerID string, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{
		Origin:   b.origin,
		RoomID:   roomID,
		PlayerID: playerID,
		Type:     msg.Type(),
		Frame:    frame,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, store.EventChannel(roomID), data).Err(); err != nil {
		return &store.TransientError{Op: "publish", Err: err}
	}
	return nil
}

// Start subscribes to every room channel and begins dispatching. It returns
// once the subscription is confirmed.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	pubsub := b.rdb.PSubscribe(ctx, store.EventPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", store.EventPattern, err)
	}
	b.pubsub = pubsub
	b.done = make(chan struct{})

	go b.loop(pubsub.Channel(), b.done)
	b.logger.Info("event bus subscribed", zap.String("pattern", store.EventPattern))
	return nil
}

func (b *Bus) loop(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		b.handle(msg)
	}
}

func (b *Bus) handle(msg *redis.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("dropping malformed envelope", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if env.Origin == b.origin {
		return
	}
	if env.RoomID == "" {
		if roomID, ok := store.RoomFromChannel(msg.Channel); ok {
			env.RoomID = roomID
		}
	}
	b.local.Dispatch(env)
}

// Close stops dispatching and releases the subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
