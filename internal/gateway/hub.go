package gateway

import (
	"context"
	"sync"

	"github.com/spellbound/duel-server/internal/bus"
	"github.com/spellbound/duel-server/internal/protocol"
	"go.uber.org/zap"
)

// Hub tracks the connections of this instance and delivers room messages to
// them. Messages are handed to local clients first and then published on the
// bus; envelopes published by other instances come back through the bus
// listener.
type Hub struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	players map[string]*Client
	handle  int
}

// NewHub creates a hub. A nil bus confines delivery to this instance.
func NewHub(b *bus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		bus:     b,
		logger:  logger,
		clients: make(map[string]*Client),
		players: make(map[string]*Client),
		handle:  -1,
	}
	if b != nil {
		h.handle = b.Subscribe(h.onRemote)
	}
	return h
}

// Register adds a client. A newer connection of the same player takes over
// player-addressed delivery.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.SocketID] = c
	h.players[c.PlayerID] = c
}

// Unregister removes a client and closes its send stream. It reports whether
// the client was registered.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c.SocketID]
	delete(h.clients, c.SocketID)
	if h.players[c.PlayerID] == c {
		delete(h.players, c.PlayerID)
	}
	h.mu.Unlock()

	c.close()
	return ok
}

// Len returns the number of local connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll unregisters every client. Their transports notice the closed
// send stream and hang up.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

// Close detaches the hub from the bus.
func (h *Hub) Close() {
	if h.bus != nil && h.handle >= 0 {
		h.bus.Unsubscribe(h.handle)
		h.handle = -1
	}
}

// ToRoom delivers msg to every local client bound to roomID and publishes it
// for the other instances.
func (h *Hub) ToRoom(ctx context.Context, roomID string, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	h.deliverRoom(roomID, frame)
	return h.publish(ctx, roomID, "", msg)
}

// ToPlayer delivers msg to playerID if connected here and publishes it for
// the other instances.
func (h *Hub) ToPlayer(ctx context.Context, roomID, playerID string, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	h.deliverPlayer(roomID, playerID, msg.Type(), frame)
	return h.publish(ctx, roomID, playerID, msg)
}

// Reply sends an encoded frame to one client only.
func (h *Hub) Reply(c *Client, frame []byte) {
	if !c.deliver(frame) {
		h.drop(c)
	}
}

func (h *Hub) publish(ctx context.Context, roomID, playerID string, msg protocol.Message) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Publish(ctx, roomID, playerID, msg)
}

func (h *Hub) onRemote(env bus.Envelope) {
	if env.PlayerID != "" {
		h.deliverPlayer(env.RoomID, env.PlayerID, env.Type, env.Frame)
		return
	}
	h.deliverRoom(env.RoomID, env.Frame)
}

func (h *Hub) deliverRoom(roomID string, frame []byte) {
	h.mu.RLock()
	var targets []*Client
	for _, c := range h.clients {
		if c.RoomID() == roomID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.Reply(c, frame)
	}
}

func (h *Hub) deliverPlayer(roomID, playerID, msgType string, frame []byte) {
	h.mu.RLock()
	c, ok := h.players[playerID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if msgType == protocol.TypeMatchFound {
		c.bindRoom(roomID)
	}
	h.Reply(c, frame)
}

// drop disconnects a client whose buffer is full.
func (h *Hub) drop(c *Client) {
	if h.Unregister(c) {
		h.logger.Warn("dropping slow client",
			zap.String("socket_id", c.SocketID),
			zap.String("player_id", c.PlayerID),
		)
	}
}
