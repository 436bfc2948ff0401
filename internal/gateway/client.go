package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultSendBuffer is the number of outbound frames a client may have
// pending before it is considered too slow and dropped.
const DefaultSendBuffer = 64

// Client is one player connection on this instance.
type Client struct {
	SocketID string
	PlayerID string

	send chan []byte

	mu      sync.Mutex
	closed  bool
	roomID  string
	bracket int
	queued  bool
}

// NewClient creates a client with a fresh socket id.
func NewClient(playerID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		SocketID: uuid.NewString(),
		PlayerID: playerID,
		send:     make(chan []byte, buffer),
	}
}

// Send is the stream of encoded frames for this client. It is closed when
// the client is unregistered.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// RoomID returns the room the client is bound to, if any.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) bindRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.queued = false
}

func (c *Client) setQueued(bracket int, queued bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bracket = bracket
	c.queued = queued
}

func (c *Client) queue() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bracket, c.queued
}

// deliver queues frame without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *Client) deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
