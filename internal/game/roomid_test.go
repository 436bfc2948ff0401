package game

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomIDIsOrderIndependent(t *testing.T) {
	ab := RoomID("alice", "bob")
	ba := RoomID("bob", "alice")

	assert.Equal(t, ab, ba)
	assert.True(t, strings.HasPrefix(ab, "room_"))
	assert.Len(t, ab, len("room_")+32)
}

func TestRoomIDDistinguishesPlayers(t *testing.T) {
	assert.NotEqual(t, RoomID("alice", "bob"), RoomID("alice", "carol"))
	// Joining ids must not collide with a different split of the same characters.
	assert.NotEqual(t, RoomID("ab", "c"), RoomID("a", "bc"))
}
