package gateway

import (
	"context"
	"testing"

	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHubDeliversToRoomMembersOnly(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	ctx := context.Background()

	alice, bob, carol := NewClient("alice", 4), NewClient("bob", 4), NewClient("carol", 4)
	for _, c := range []*Client{alice, bob, carol} {
		hub.Register(c)
	}
	require.NoError(t, hub.ToPlayer(ctx, "room-1", "alice", protocol.MatchFound{RoomID: "room-1", OpponentID: "bob"}))
	require.NoError(t, hub.ToPlayer(ctx, "room-1", "bob", protocol.MatchFound{RoomID: "room-1", OpponentID: "alice"}))
	assert.Equal(t, "room-1", alice.RoomID())
	assert.Equal(t, "room-1", bob.RoomID())
	assert.Empty(t, carol.RoomID())

	require.NoError(t, hub.ToRoom(ctx, "room-1", protocol.ApplySpellEffects{}))
	assert.Len(t, alice.send, 2)
	assert.Len(t, bob.send, 2)
	assert.Len(t, carol.send, 0)
}

func TestHubNewestConnectionReceivesPlayerMessages(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	old, fresh := NewClient("alice", 4), NewClient("alice", 4)
	hub.Register(old)
	hub.Register(fresh)

	require.NoError(t, hub.ToPlayer(context.Background(), "room-1", "alice", protocol.GameEnd{Winner: "draw"}))
	assert.Len(t, old.send, 0)
	assert.Len(t, fresh.send, 1)

	hub.Unregister(old)
	require.NoError(t, hub.ToPlayer(context.Background(), "room-1", "alice", protocol.GameEnd{Winner: "draw"}))
	assert.Len(t, fresh.send, 2)
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	c := NewClient("alice", 1)
	hub.Register(c)

	hub.Reply(c, []byte(`{}`))
	assert.Equal(t, 1, hub.Len())
	hub.Reply(c, []byte(`{}`))
	assert.Equal(t, 0, hub.Len())

	<-c.Send()
	_, open := <-c.Send()
	assert.False(t, open)
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub(nil, zaptest.NewLogger(t))
	hub.Register(NewClient("alice", 1))
	hub.Register(NewClient("bob", 1))
	hub.CloseAll()
	assert.Equal(t, 0, hub.Len())
}
