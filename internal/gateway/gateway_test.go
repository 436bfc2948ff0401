package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/bus"
	"github.com/spellbound/duel-server/internal/engine"
	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/lock"
	"github.com/spellbound/duel-server/internal/matchmaking"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/spellbound/duel-server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var testTimeouts = game.Timeouts{
	SpellCasting:     30 * time.Second,
	SpellPropagation: 2 * time.Second,
	SpellEffects:     3 * time.Second,
	EndOfRound:       20 * time.Second,
	StateUpdate:      2 * time.Second,
	MatchStart:       3 * time.Second,
}

type node struct {
	store   *store.Store
	engine  *engine.Engine
	gateway *Gateway
}

func newNode(t *testing.T, m *miniredis.Miniredis, instanceID string) *node {
	t.Helper()
	return newNodeWithLogger(t, m, instanceID, zaptest.NewLogger(t))
}

// newNodeWithLogger is used by tests whose connections outlive the test
// body, where a test-bound logger would be written to after completion.
func newNodeWithLogger(t *testing.T, m *miniredis.Miniredis, instanceID string, logger *zap.Logger) *node {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := bus.New(rdb, instanceID, logger)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	st := store.New(rdb)
	hub := NewHub(b, logger)
	t.Cleanup(hub.Close)
	eng := engine.New(st, lock.New(rdb, 5*time.Second), hub, nil, engine.Config{
		Timeouts:     testTimeouts,
		CleanupGrace: 10 * time.Second,
	}, logger)
	mm := matchmaking.New(instanceID, st, hub, matchmaking.Config{BracketWidth: 10, Timeouts: testTimeouts}, logger)

	return &node{
		store:   st,
		engine:  eng,
		gateway: New(instanceID, st, eng, mm, hub, logger),
	}
}

func (n *node) connect(t *testing.T, playerID string) *Client {
	t.Helper()
	c, err := n.gateway.Connect(context.Background(), playerID)
	require.NoError(t, err)
	return c
}

func (n *node) send(t *testing.T, c *Client, reqType, requestID string, body any) {
	t.Helper()
	data, err := protocol.EncodeRequest(reqType, requestID, body)
	require.NoError(t, err)
	n.gateway.Handle(context.Background(), c, data)
}

func nextFrame(t *testing.T, c *Client) protocol.Frame {
	t.Helper()
	select {
	case data, ok := <-c.Send():
		require.True(t, ok, "client stream closed")
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", c.PlayerID)
		return protocol.Frame{}
	}
}

func collect(t *testing.T, c *Client, n int) map[string]protocol.Frame {
	t.Helper()
	frames := make(map[string]protocol.Frame, n)
	for i := 0; i < n; i++ {
		f := nextFrame(t, c)
		frames[f.Type] = f
	}
	return frames
}

func ackOf(t *testing.T, f protocol.Frame) protocol.Ack {
	t.Helper()
	require.Equal(t, protocol.TypeAck, f.Type)
	var ack protocol.Ack
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	return ack
}

func messageOf(t *testing.T, f protocol.Frame) protocol.Message {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func assertQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Fatalf("unexpected frame for %s: %s", c.PlayerID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func joinSetup(id string) protocol.JoinQueue {
	return protocol.JoinQueue{Setup: protocol.PlayerSetup{
		ID:          id,
		Level:       7,
		PublicSetup: []json.RawMessage{json.RawMessage(`{"deck":"` + id + `"}`)},
	}}
}

// matchPair queues alice then bob and returns the room id after consuming
// the acknowledgments and match-found frames.
func matchPair(t *testing.T, n *node, alice, bob *Client) string {
	t.Helper()
	n.send(t, alice, protocol.TypeJoinQueue, "a1", joinSetup(alice.PlayerID))
	ack := ackOf(t, nextFrame(t, alice))
	require.True(t, ack.Success)
	assert.Equal(t, "queued", ack.Message)

	n.send(t, bob, protocol.TypeJoinQueue, "b1", joinSetup(bob.PlayerID))
	require.True(t, ackOf(t, nextFrame(t, bob)).Success)

	found := messageOf(t, nextFrame(t, bob)).(protocol.MatchFound)
	assert.Equal(t, alice.PlayerID, found.OpponentID)
	require.Len(t, found.OpponentPublicSetup, 1)
	assert.JSONEq(t, `{"deck":"`+alice.PlayerID+`"}`, string(found.OpponentPublicSetup[0]))

	other := messageOf(t, nextFrame(t, alice)).(protocol.MatchFound)
	assert.Equal(t, bob.PlayerID, other.OpponentID)
	assert.Equal(t, found.RoomID, other.RoomID)
	return found.RoomID
}

func TestJoinQueueMatchesLocalPlayers(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	alice, bob := n.connect(t, "alice"), n.connect(t, "bob")

	roomID := matchPair(t, n, alice, bob)
	assert.Equal(t, game.RoomID("alice", "bob"), roomID)
	assert.Equal(t, roomID, alice.RoomID())
	assert.Equal(t, roomID, bob.RoomID())

	route, err := n.store.GetSocket(context.Background(), bob.SocketID)
	require.NoError(t, err)
	assert.Equal(t, roomID, route.RoomID)
	assert.Equal(t, "inst-a", route.InstanceID)
}

func TestJoinQueueRejectsForeignSetup(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	alice := n.connect(t, "alice")

	n.send(t, alice, protocol.TypeJoinQueue, "r1", joinSetup("mallory"))
	f := nextFrame(t, alice)
	assert.Equal(t, "r1", f.RequestID)
	assert.False(t, ackOf(t, f).Success)
}

func TestMalformedFrameIsDeclined(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	alice := n.connect(t, "alice")

	n.gateway.Handle(context.Background(), alice, []byte(`{"type":"submit-actions","requestId":"r9","data":{}}`))
	f := nextFrame(t, alice)
	assert.Equal(t, "r9", f.RequestID)
	ack := ackOf(t, f)
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "roomId")

	n.gateway.Handle(context.Background(), alice, []byte(`{"type":"cast-fireball","requestId":"r10"}`))
	assert.False(t, ackOf(t, nextFrame(t, alice)).Success)
}

func TestSubmitToUnknownRoomIsDeclined(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	alice := n.connect(t, "alice")

	n.send(t, alice, protocol.TypeSubmitActions, "r1", protocol.SubmitActions{RoomID: "nope", Actions: json.RawMessage(`[]`)})
	ack := ackOf(t, nextFrame(t, alice))
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "not found")
}

func TestStoreFailureIsHiddenFromPlayers(t *testing.T) {
	m := miniredis.RunT(t)
	n := newNode(t, m, "inst-a")
	alice := n.connect(t, "alice")

	m.SetError("ERR injected failure")
	n.send(t, alice, protocol.TypeSubmitActions, "r1", protocol.SubmitActions{RoomID: "room", Actions: json.RawMessage(`[]`)})
	m.SetError("")

	ack := ackOf(t, nextFrame(t, alice))
	assert.False(t, ack.Success)
	assert.Equal(t, ReasonUnavailable, ack.Error)
}

func TestTurnOverGateway(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	ctx := context.Background()
	alice, bob := n.connect(t, "alice"), n.connect(t, "bob")
	roomID := matchPair(t, n, alice, bob)

	require.NoError(t, n.engine.Start(ctx, roomID))
	for _, c := range []*Client{alice, bob} {
		turn := messageOf(t, nextFrame(t, c)).(protocol.NewTurn)
		assert.Equal(t, game.PhaseSpellCasting, turn.Phase)
	}

	n.send(t, alice, protocol.TypeSubmitActions, "a2", protocol.SubmitActions{RoomID: roomID, Actions: json.RawMessage(`["fireball"]`)})
	ack := ackOf(t, nextFrame(t, alice))
	require.True(t, ack.Success)
	assert.Equal(t, "actions received", ack.Message)

	n.send(t, bob, protocol.TypeSubmitActions, "b2", protocol.SubmitActions{RoomID: roomID, Actions: json.RawMessage(`["frost"]`)})
	bobFrames := collect(t, bob, 2)
	require.Contains(t, bobFrames, protocol.TypeAck)
	assert.True(t, ackOf(t, bobFrames[protocol.TypeAck]).Success)

	for _, f := range []protocol.Frame{bobFrames[protocol.TypeAllPlayerActions], nextFrame(t, alice)} {
		actions := messageOf(t, f).(protocol.AllPlayerActions)
		assert.JSONEq(t, `["fireball"]`, string(actions.Actions["alice"]))
		assert.JSONEq(t, `["frost"]`, string(actions.Actions["bob"]))
	}

	n.send(t, bob, protocol.TypeReportDead, "", protocol.ReportDead{RoomID: roomID, DeadPlayerID: "alice"})
	for _, c := range []*Client{alice, bob} {
		end := messageOf(t, nextFrame(t, c)).(protocol.GameEnd)
		assert.Equal(t, "bob", end.Winner)
	}
	assertQuiet(t, bob)
}

func TestCrossInstanceDelivery(t *testing.T) {
	m := miniredis.RunT(t)
	a, b := newNode(t, m, "inst-a"), newNode(t, m, "inst-b")
	ctx := context.Background()
	alice, bob := a.connect(t, "alice"), b.connect(t, "bob")

	a.send(t, alice, protocol.TypeJoinQueue, "a1", joinSetup("alice"))
	require.True(t, ackOf(t, nextFrame(t, alice)).Success)
	b.send(t, bob, protocol.TypeJoinQueue, "b1", joinSetup("bob"))
	require.True(t, ackOf(t, nextFrame(t, bob)).Success)

	toBob := messageOf(t, nextFrame(t, bob)).(protocol.MatchFound)
	toAlice := messageOf(t, nextFrame(t, alice)).(protocol.MatchFound)
	assert.Equal(t, "alice", toBob.OpponentID)
	assert.Equal(t, "bob", toAlice.OpponentID)
	assert.Equal(t, toBob.RoomID, alice.RoomID())

	require.NoError(t, b.engine.Start(ctx, toBob.RoomID))
	for _, c := range []*Client{alice, bob} {
		assert.Equal(t, protocol.TypeNewTurn, nextFrame(t, c).Type)
	}
	assertQuiet(t, alice)
	assertQuiet(t, bob)
}

func TestDisconnectNotifiesOpponent(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	ctx := context.Background()
	alice, bob := n.connect(t, "alice"), n.connect(t, "bob")
	roomID := matchPair(t, n, alice, bob)

	n.gateway.Disconnect(ctx, bob)

	msg := messageOf(t, nextFrame(t, alice))
	assert.Equal(t, protocol.OpponentDisconnected{PlayerID: "bob"}, msg)

	_, err := n.store.GetSocket(ctx, bob.SocketID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, open := <-bob.Send()
	assert.False(t, open)

	st, err := n.store.GetGameState(ctx, roomID)
	require.NoError(t, err)
	p, _ := st.Player("bob")
	assert.Empty(t, p.SocketID)
}

func TestDisconnectWhileQueuedLeavesQueue(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	ctx := context.Background()
	alice := n.connect(t, "alice")
	n.send(t, alice, protocol.TypeJoinQueue, "a1", joinSetup("alice"))
	require.True(t, ackOf(t, nextFrame(t, alice)).Success)

	n.gateway.Disconnect(ctx, alice)

	sizes, err := n.store.QueueSizes(ctx)
	require.NoError(t, err)
	assert.Empty(t, sizes)
}

func TestLeaveQueue(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	alice := n.connect(t, "alice")
	n.send(t, alice, protocol.TypeJoinQueue, "a1", joinSetup("alice"))
	require.True(t, ackOf(t, nextFrame(t, alice)).Success)

	n.send(t, alice, protocol.TypeLeaveQueue, "a2", protocol.LeaveQueue{})
	assert.True(t, ackOf(t, nextFrame(t, alice)).Success)

	n.send(t, alice, protocol.TypeLeaveQueue, "a3", protocol.LeaveQueue{})
	assert.False(t, ackOf(t, nextFrame(t, alice)).Success)
}

func TestRejoinResumesActiveRoom(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	ctx := context.Background()
	alice, bob := n.connect(t, "alice"), n.connect(t, "bob")
	roomID := matchPair(t, n, alice, bob)
	require.NoError(t, n.engine.Start(ctx, roomID))
	nextFrame(t, alice)
	nextFrame(t, bob)

	n.gateway.Disconnect(ctx, bob)
	nextFrame(t, alice)

	again := n.connect(t, "bob")
	n.send(t, again, protocol.TypeRejoinRoom, "b9", protocol.RejoinRoom{RoomID: roomID})
	ack := ackOf(t, nextFrame(t, again))
	require.True(t, ack.Success)
	assert.Equal(t, "rejoined", ack.Message)

	turn := messageOf(t, nextFrame(t, again)).(protocol.NewTurn)
	assert.Equal(t, game.PhaseSpellCasting, turn.Phase)
	assert.Equal(t, roomID, again.RoomID())

	st, err := n.store.GetGameState(ctx, roomID)
	require.NoError(t, err)
	p, _ := st.Player("bob")
	assert.Equal(t, again.SocketID, p.SocketID)
	assert.Equal(t, "inst-a", p.InstanceID)
}

func TestRejoinWaitingRoomResendsMatchFound(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	ctx := context.Background()
	alice, bob := n.connect(t, "alice"), n.connect(t, "bob")
	roomID := matchPair(t, n, alice, bob)

	n.gateway.Disconnect(ctx, alice)
	nextFrame(t, bob)

	again := n.connect(t, "alice")
	n.send(t, again, protocol.TypeRejoinRoom, "a9", protocol.RejoinRoom{RoomID: roomID})
	require.True(t, ackOf(t, nextFrame(t, again)).Success)
	found := messageOf(t, nextFrame(t, again)).(protocol.MatchFound)
	assert.Equal(t, "bob", found.OpponentID)
	assert.Equal(t, roomID, found.RoomID)
}

func TestRejoinByStrangerIsDeclined(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	alice, bob := n.connect(t, "alice"), n.connect(t, "bob")
	roomID := matchPair(t, n, alice, bob)

	mallory := n.connect(t, "mallory")
	n.send(t, mallory, protocol.TypeRejoinRoom, "m1", protocol.RejoinRoom{RoomID: roomID})
	assert.False(t, ackOf(t, nextFrame(t, mallory)).Success)
	assert.Empty(t, mallory.RoomID())
}

func TestConnectRequiresPlayerID(t *testing.T) {
	n := newNode(t, miniredis.RunT(t), "inst-a")
	_, err := n.gateway.Connect(context.Background(), "")
	assert.True(t, game.IsPrecondition(err))
}
