package game

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameStateJSONRoundTrip(t *testing.T) {
	st := newActiveState(t, "alice", "bob", "carol")
	st.Players[0].PublicSetup = []json.RawMessage{raw(`{"spell":"bolt"}`), raw(`{"spell":"ward"}`)}
	_, err := SubmitActions(st, "alice", raw(`{"cast":["bolt"]}`), testNow)
	require.NoError(t, err)
	_, err = SubmitActions(st, "bob", raw(`{"cast":["ward"]}`), testNow)
	require.NoError(t, err)
	MarkDead(st, "carol", testNow.Add(time.Second))
	advanceTo(t, st, PhaseEndOfRound)
	_, err = SubmitTrustedState(st, "bob", raw(`{"hp":4}`), testNow.Add(2*time.Second))
	require.NoError(t, err)

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded GameState
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, st, &decoded)
	assert.Equal(t, PhaseEndOfRound, decoded.CurrentPhase)
	assert.Equal(t, 0, decoded.Turn)
	assert.Equal(t, []string{"bob"}, decoded.PlayersReady)
	assert.Equal(t, st.Checksum(), decoded.Checksum())
}

func TestGameStateWireFieldNames(t *testing.T) {
	st := newActiveState(t, "alice", "bob")

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"roomId", "players", "currentPhase", "turn", "phaseStartTime", "phaseTimeout", "playersReady", "status", "createdAt", "updatedAt"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, "SPELL_CASTING", fields["currentPhase"])
	assert.Equal(t, "active", fields["status"])

	players := fields["players"].([]any)
	first := players[0].(map[string]any)
	assert.NotContains(t, first, "currentActions", "absent actions are omitted")
	assert.NotContains(t, first, "trustedState")
}

func TestCloneIsDeep(t *testing.T) {
	st := newActiveState(t, "alice", "bob")
	_, err := SubmitActions(st, "alice", raw(`["bolt"]`), testNow)
	require.NoError(t, err)

	cp := st.Clone()
	cp.Players[0].CurrentActions[2] = 'X'
	cp.PlayersReady[0] = "mallory"
	cp.Players[1].IsAlive = false

	assert.JSONEq(t, `["bolt"]`, string(st.Players[0].CurrentActions))
	assert.Equal(t, []string{"alice"}, st.PlayersReady)
	assert.True(t, st.Players[1].IsAlive)
}

func TestMatchOpponent(t *testing.T) {
	m := Match{Player1: "alice", Player2: "bob", RoomID: RoomID("alice", "bob")}

	opp, ok := m.Opponent("alice")
	assert.True(t, ok)
	assert.Equal(t, "bob", opp)

	opp, ok = m.Opponent("bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", opp)

	_, ok = m.Opponent("carol")
	assert.False(t, ok)
}
