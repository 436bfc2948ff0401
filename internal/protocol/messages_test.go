package protocol

import (
	"encoding/json"
	"testing"

	"github.com/spellbound/duel-server/internal/game"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTagsEveryVariant(t *testing.T) {
	cases := []struct {
		msg      Message
		wantType string
		wantData string
	}{
		{MatchFound{RoomID: "room_1", OpponentID: "bob", OpponentPublicSetup: []json.RawMessage{json.RawMessage(`{"spell":"bolt"}`)}}, TypeMatchFound, `{"roomId":"room_1","opponentId":"bob","opponentPublicSetup":[{"spell":"bolt"}]}`},
		{NewTurn{Phase: game.PhaseEndOfRound, Turn: 3}, TypeNewTurn, `{"phase":"END_OF_ROUND","turn":3}`},
		{AllPlayerActions{Actions: map[string]json.RawMessage{"alice": json.RawMessage(`["bolt"]`)}}, TypeAllPlayerActions, `{"actions":{"alice":["bolt"]}}`},
		{ApplySpellEffects{}, TypeApplySpellEffects, `{}`},
		{UpdateUserStates{States: []game.PlayerTrustedState{{PlayerID: "alice", State: json.RawMessage(`{"hp":3}`)}}}, TypeUpdateUserStates, `{"states":[{"playerId":"alice","state":{"hp":3}}]}`},
		{GameEnd{Winner: "draw"}, TypeGameEnd, `{"winner":"draw"}`},
		{OpponentDisconnected{PlayerID: "bob"}, TypeOpponentDisconnected, `{"playerId":"bob"}`},
	}

	for _, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)

			var frame Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			assert.Equal(t, tc.wantType, frame.Type)
			assert.JSONEq(t, tc.wantData, string(frame.Data))

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, decoded.Type())
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"timer-update","data":{}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeGameEndKeepsWinner(t *testing.T) {
	data, err := Encode(GameEnd{Winner: "alice"})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, GameEnd{Winner: "alice"}, msg)
}

func TestEncodeAck(t *testing.T) {
	data, err := EncodeAck("req-7", Declined("phase mismatch"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack","requestId":"req-7","data":{"success":false,"error":"phase mismatch"}}`, string(data))

	data, err = EncodeAck("req-8", Accepted("queued"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack","requestId":"req-8","data":{"success":true,"message":"queued"}}`, string(data))
}

func TestDecodeRequest(t *testing.T) {
	data, err := EncodeRequest(TypeSubmitActions, "r1", SubmitActions{RoomID: "room_1", Actions: json.RawMessage(`["bolt"]`)})
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, TypeSubmitActions, req.Type)
	assert.Equal(t, "r1", req.RequestID)
	body, ok := req.Body.(SubmitActions)
	require.True(t, ok)
	assert.Equal(t, "room_1", body.RoomID)
	assert.JSONEq(t, `["bolt"]`, string(body.Actions))

	req, err = DecodeRequest([]byte(`{"type":"leave-queue"}`))
	require.NoError(t, err)
	assert.IsType(t, LeaveQueue{}, req.Body)
}

func TestDecodeRequestRequiresRoom(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"type":"report-dead","data":{"deadPlayerId":"bob"}}`))
	assert.ErrorContains(t, err, "roomId is required")

	_, err = DecodeRequest([]byte(`{"type":"dance"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestPlayerSetupValidate(t *testing.T) {
	assert.NoError(t, PlayerSetup{ID: "alice", Level: 12}.Validate())
	assert.Error(t, PlayerSetup{ID: "  "}.Validate())
	assert.Error(t, PlayerSetup{ID: "alice", Level: -1}.Validate())
}
