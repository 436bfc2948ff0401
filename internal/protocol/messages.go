// Package protocol defines the wire contract between players and the
// server: a closed set of tagged outbound broadcasts, the inbound player
// intents, and acknowledgments.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spellbound/duel-server/internal/game"
)

// Outbound message types.
const (
	TypeMatchFound           = "match-found"
	TypeNewTurn              = "new-turn"
	TypeAllPlayerActions     = "all-player-actions"
	TypeApplySpellEffects    = "apply-spell-effects"
	TypeUpdateUserStates     = "update-user-states"
	TypeGameEnd              = "game-end"
	TypeOpponentDisconnected = "opponent-disconnected"
	TypeAck                  = "ack"
)

// Message is one of the outbound broadcast variants. The set is closed: only
// types in this package implement it.
type Message interface {
	Type() string
	outbound()
}

// MatchFound tells a player who they were paired with.
type MatchFound struct {
	RoomID              string            `json:"roomId"`
	OpponentID          string            `json:"opponentId"`
	OpponentPublicSetup []json.RawMessage `json:"opponentPublicSetup"`
}

// NewTurn announces a phase that expects player input.
type NewTurn struct {
	Phase game.Phase `json:"phase"`
	Turn  int        `json:"turn"`
}

// AllPlayerActions carries every alive player's submitted actions.
type AllPlayerActions struct {
	Actions map[string]json.RawMessage `json:"actions"`
}

// ApplySpellEffects tells clients to run effect resolution.
type ApplySpellEffects struct{}

// UpdateUserStates carries the trusted states settled this round.
type UpdateUserStates struct {
	States []game.PlayerTrustedState `json:"states"`
}

// GameEnd announces the winner id, or "draw".
type GameEnd struct {
	Winner string `json:"winner"`
}

// OpponentDisconnected tells a player their opponent's connection dropped.
type OpponentDisconnected struct {
	PlayerID string `json:"playerId,omitempty"`
}

func (MatchFound) Type() string           { return TypeMatchFound }
func (NewTurn) Type() string              { return TypeNewTurn }
func (AllPlayerActions) Type() string     { return TypeAllPlayerActions }
func (ApplySpellEffects) Type() string    { return TypeApplySpellEffects }
func (UpdateUserStates) Type() string     { return TypeUpdateUserStates }
func (GameEnd) Type() string              { return TypeGameEnd }
func (OpponentDisconnected) Type() string { return TypeOpponentDisconnected }

func (MatchFound) outbound()           {}
func (NewTurn) outbound()              {}
func (AllPlayerActions) outbound()     {}
func (ApplySpellEffects) outbound()    {}
func (UpdateUserStates) outbound()     {}
func (GameEnd) outbound()              {}
func (OpponentDisconnected) outbound() {}

// Frame is the envelope of every websocket message in either direction.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownType is returned for frames whose type is not part of the
// protocol.
var ErrUnknownType = errors.New("unknown message type")

// Encode serializes an outbound message as a frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return json.Marshal(Frame{Type: msg.Type(), Data: data})
}

// Decode parses a frame produced by Encode back into its variant.
func Decode(data []byte) (Message, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return decodeMessage(frame)
}

func decodeMessage(frame Frame) (Message, error) {
	var (
		msg Message
		err error
	)
	switch frame.Type {
	case TypeMatchFound:
		var m MatchFound
		err = unmarshalData(frame.Data, &m)
		msg = m
	case TypeNewTurn:
		var m NewTurn
		err = unmarshalData(frame.Data, &m)
		msg = m
	case TypeAllPlayerActions:
		var m AllPlayerActions
		err = unmarshalData(frame.Data, &m)
		msg = m
	case TypeApplySpellEffects:
		msg = ApplySpellEffects{}
	case TypeUpdateUserStates:
		var m UpdateUserStates
		err = unmarshalData(frame.Data, &m)
		msg = m
	case TypeGameEnd:
		var m GameEnd
		err = unmarshalData(frame.Data, &m)
		msg = m
	case TypeOpponentDisconnected:
		var m OpponentDisconnected
		err = unmarshalData(frame.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", frame.Type, err)
	}
	return msg, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Ack answers one inbound request.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Accepted builds a successful acknowledgment.
func Accepted(message string) Ack {
	return Ack{Success: true, Message: message}
}

// Declined builds a declined acknowledgment carrying a reason.
func Declined(reason string) Ack {
	return Ack{Success: false, Error: reason}
}

// EncodeAck serializes an acknowledgment for the request it answers.
func EncodeAck(requestID string, ack Ack) ([]byte, error) {
	data, err := json.Marshal(ack)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: TypeAck, RequestID: requestID, Data: data})
}

// PlayerSetup is what a player brings to the queue. PublicSetup is shown to
// the opponent; the server does not interpret it.
type PlayerSetup struct {
	ID          string            `json:"id"`
	Level       int               `json:"level"`
	PublicSetup []json.RawMessage `json:"publicSetup,omitempty"`
}

// Validate checks the fields the matcher relies on.
func (s PlayerSetup) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("player id is required")
	}
	if s.Level < 0 {
		return errors.New("player level must not be negative")
	}
	return nil
}
