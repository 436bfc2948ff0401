package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound request types.
const (
	TypeJoinQueue          = "join-queue"
	TypeLeaveQueue         = "leave-queue"
	TypeSubmitActions      = "submit-actions"
	TypeSubmitTrustedState = "submit-trusted-state"
	TypeReportDead         = "report-dead"
	TypeRejoinRoom         = "rejoin-room"
)

// JoinQueue asks to be matched.
type JoinQueue struct {
	Setup PlayerSetup `json:"setup"`
}

// LeaveQueue withdraws from matchmaking.
type LeaveQueue struct{}

// SubmitActions carries the player's actions for the current turn.
type SubmitActions struct {
	RoomID  string          `json:"roomId"`
	Actions json.RawMessage `json:"actions"`
}

// SubmitTrustedState carries the player's post-effect snapshot.
type SubmitTrustedState struct {
	RoomID       string          `json:"roomId"`
	TrustedState json.RawMessage `json:"trustedState"`
}

// ReportDead reports a player's death. It is answered by broadcast only.
type ReportDead struct {
	RoomID       string `json:"roomId"`
	DeadPlayerID string `json:"deadPlayerId"`
}

// RejoinRoom rebinds a reconnecting player to a room they were matched into.
type RejoinRoom struct {
	RoomID string `json:"roomId"`
}

// Request is a decoded inbound frame.
type Request struct {
	Type      string
	RequestID string
	Body      any
}

// DecodeRequest parses an inbound frame into its typed body.
func DecodeRequest(data []byte) (Request, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}

	req := Request{Type: frame.Type, RequestID: frame.RequestID}
	var err error
	switch frame.Type {
	case TypeJoinQueue:
		var body JoinQueue
		err = unmarshalData(frame.Data, &body)
		req.Body = body
	case TypeLeaveQueue:
		req.Body = LeaveQueue{}
	case TypeSubmitActions:
		var body SubmitActions
		err = unmarshalData(frame.Data, &body)
		if err == nil {
			err = requireRoom(body.RoomID)
		}
		req.Body = body
	case TypeSubmitTrustedState:
		var body SubmitTrustedState
		err = unmarshalData(frame.Data, &body)
		if err == nil {
			err = requireRoom(body.RoomID)
		}
		req.Body = body
	case TypeReportDead:
		var body ReportDead
		err = unmarshalData(frame.Data, &body)
		if err == nil {
			err = requireRoom(body.RoomID)
		}
		req.Body = body
	case TypeRejoinRoom:
		var body RejoinRoom
		err = unmarshalData(frame.Data, &body)
		if err == nil {
			err = requireRoom(body.RoomID)
		}
		req.Body = body
	default:
		return req, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
	if err != nil {
		return req, fmt.Errorf("decode %s: %w", frame.Type, err)
	}
	return req, nil
}

// EncodeRequest serializes an inbound request. Clients and tests use it.
func EncodeRequest(reqType, requestID string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: reqType, RequestID: requestID, Data: data})
}

func requireRoom(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("roomId is required")
	}
	return nil
}
