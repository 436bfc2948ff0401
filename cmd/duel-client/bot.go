package main

import (
	"encoding/json"
	"fmt"

	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/protocol"
	"go.uber.org/zap"
)

// requestFunc delivers one inbound frame to the server.
type requestFunc func(reqType, requestID string, body any) error

// bot plays a pass-through strategy: empty actions in SPELL_CASTING and a
// minimal trusted state in END_OF_ROUND. With maxTurns set it reports its own
// death once that turn begins, which ends the game.
type bot struct {
	id       string
	level    int
	maxTurns int
	request  requestFunc
	logger   *zap.Logger

	seq      int
	roomID   string
	pending  map[string]string
	declined map[string]int
	settled  int
}

func newBot(id string, level, maxTurns int, request requestFunc, logger *zap.Logger) *bot {
	return &bot{
		id:       id,
		level:    level,
		maxTurns: maxTurns,
		request:  request,
		logger:   logger,
		pending:  make(map[string]string),
		declined: make(map[string]int),
	}
}

func (b *bot) send(reqType string, body any) error {
	b.seq++
	requestID := fmt.Sprintf("%s-%d", b.id, b.seq)
	if reqType != protocol.TypeReportDead {
		b.pending[requestID] = reqType
	}
	return b.request(reqType, requestID, body)
}

// join enters the matchmaking queue for a new game.
func (b *bot) join() error {
	b.roomID = ""
	if err := b.send(protocol.TypeJoinQueue, protocol.JoinQueue{
		Setup: protocol.PlayerSetup{ID: b.id, Level: b.level},
	}); err != nil {
		return err
	}
	b.logger.Info("joined queue", zap.Int("level", b.level))
	return nil
}

// receive handles one server frame and reports whether the game is over.
func (b *bot) receive(data []byte) (bool, error) {
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return false, err
	}
	if frame.Type == protocol.TypeAck {
		reqType := b.pending[frame.RequestID]
		delete(b.pending, frame.RequestID)
		var ack protocol.Ack
		if err := json.Unmarshal(frame.Data, &ack); err == nil && !ack.Success {
			b.declined[reqType]++
			b.logger.Warn("request declined",
				zap.String("request_id", frame.RequestID),
				zap.String("type", reqType),
				zap.String("error", ack.Error),
			)
		}
		return false, nil
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		b.logger.Warn("skipping unknown frame", zap.String("type", frame.Type), zap.Error(err))
		return false, nil
	}
	return b.handle(msg)
}

func (b *bot) handle(msg protocol.Message) (bool, error) {
	switch m := msg.(type) {
	case protocol.MatchFound:
		b.roomID = m.RoomID
		b.logger.Info("match found", zap.String("room_id", m.RoomID), zap.String("opponent", m.OpponentID))
	case protocol.NewTurn:
		b.logger.Debug("new turn", zap.Stringer("phase", m.Phase), zap.Int("turn", m.Turn))
		switch m.Phase {
		case game.PhaseSpellCasting:
			if b.maxTurns > 0 && m.Turn >= b.maxTurns {
				return false, b.send(protocol.TypeReportDead, protocol.ReportDead{
					RoomID:       b.roomID,
					DeadPlayerID: b.id,
				})
			}
			return false, b.send(protocol.TypeSubmitActions, protocol.SubmitActions{
				RoomID:  b.roomID,
				Actions: json.RawMessage(`[]`),
			})
		case game.PhaseEndOfRound:
			state, err := json.Marshal(map[string]any{"playerId": b.id, "turn": m.Turn})
			if err != nil {
				return false, err
			}
			return false, b.send(protocol.TypeSubmitTrustedState, protocol.SubmitTrustedState{
				RoomID:       b.roomID,
				TrustedState: state,
			})
		}
	case protocol.UpdateUserStates:
		for _, s := range m.States {
			if s.PlayerID == b.id {
				b.settled++
				break
			}
		}
	case protocol.GameEnd:
		b.logger.Info("game over", zap.String("winner", m.Winner))
		return true, nil
	case protocol.OpponentDisconnected:
		b.logger.Info("opponent disconnected", zap.String("opponent", m.PlayerID))
		return true, nil
	}
	return false, nil
}
