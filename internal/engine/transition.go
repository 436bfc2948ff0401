package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
)

// transition runs fn under the room lease for purpose. Contention and stale
// expectations are returned as is. Any other failure, including a panic,
// tears the room down so it never stays half-advanced.
func (e *Engine) transition(ctx context.Context, roomID, purpose string, fn func(ctx context.Context) error) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	err := e.locks.With(ctx, roomID, purpose, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &game.FatalRoomError{RoomID: roomID, Cause: fmt.Errorf("panic: %v", r)}
			}
		}()
		return fn(ctx)
	})

	switch {
	case err == nil, game.IsContention(err), errors.Is(err, game.ErrStaleTransition), game.IsPrecondition(err):
		return err
	case errors.Is(err, store.ErrNotFound):
		return roomMissing(roomID, err)
	}

	e.teardown(ctx, roomID, err)
	var fatal *game.FatalRoomError
	if errors.As(err, &fatal) {
		return err
	}
	return &game.FatalRoomError{RoomID: roomID, Cause: err}
}

// teardown removes a room whose transition failed. Players are told their
// session ended through a disconnect notice; no result is attributed.
func (e *Engine) teardown(ctx context.Context, roomID string, cause error) {
	ctx, cancel := e.bounded(context.WithoutCancel(ctx))
	defer cancel()

	e.logger.Error("room transition failed, tearing room down",
		zap.String("room_id", roomID),
		zap.Error(cause),
	)

	if st, err := e.store.GetGameState(ctx, roomID); err == nil {
		for _, id := range st.PlayerIDs() {
			if err := e.out.ToPlayer(ctx, roomID, id, protocol.OpponentDisconnected{}); err != nil {
				e.logger.Debug("failed to notify player of teardown",
					zap.String("room_id", roomID),
					zap.String("player_id", id),
					zap.Error(err),
				)
			}
		}
	}

	if err := e.Cleanup(ctx, roomID, "transition failed"); err != nil {
		e.logger.Error("failed to clean up room",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
}

// announce tells the room which phase it entered.
func (e *Engine) announce(ctx context.Context, st *game.GameState, tr game.Transition) error {
	var msg protocol.Message
	switch tr.To {
	case game.PhaseSpellCasting, game.PhaseEndOfRound:
		msg = protocol.NewTurn{Phase: tr.To, Turn: tr.Turn}
	case game.PhaseSpellPropagation:
		msg = protocol.AllPlayerActions{Actions: st.ActionsByPlayer()}
	case game.PhaseSpellEffects:
		msg = protocol.ApplySpellEffects{}
	case game.PhaseStateUpdate:
		msg = protocol.UpdateUserStates{States: st.TrustedStates()}
	default:
		return fmt.Errorf("no announcement for phase %s", tr.To)
	}
	return e.out.ToRoom(ctx, st.RoomID, msg)
}

// finish schedules removal of a finished room, records its result and
// announces the end. The marker goes first so a failed announcement still
// leaves the finished room in place for its grace period. Callers must only
// invoke it from the write that moved the room to finished.
func (e *Engine) finish(ctx context.Context, st *game.GameState) error {
	e.logger.Info("game finished",
		zap.String("room_id", st.RoomID),
		zap.String("winner", st.Winner),
		zap.Int("turn", st.Turn),
		zap.String("checksum", st.Checksum()),
	)

	if err := e.store.ScheduleCleanup(ctx, st.RoomID, e.cfg.CleanupGrace); err != nil {
		return err
	}
	if err := e.results.RecordResult(ctx, ResultFromState(st, e.now())); err != nil {
		e.logger.Error("failed to record match result",
			zap.String("room_id", st.RoomID),
			zap.Error(err),
		)
	}
	return e.out.ToRoom(ctx, st.RoomID, protocol.GameEnd{Winner: st.Winner})
}
