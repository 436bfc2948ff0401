// Package engine drives rooms through the phase cycle against the shared
// store. Every mutation is a read-merge-write of the stored state; phase
// transitions additionally hold a per-room lease and name the (phase, turn)
// they expect, so a transition that races with another executor is applied
// once and the loser becomes a no-op.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/lock"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
)

// Broadcaster delivers outbound messages to the players of a room, wherever
// they are connected.
type Broadcaster interface {
	ToRoom(ctx context.Context, roomID string, msg protocol.Message) error
	ToPlayer(ctx context.Context, roomID, playerID string, msg protocol.Message) error
}

// Config carries the timing the engine applies to rooms.
type Config struct {
	Timeouts     game.Timeouts
	CleanupGrace time.Duration
	// OpTimeout bounds each room operation so a stuck store call only
	// degrades its own room. Zero disables the bound.
	OpTimeout time.Duration
}

// Engine is the store-backed phase state machine.
type Engine struct {
	store   *store.Store
	locks   *lock.Locker
	out     Broadcaster
	results ResultRecorder
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine. A nil recorder only logs results.
func New(st *store.Store, locks *lock.Locker, out Broadcaster, results ResultRecorder, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if results == nil {
		results = LogRecorder{Logger: logger}
	}
	e := &Engine{
		store:   st,
		locks:   locks,
		out:     out,
		results: results,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeouts returns the phase deadlines the engine records.
func (e *Engine) Timeouts() game.Timeouts {
	return e.cfg.Timeouts
}

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.OpTimeout)
}

// roomMissing converts a store miss into the precondition players see.
func roomMissing(roomID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &game.PreconditionError{Reason: fmt.Sprintf("room %s not found", roomID)}
	}
	return err
}

// SubmitActions records a player's actions. When the submission makes every
// alive player ready the room advances immediately.
func (e *Engine) SubmitActions(ctx context.Context, roomID, playerID string, actions json.RawMessage) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var allReady bool
	st, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
		ready, err := game.SubmitActions(st, playerID, actions, e.now())
		allReady = ready
		return err
	})
	if err != nil {
		return roomMissing(roomID, err)
	}

	e.logger.Debug("actions submitted",
		zap.String("room_id", roomID),
		zap.String("player_id", playerID),
		zap.Int("turn", st.Turn),
		zap.Bool("all_ready", allReady),
	)
	if allReady {
		e.advanceQuietly(ctx, roomID, game.PhaseSpellCasting, st.Turn, "all players submitted actions")
	}
	return nil
}

// SubmitTrustedState records a player's post-effect snapshot. The room
// advances once every alive player is ready and holds a trusted state.
func (e *Engine) SubmitTrustedState(ctx context.Context, roomID, playerID string, trusted json.RawMessage) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var settled bool
	st, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
		ok, err := game.SubmitTrustedState(st, playerID, trusted, e.now())
		settled = ok
		return err
	})
	if err != nil {
		return roomMissing(roomID, err)
	}

	e.logger.Debug("trusted state submitted",
		zap.String("room_id", roomID),
		zap.String("player_id", playerID),
		zap.Int("turn", st.Turn),
		zap.Bool("settled", settled),
	)
	if settled {
		e.advanceQuietly(ctx, roomID, game.PhaseEndOfRound, st.Turn, "round settled")
	}
	return nil
}

// ReportDead eliminates deadID on behalf of reporterID. Unknown or already
// dead players are ignored. If the death ends the game the end is announced
// exactly once: only the write that flipped the room to finished does it.
func (e *Engine) ReportDead(ctx context.Context, roomID, reporterID, deadID string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var out game.Outcome
	st, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
		if _, ok := st.Player(reporterID); !ok {
			return &game.PreconditionError{Reason: fmt.Sprintf("player %s is not in room %s", reporterID, roomID)}
		}
		if st.Status == game.StatusWaiting {
			return &game.PreconditionError{Reason: fmt.Sprintf("game in room %s has not started", roomID)}
		}
		out = game.MarkDead(st, deadID, e.now())
		if !out.Changed {
			return store.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return roomMissing(roomID, err)
	}
	if !out.Changed {
		return nil
	}

	e.logger.Info("player died",
		zap.String("room_id", roomID),
		zap.String("player_id", deadID),
		zap.String("reported_by", reporterID),
		zap.Strings("alive", st.AlivePlayers()),
	)
	if out.Finished {
		return e.finish(ctx, st)
	}
	e.advanceIfComplete(ctx, st)
	return nil
}

// advanceIfComplete advances a room whose current phase is already satisfied,
// which happens when a death removes the last player being waited on.
func (e *Engine) advanceIfComplete(ctx context.Context, st *game.GameState) {
	switch {
	case st.CurrentPhase == game.PhaseSpellCasting && st.AllAliveReady():
		e.advanceQuietly(ctx, st.RoomID, st.CurrentPhase, st.Turn, "remaining players ready")
	case st.CurrentPhase == game.PhaseEndOfRound && st.RoundSettled():
		e.advanceQuietly(ctx, st.RoomID, st.CurrentPhase, st.Turn, "round settled")
	}
}

// advanceQuietly advances on behalf of a player request. The request itself
// already succeeded, so failures are only logged; the scheduler retries
// contention and the room is torn down on fatal errors.
func (e *Engine) advanceQuietly(ctx context.Context, roomID string, from game.Phase, turn int, reason string) {
	err := e.Advance(ctx, roomID, from, turn, reason)
	if err == nil || game.IsContention(err) || errors.Is(err, game.ErrStaleTransition) {
		return
	}
	e.logger.Warn("advance after submission failed",
		zap.String("room_id", roomID),
		zap.Stringer("phase", from),
		zap.Error(err),
	)
}

// Advance moves roomID from phase from at turn to the next phase and
// announces the new phase. If the room is no longer at (from, turn) it
// returns game.ErrStaleTransition without changing anything.
func (e *Engine) Advance(ctx context.Context, roomID string, from game.Phase, turn int, reason string) error {
	return e.transition(ctx, roomID, lock.PurposeTransition, func(ctx context.Context) error {
		var tr game.Transition
		st, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
			if st.Status != game.StatusActive || st.CurrentPhase != from || st.Turn != turn {
				return game.ErrStaleTransition
			}
			t, err := game.Advance(st, e.now(), e.cfg.Timeouts)
			tr = t
			return err
		})
		if err != nil {
			return err
		}

		e.logger.Info("phase advanced",
			zap.String("room_id", roomID),
			zap.Stringer("from", tr.From),
			zap.Stringer("to", tr.To),
			zap.Int("turn", tr.Turn),
			zap.String("reason", reason),
			zap.String("checksum", st.Checksum()),
		)
		return e.announce(ctx, st, tr)
	})
}

// Start moves a waiting room into its first SPELL_CASTING phase.
func (e *Engine) Start(ctx context.Context, roomID string) error {
	return e.transition(ctx, roomID, lock.PurposeTransition, func(ctx context.Context) error {
		st, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
			if st.Status != game.StatusWaiting {
				return game.ErrStaleTransition
			}
			return game.Start(st, e.now(), e.cfg.Timeouts)
		})
		if err != nil {
			return err
		}

		e.logger.Info("match started",
			zap.String("room_id", roomID),
			zap.Strings("players", st.PlayerIDs()),
			zap.String("checksum", st.Checksum()),
		)
		return e.out.ToRoom(ctx, roomID, protocol.NewTurn{Phase: st.CurrentPhase, Turn: st.Turn})
	})
}

// ExpireSpellCasting enforces the SPELL_CASTING deadline of turn: with no
// submitters the game is a draw, otherwise non-submitters are eliminated and
// the room advances if at least two players remain.
func (e *Engine) ExpireSpellCasting(ctx context.Context, roomID string, turn int) error {
	var result game.TimeoutOutcome
	var st *game.GameState
	err := e.transition(ctx, roomID, lock.PurposeTimeout, func(ctx context.Context) error {
		now := e.now()
		updated, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
			if st.Status != game.StatusActive || st.CurrentPhase != game.PhaseSpellCasting || st.Turn != turn || !st.PhaseExpired(now) {
				return game.ErrStaleTransition
			}
			out, err := game.ExpireSpellCasting(st, now)
			result = out
			return err
		})
		if err != nil {
			return err
		}
		st = updated

		e.logger.Info("spell casting timed out",
			zap.String("room_id", roomID),
			zap.Int("turn", turn),
			zap.Strings("submitters", result.Submitters),
			zap.Strings("eliminated", result.Eliminated),
		)
		if result.Outcome.Finished {
			return e.finish(ctx, st)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if result.Continue {
		return e.Advance(ctx, roomID, game.PhaseSpellCasting, turn, "casting timeout")
	}
	return nil
}

// Rejoin rebinds a reconnecting player to the room they were matched into
// and returns the current state.
func (e *Engine) Rejoin(ctx context.Context, roomID, playerID, instanceID, socketID string) (*game.GameState, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	st, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
		if st.Finished() {
			return &game.PreconditionError{Reason: fmt.Sprintf("game in room %s has finished", roomID)}
		}
		p, ok := st.Player(playerID)
		if !ok {
			return &game.PreconditionError{Reason: fmt.Sprintf("player %s is not in room %s", playerID, roomID)}
		}
		p.InstanceID = instanceID
		p.SocketID = socketID
		return nil
	})
	if err != nil {
		return nil, roomMissing(roomID, err)
	}
	e.logger.Info("player rejoined",
		zap.String("room_id", roomID),
		zap.String("player_id", playerID),
		zap.String("instance_id", instanceID),
	)
	return st, nil
}

// Detach clears a player's routing after their socket went away and tells
// the other players. A newer socket bound by a rejoin is left alone.
func (e *Engine) Detach(ctx context.Context, roomID, playerID, socketID string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	detached := false
	st, err := e.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
		detached = false
		p, ok := st.Player(playerID)
		if !ok || (socketID != "" && p.SocketID != socketID) {
			return store.ErrNoChange
		}
		p.SocketID = ""
		p.InstanceID = ""
		detached = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !detached || st.Finished() {
		return nil
	}
	return e.notifyOthers(ctx, st, playerID)
}

func (e *Engine) notifyOthers(ctx context.Context, st *game.GameState, playerID string) error {
	var errs []error
	for _, id := range st.PlayerIDs() {
		if id == playerID {
			continue
		}
		if err := e.out.ToPlayer(ctx, st.RoomID, id, protocol.OpponentDisconnected{PlayerID: playerID}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes a room's state, match entry, marker and leases.
func (e *Engine) Cleanup(ctx context.Context, roomID, reason string) error {
	if err := e.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	e.logger.Info("room cleaned up",
		zap.String("room_id", roomID),
		zap.String("reason", reason),
	)
	return nil
}
