// Package matchmaking pairs queued players within a level bracket and
// creates the room for each pair.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spellbound/duel-server/internal/engine"
	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
)

// Config controls bracketing and the timing of new rooms.
type Config struct {
	BracketWidth int
	Timeouts     game.Timeouts
}

// Matchmaker runs the per-bracket FIFO queues.
type Matchmaker struct {
	instanceID string
	store      *store.Store
	out        engine.Broadcaster
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Matchmaker.
type Option func(*Matchmaker)

// WithClock replaces the matchmaker clock.
func WithClock(now func() time.Time) Option {
	return func(m *Matchmaker) {
		m.now = now
	}
}

// New creates a matchmaker for instanceID.
func New(instanceID string, st *store.Store, out engine.Broadcaster, cfg Config, logger *zap.Logger, opts ...Option) *Matchmaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BracketWidth <= 0 {
		cfg.BracketWidth = 10
	}
	m := &Matchmaker{
		instanceID: instanceID,
		store:      st,
		out:        out,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bracket maps a level onto its queue.
func Bracket(level, width int) int {
	if width <= 0 || level < 0 {
		return 0
	}
	return level / width
}

// BracketOf returns the queue a setup belongs to.
func (m *Matchmaker) BracketOf(setup protocol.PlayerSetup) int {
	return Bracket(setup.Level, m.cfg.BracketWidth)
}

// JoinQueue validates setup and appends it to its bracket queue, replacing
// any entry the player already had there. It returns the bracket. Callers
// acknowledge the join and then call TryMatch.
func (m *Matchmaker) JoinQueue(ctx context.Context, setup protocol.PlayerSetup, socketID string) (int, error) {
	if err := setup.Validate(); err != nil {
		return 0, &game.PreconditionError{Reason: err.Error()}
	}
	bracket := m.BracketOf(setup)
	length, err := m.store.Enqueue(ctx, bracket, store.QueueEntry{
		Setup:      setup,
		Timestamp:  game.Millis(m.now()),
		InstanceID: m.instanceID,
		SocketID:   socketID,
	})
	if err != nil {
		return 0, err
	}
	m.logger.Info("player queued",
		zap.String("player_id", setup.ID),
		zap.Int("bracket", bracket),
		zap.Int("queue_length", length),
	)
	return bracket, nil
}

// TryMatch pairs playerID with the longest-waiting different player of the
// bracket. It returns nil when no pair is available. The pair leaves the
// queue atomically, the room and match record are written together, and
// both players are told about each other.
func (m *Matchmaker) TryMatch(ctx context.Context, playerID string, bracket int) (*game.Match, error) {
	self, opp, ok, err := m.store.TakePair(ctx, bracket, playerID)
	if err != nil || !ok {
		return nil, err
	}

	roomID := game.RoomID(self.Setup.ID, opp.Setup.ID)
	now := m.now()
	match := game.Match{
		Player1:   opp.Setup.ID,
		Player2:   self.Setup.ID,
		RoomID:    roomID,
		CreatedAt: game.Millis(now),
	}
	seats := []game.PlayerEntry{seat(opp), seat(self)}

	_, created, err := m.store.CreateRoom(ctx, game.NewGameState(roomID, seats, now, m.cfg.Timeouts), match)
	if err != nil {
		m.requeue(ctx, bracket, opp, self)
		return nil, fmt.Errorf("create room %s: %w", roomID, err)
	}
	if !created {
		if err := m.rebind(ctx, roomID, opp, self); err != nil {
			return nil, err
		}
		if existing, err := m.store.GetMatch(ctx, roomID); err == nil {
			match = existing
		}
	}

	for _, e := range []store.QueueEntry{opp, self} {
		if err := m.store.BindSocketRoom(ctx, e.SocketID, roomID); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to bind socket to room",
				zap.String("room_id", roomID),
				zap.String("socket_id", e.SocketID),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("players matched",
		zap.String("room_id", roomID),
		zap.Strings("players", []string{opp.Setup.ID, self.Setup.ID}),
		zap.Int("bracket", bracket),
		zap.Bool("reused_room", !created),
	)

	return &match, errors.Join(
		m.out.ToPlayer(ctx, roomID, self.Setup.ID, matchFound(roomID, opp)),
		m.out.ToPlayer(ctx, roomID, opp.Setup.ID, matchFound(roomID, self)),
	)
}

func seat(e store.QueueEntry) game.PlayerEntry {
	return game.PlayerEntry{
		ID:          e.Setup.ID,
		InstanceID:  e.InstanceID,
		SocketID:    e.SocketID,
		PublicSetup: e.Setup.PublicSetup,
	}
}

func matchFound(roomID string, opponent store.QueueEntry) protocol.MatchFound {
	return protocol.MatchFound{
		RoomID:              roomID,
		OpponentID:          opponent.Setup.ID,
		OpponentPublicSetup: opponent.Setup.PublicSetup,
	}
}

// rebind points an existing room at the players' current connections.
func (m *Matchmaker) rebind(ctx context.Context, roomID string, entries ...store.QueueEntry) error {
	_, err := m.store.UpdateGameState(ctx, roomID, func(st *game.GameState) error {
		for _, e := range entries {
			if p, ok := st.Player(e.Setup.ID); ok {
				p.InstanceID = e.InstanceID
				p.SocketID = e.SocketID
			}
		}
		return nil
	})
	return err
}

func (m *Matchmaker) requeue(ctx context.Context, bracket int, entries ...store.QueueEntry) {
	for _, e := range entries {
		if _, err := m.store.Enqueue(ctx, bracket, e); err != nil {
			m.logger.Error("failed to requeue player",
				zap.String("player_id", e.Setup.ID),
				zap.Error(err),
			)
		}
	}
}

// LeaveQueue withdraws playerID from its bracket. If the player was already
// matched into a room that has not started, the opponent is told; the match
// record stays so a dropped player can still rejoin.
func (m *Matchmaker) LeaveQueue(ctx context.Context, playerID string, bracket int) (bool, error) {
	removed, err := m.store.RemoveFromQueue(ctx, bracket, playerID)
	if err != nil {
		return false, err
	}

	matches, err := m.store.MatchesForPlayer(ctx, playerID)
	if err != nil {
		return removed > 0, err
	}
	left := removed > 0
	var errs []error
	for _, match := range matches {
		st, err := m.store.GetGameState(ctx, match.RoomID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if st.Status != game.StatusWaiting {
			continue
		}

		opponent, _ := match.Opponent(playerID)
		m.logger.Info("player left before match start",
			zap.String("room_id", match.RoomID),
			zap.String("player_id", playerID),
		)
		left = true
		errs = append(errs, m.out.ToPlayer(ctx, match.RoomID, opponent, protocol.OpponentDisconnected{PlayerID: playerID}))
	}
	return left, errors.Join(errs...)
}

// QueueSizes reports the length of every non-empty bracket queue.
func (m *Matchmaker) QueueSizes(ctx context.Context) (map[int]int64, error) {
	return m.store.QueueSizes(ctx)
}
