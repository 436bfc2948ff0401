package engine

import (
	"context"
	"time"

	"github.com/spellbound/duel-server/internal/game"
	"go.uber.org/zap"
)

// Result is the final outcome of a room, handed to the settlement sink once.
type Result struct {
	RoomID     string
	Players    []string
	Winner     string
	Draw       bool
	Turns      int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ResultFromState builds the result of a finished room.
func ResultFromState(st *game.GameState, finishedAt time.Time) Result {
	return Result{
		RoomID:     st.RoomID,
		Players:    st.PlayerIDs(),
		Winner:     st.Winner,
		Draw:       st.Winner == game.DrawWinner,
		Turns:      st.Turn,
		StartedAt:  time.UnixMilli(st.CreatedAt),
		FinishedAt: finishedAt,
	}
}

// ResultRecorder persists match results. Implementations must treat a
// repeated result for the same room and start time as a no-op.
type ResultRecorder interface {
	RecordResult(ctx context.Context, result Result) error
}

// LogRecorder only logs results. It is used when no database is configured.
type LogRecorder struct {
	Logger *zap.Logger
}

// RecordResult implements ResultRecorder.
func (r LogRecorder) RecordResult(_ context.Context, result Result) error {
	logger := r.Logger
	if logger == nil {
		return nil
	}
	logger.Info("match result",
		zap.String("room_id", result.RoomID),
		zap.Strings("players", result.Players),
		zap.String("winner", result.Winner),
		zap.Int("turns", result.Turns),
	)
	return nil
}
