package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spellbound/duel-server/internal/engine"
	"go.uber.org/zap"
)

// ResultRepository stores match results. It implements
// engine.ResultRecorder.
type ResultRepository struct {
	db *DB
}

var _ engine.ResultRecorder = (*ResultRepository)(nil)

// NewResultRepository creates a repository over db.
func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// RecordResult inserts a result once. A repeat for the same room and start
// time is ignored.
func (r *ResultRepository) RecordResult(ctx context.Context, result engine.Result) error {
	tag, err := r.db.pool.Exec(ctx, `
		INSERT INTO match_results (room_id, started_at, finished_at, players, winner, draw, turns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, started_at) DO NOTHING`,
		result.RoomID, result.StartedAt, result.FinishedAt, result.Players,
		result.Winner, result.Draw, result.Turns,
	)
	if err != nil {
		return fmt.Errorf("record result %s: %w", result.RoomID, err)
	}
	if tag.RowsAffected() == 0 {
		r.db.logger.Debug("result already recorded", zap.String("room_id", result.RoomID))
	}
	return nil
}

// ResultsForPlayer lists a player's most recent results, newest first.
func (r *ResultRepository) ResultsForPlayer(ctx context.Context, playerID string, limit int) ([]engine.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.pool.Query(ctx, `
		SELECT room_id, players, winner, draw, turns, started_at, finished_at
		FROM match_results
		WHERE $1 = ANY(players)
		ORDER BY finished_at DESC
		LIMIT $2`, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query results for %s: %w", playerID, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (engine.Result, error) {
		var res engine.Result
		err := row.Scan(&res.RoomID, &res.Players, &res.Winner, &res.Draw, &res.Turns, &res.StartedAt, &res.FinishedAt)
		return res, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan results for %s: %w", playerID, err)
	}
	return results, nil
}
