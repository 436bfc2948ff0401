// Package scheduler runs the periodic duties of an instance: advancing rooms
// whose phase is complete or expired, enforcing the casting deadline,
// publishing heartbeats, reclaiming the work of dead instances and
// collecting abandoned rooms. Every instance runs the same scheduler; the
// engine's leases and expected-phase checks make concurrent ticks safe.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spellbound/duel-server/internal/engine"
	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/lock"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
)

// Config holds the scheduler intervals and thresholds.
type Config struct {
	TickInterval          time.Duration
	TimeoutInterval       time.Duration
	HeartbeatInterval     time.Duration
	ReclaimInterval       time.Duration
	GCInterval            time.Duration
	DeadInstanceThreshold time.Duration
	InactivityThreshold   time.Duration
}

// Scheduler owns the periodic loops of one instance.
type Scheduler struct {
	instanceID string
	store      *store.Store
	engine     *engine.Engine
	locks      *lock.Locker
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the scheduler clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler for instanceID.
func New(instanceID string, st *store.Store, eng *engine.Engine, locks *lock.Locker, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		instanceID: instanceID,
		store:      st,
		engine:     eng,
		locks:      locks,
		cfg:        cfg,
		logger:     logger.With(zap.String("instance_id", instanceID)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches one loop per duty. It returns immediately; Stop or
// cancelling ctx ends the loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.loop(ctx, "heartbeat", s.cfg.HeartbeatInterval, s.Heartbeat)
	s.loop(ctx, "phases", s.cfg.TickInterval, s.TickPhases)
	s.loop(ctx, "timeouts", s.cfg.TimeoutInterval, s.TickTimeouts)
	s.loop(ctx, "reclaim", s.cfg.ReclaimInterval, s.ReclaimDeadInstances)
	s.loop(ctx, "gc", s.cfg.GCInterval, s.CollectGarbage)

	s.logger.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Duration("timeout_interval", s.cfg.TimeoutInterval),
	)
}

// Stop ends every loop and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, duty func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.run(ctx, name, duty)
		for {
			select {
			case <-ticker.C:
				s.run(ctx, name, duty)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// run executes one tick. Errors are logged and never stop the loop.
func (s *Scheduler) run(ctx context.Context, name string, duty func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler duty panicked", zap.String("duty", name), zap.Any("panic", r))
		}
	}()
	if err := duty(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduler tick failed", zap.String("duty", name), zap.Error(err))
	}
}

// report logs the outcome of a per-room action. Contention and stale
// expectations mean another executor got there first.
func (s *Scheduler) report(roomID, action string, err error) {
	switch {
	case err == nil:
		return
	case game.IsContention(err), errors.Is(err, game.ErrStaleTransition):
		s.logger.Debug("room action skipped",
			zap.String("room_id", roomID),
			zap.String("action", action),
			zap.Error(err),
		)
	default:
		s.logger.Warn("room action failed",
			zap.String("room_id", roomID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// TickPhases inspects every indexed room and performs at most one step for
// each: start a waiting room, advance a complete or expired phase, or clean
// up a finished room whose grace period is over.
func (s *Scheduler) TickPhases(ctx context.Context) error {
	ids, err := s.store.MatchIDs(ctx)
	if err != nil {
		return err
	}
	for _, roomID := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.tickRoom(ctx, roomID)
	}
	return nil
}

func (s *Scheduler) tickRoom(ctx context.Context, roomID string) {
	st, err := s.store.GetGameState(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		s.report(roomID, "purge index", s.store.DeleteMatch(ctx, roomID))
		s.logger.Debug("purged index entry without state", zap.String("room_id", roomID))
		return
	}
	if err != nil {
		s.report(roomID, "load", err)
		return
	}

	now := s.now()
	switch st.Status {
	case game.StatusFinished:
		pending, err := s.store.CleanupPending(ctx, roomID)
		if err != nil {
			s.report(roomID, "check cleanup", err)
			return
		}
		if !pending {
			s.report(roomID, "cleanup", s.cleanup(ctx, roomID, "finished", func(st *game.GameState) (bool, error) {
				if !st.Finished() {
					return false, nil
				}
				pending, err := s.store.CleanupPending(ctx, roomID)
				return !pending, err
			}))
		}
	case game.StatusWaiting:
		if st.PhaseExpired(now) {
			s.report(roomID, "start", s.engine.Start(ctx, roomID))
		}
	case game.StatusActive:
		s.tickActive(ctx, st, now)
	}
}

func (s *Scheduler) tickActive(ctx context.Context, st *game.GameState, now time.Time) {
	var reason string
	switch st.CurrentPhase {
	case game.PhaseSpellCasting:
		if st.AllAliveReady() {
			reason = "all players ready"
		}
	case game.PhaseSpellPropagation, game.PhaseSpellEffects, game.PhaseStateUpdate:
		if st.PhaseExpired(now) {
			reason = "window elapsed"
		}
	case game.PhaseEndOfRound:
		switch {
		case st.RoundSettled():
			reason = "round settled"
		case st.PhaseExpired(now):
			reason = "round stuck, forcing advance"
			s.logger.Warn("forcing stuck round",
				zap.String("room_id", st.RoomID),
				zap.Int("turn", st.Turn),
				zap.Strings("ready", st.PlayersReady),
			)
		}
	}
	if reason == "" {
		return
	}
	s.report(st.RoomID, "advance", s.engine.Advance(ctx, st.RoomID, st.CurrentPhase, st.Turn, reason))
}

// TickTimeouts enforces the SPELL_CASTING deadline of every active room.
func (s *Scheduler) TickTimeouts(ctx context.Context) error {
	ids, err := s.store.MatchIDs(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, roomID := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := s.store.GetGameState(ctx, roomID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.report(roomID, "load", err)
			}
			continue
		}
		if st.Status != game.StatusActive || st.CurrentPhase != game.PhaseSpellCasting || !st.PhaseExpired(now) {
			continue
		}
		s.report(roomID, "expire casting", s.engine.ExpireSpellCasting(ctx, roomID, st.Turn))
	}
	return nil
}

// Heartbeat publishes this instance's liveness.
func (s *Scheduler) Heartbeat(ctx context.Context) error {
	return s.store.Heartbeat(ctx, s.instanceID, 3*s.cfg.DeadInstanceThreshold)
}

// CollectGarbage removes rooms nobody touched within the inactivity
// threshold and index entries whose state is gone.
func (s *Scheduler) CollectGarbage(ctx context.Context) error {
	ids, err := s.store.MatchIDs(ctx)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-s.cfg.InactivityThreshold)
	for _, roomID := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st, err := s.store.GetGameState(ctx, roomID)
		if errors.Is(err, store.ErrNotFound) {
			s.report(roomID, "purge index", s.store.DeleteMatch(ctx, roomID))
			continue
		}
		if err != nil {
			s.report(roomID, "load", err)
			continue
		}
		if time.UnixMilli(st.UpdatedAt).Before(cutoff) {
			s.report(roomID, "collect", s.cleanup(ctx, roomID, "inactive", func(st *game.GameState) (bool, error) {
				return time.UnixMilli(st.UpdatedAt).Before(cutoff), nil
			}))
		}
	}
	return nil
}

// cleanup removes roomID under the cleanup lease. The room is re-read while
// the lease is held and only removed if due still holds for it.
func (s *Scheduler) cleanup(ctx context.Context, roomID, reason string, due func(*game.GameState) (bool, error)) error {
	return s.locks.With(ctx, roomID, lock.PurposeCleanup, func(ctx context.Context) error {
		st, err := s.store.GetGameState(ctx, roomID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok, err := due(st)
		if err != nil || !ok {
			return err
		}
		return s.engine.Cleanup(ctx, roomID, reason)
	})
}
