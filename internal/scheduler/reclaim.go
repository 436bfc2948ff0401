package scheduler

import (
	"context"
	"errors"

	"github.com/spellbound/duel-server/internal/lock"
	"go.uber.org/zap"
)

// ReclaimDeadInstances takes over the leftovers of instances whose heartbeat
// is missing or older than the dead-instance threshold.
func (s *Scheduler) ReclaimDeadInstances(ctx context.Context) error {
	ids, err := s.store.Instances(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	var errs []error
	for _, id := range ids {
		if id == s.instanceID {
			continue
		}
		last, ok, err := s.store.LastHeartbeat(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok && now.Sub(last) < s.cfg.DeadInstanceThreshold {
			continue
		}

		err = s.locks.With(ctx, "instance:"+id, lock.PurposeReclaim, func(ctx context.Context) error {
			return s.reclaim(ctx, id)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reclaim drops a dead instance's socket routes and queue entries, detaches
// its players from their rooms and forgets the instance.
func (s *Scheduler) reclaim(ctx context.Context, deadID string) error {
	sockets, err := s.store.SocketsOwnedBy(ctx, deadID)
	if err != nil {
		return err
	}
	for _, m := range sockets {
		if err := s.store.DeleteSocket(ctx, m.SocketID); err != nil {
			return err
		}
	}

	dequeued, err := s.store.RemoveQueueEntriesOwnedBy(ctx, deadID)
	if err != nil {
		return err
	}

	ids, err := s.store.MatchIDs(ctx)
	if err != nil {
		return err
	}
	detached := 0
	for _, roomID := range ids {
		st, err := s.store.GetGameState(ctx, roomID)
		if err != nil {
			continue
		}
		for _, p := range st.Players {
			if p.InstanceID != deadID {
				continue
			}
			if err := s.engine.Detach(ctx, roomID, p.ID, p.SocketID); err != nil {
				s.report(roomID, "detach", err)
				continue
			}
			detached++
		}
	}

	if err := s.store.UnregisterInstance(ctx, deadID); err != nil {
		return err
	}
	s.logger.Info("reclaimed dead instance",
		zap.String("dead_instance_id", deadID),
		zap.Int("sockets", len(sockets)),
		zap.Strings("dequeued", dequeued),
		zap.Int("detached", detached),
	)
	return nil
}
