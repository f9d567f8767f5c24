package replica

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/pkg/logger"
)

// OnSnapshotRequested asks the state machine for a snapshot at the current
// cursor. While unordered requests are running the snapshot is postponed
// until the last of them is recorded.
func (r *Replica) OnSnapshotRequested() {
	r.disp.Submit(func() {
		if len(r.inflight) > 0 {
			r.snapshotDeferred = true
			return
		}
		r.takeSnapshot()
	})
}

// takeSnapshot runs on the dispatcher, so no ordered request is executing.
func (r *Replica) takeSnapshot() {
	state, err := r.sm.MakeSnapshot()
	if err != nil {
		r.logger.Warn("failed to get snapshot from state machine", logger.ErrAttr(err))
		return
	}
	snap := &api.Snapshot{
		NextInstanceID: r.executeUB,
		State:          state,
	}
	if err := r.onSnapshotCreated(snap); err != nil {
		r.logger.Warn("snapshot rejected", slog.Int64("next_instance", snap.NextInstanceID), logger.ErrAttr(err))
	}
}

// OnSnapshotCreated attaches the reply cache as of s.NextInstanceID to s and
// hands it over for log compaction.
func (r *Replica) OnSnapshotCreated(s *api.Snapshot) error {
	ctx, cancel := context.WithTimeout(r.ctx, statusTimeout)
	defer cancel()

	var err error
	if derr := r.disp.Do(ctx, func() { err = r.onSnapshotCreated(s) }); derr != nil {
		return derr
	}
	return err
}

func (r *Replica) onSnapshotCreated(s *api.Snapshot) error {
	if s.State == nil {
		err := errors.WithAssertionFailure(
			errors.Wrapf(api.ErrNilSnapshotState, "snapshot at instance %d", s.NextInstanceID))
		r.fatal(err)
		return err
	}
	if s.NextInstanceID > r.executeUB {
		return errors.Wrapf(api.ErrFutureSnapshot, "next instance %d, execute ub %d", s.NextInstanceID, r.executeUB)
	}

	replies, err := r.diff.Fold(s.NextInstanceID)
	if err != nil {
		return err
	}
	s.LastReplyForClient = replies
	r.lastSnapshotNext = s.NextInstanceID

	if r.snapshots != nil {
		if err := r.snapshots.SaveSnapshot(s); err != nil {
			r.logger.Warn("failed to store snapshot", logger.ErrAttr(err))
		}
	}
	r.consensus.OnSnapshotMade(s)

	r.logger.Info("snapshot made",
		slog.Int64("next_instance", s.NextInstanceID),
		slog.Int("state_size", len(s.State)),
		slog.Int("clients", len(replies)),
	)
	return nil
}

// OnSnapshotReceived installs a snapshot obtained from a peer. Snapshots
// behind the cursor are ignored.
func (r *Replica) OnSnapshotReceived(s *api.Snapshot) error {
	ctx, cancel := context.WithTimeout(r.ctx, statusTimeout)
	defer cancel()

	var err error
	if derr := r.disp.Do(ctx, func() {
		if s.NextInstanceID < r.executeUB {
			r.logger.Debug("ignoring snapshot behind the cursor",
				slog.Int64("next_instance", s.NextInstanceID),
				slog.Int64("execute_ub", r.executeUB))
			return
		}
		err = r.installSnapshot(s)
	}); derr != nil {
		return derr
	}
	return err
}

// installSnapshot replaces application state, history and diff baseline with
// the content of s and moves the cursor to s.NextInstanceID.
func (r *Replica) installSnapshot(s *api.Snapshot) error {
	if s.State == nil {
		return errors.Wrapf(api.ErrNilSnapshotState, "snapshot at instance %d", s.NextInstanceID)
	}
	if err := r.sm.RestoreFromSnapshot(s.State); err != nil {
		return errors.Wrap(err, "state machine failed to restore snapshot")
	}

	r.history.Replace(s.LastReplyForClient)
	r.diff.Reset(s.LastReplyForClient, s.NextInstanceID)
	r.executeUB = s.NextInstanceID
	r.lastSnapshotNext = s.NextInstanceID

	dropped := 0
	for id := range r.buffer {
		if id < s.NextInstanceID {
			delete(r.buffer, id)
			dropped++
		}
	}

	r.logger.Info("snapshot installed",
		slog.Int64("next_instance", s.NextInstanceID),
		slog.Int("clients", len(s.LastReplyForClient)),
		slog.Int("dropped_buffered", dropped),
	)

	// Buffered instances may now be next in line.
	if next, ok := r.buffer[r.executeUB]; ok {
		delete(r.buffer, r.executeUB)
		r.executeDecided(r.executeUB, next)
	}
	return nil
}

// snapshotter is a background goroutine that periodically requests a
// snapshot once enough instances were executed since the previous one.
func (r *Replica) snapshotter() {
	defer r.logger.Info("snapshotter exiting")

	ticker := time.NewTicker(r.cfg.Snapshots.CheckInterval)
	defer ticker.Stop()

	r.logger.Info("snapshotter starting")
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.disp.Submit(r.checkAndTakeSnapshot)
		}
	}
}

func (r *Replica) checkAndTakeSnapshot() {
	if !r.recoveredFlag.Load() {
		return
	}
	executed := r.executeUB - r.lastSnapshotNext
	if executed <= 0 || executed < r.cfg.Snapshots.MinInstances {
		return
	}
	r.logger.Info("requesting snapshot from state machine",
		slog.Int64("executed_since_last", executed),
		slog.Int64("threshold", r.cfg.Snapshots.MinInstances))

	if len(r.inflight) > 0 {
		r.snapshotDeferred = true
		return
	}
	r.takeSnapshot()
}
