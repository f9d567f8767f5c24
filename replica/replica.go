package replica

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/dispatcher"
	"github.com/shrtyk/replica-core/internal/history"
	"github.com/shrtyk/replica-core/internal/idgen"
	"github.com/shrtyk/replica-core/pkg/logger"
	"github.com/shrtyk/replica-core/pkg/transport"
	"golang.org/x/sync/semaphore"
)

var _ api.Replica = (*Replica)(nil)

// Replica executes decided instances exactly once and runs crash recovery.
//
// Everything below the "dispatcher state" marker is owned by the dispatcher
// goroutine and must only be touched from tasks submitted to disp.
type Replica struct {
	wg     sync.WaitGroup
	me     int
	n      int
	cfg    *api.ReplicaConfig
	logger *slog.Logger
	dead   atomic.Bool
	fatal  func(err error)

	ctx    context.Context
	cancel context.CancelFunc

	sm        api.StateMachine
	sink      api.ReplySink
	consensus api.Consensus
	views     api.ViewStorage
	ownsViews bool
	// closeConns releases peer connections dialed by the builder.
	closeConns func() error
	snapshots  api.SnapshotStore
	transport  api.Transport
	catchUp    api.CatchUp
	ids        idgen.Generator
	strategy   recoveryStrategy

	disp         *dispatcher.Dispatcher
	unorderedSem *semaphore.Weighted

	recovered     chan struct{}
	recoveredFlag atomic.Bool

	monitoringServer *http.Server
	grpcServer       *transport.Server

	// dispatcher state

	executeUB api.InstanceID
	history   *history.Requests
	diff      *history.Diff
	// decided instances ahead of executeUB, nil batch for no-ops
	buffer    map[api.InstanceID]api.ClientBatch
	listeners []func(id api.InstanceID)
	// client id -> sequence number executing on the unordered pool
	inflight map[int64]int32
	// set when a snapshot was requested while unordered requests were running
	snapshotDeferred bool
	lastSnapshotNext api.InstanceID
}

func (r *Replica) Start() error {
	if r.dead.Load() {
		return api.ErrReplicaStopped
	}

	r.disp.Start()

	if r.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", r.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", r.cfg.GRPCAddr, err)
		}
		r.grpcServer = transport.NewServer(r, r.logger)
		r.wg.Go(func() {
			if err := r.grpcServer.Serve(lis); err != nil {
				r.logger.Error("gRPC server failed", logger.ErrAttr(err))
			}
		})
	}

	r.startMonitoringServer()

	if r.cfg.Snapshots.CheckInterval > 0 {
		r.wg.Go(r.snapshotter)
	}

	r.logger.Info("replica starting",
		slog.String("strategy", string(r.cfg.Recovery.Strategy)),
		slog.Int("replicas", r.n),
	)
	if !r.disp.Submit(func() { r.strategy.start(r.onRecoveryFinished) }) {
		return api.ErrReplicaStopped
	}
	return nil
}

// Stop terminates the replica. Queued tasks are drained before it returns.
func (r *Replica) Stop() error {
	if !r.dead.CompareAndSwap(false, true) {
		return nil
	}

	tctx, tcancel := context.WithTimeout(context.Background(), r.cfg.Timings.ShutdownTimeout)
	defer tcancel()

	var err error
	if r.grpcServer != nil {
		r.grpcServer.Stop()
	}
	if r.monitoringServer != nil {
		if serr := r.monitoringServer.Shutdown(tctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown monitoring server: %w", serr))
		}
	}

	r.cancel()
	r.disp.Submit(func() { r.strategy.stop() })
	r.disp.Stop()
	r.wg.Wait()

	if cerr := r.closeConns(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close peer connections: %w", cerr))
	}
	if r.ownsViews {
		if cerr := r.views.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close view storage: %w", cerr))
		}
	}
	r.logger.Info("replica stopped")
	return err
}

func (r *Replica) Recovered() <-chan struct{} {
	return r.recovered
}

func (r *Replica) NextClientID() int64 {
	return r.ids.Next()
}

// HandleRecovery answers a restarting peer. Until local recovery finishes
// the request is refused, afterwards the consensus core answers it.
func (r *Replica) HandleRecovery(ctx context.Context, req *api.Recovery) (*api.RecoveryAnswer, error) {
	if r.dead.Load() {
		return nil, api.ErrReplicaStopped
	}
	if !r.recoveredFlag.Load() {
		return nil, api.ErrRecoveryInProgress
	}
	return r.consensus.HandleRecovery(ctx, req)
}

// CompactHistory evicts the reply cache entries selected by evict.
func (r *Replica) CompactHistory(evict func(clientID int64, reply *api.Reply) bool) int {
	ctx, cancel := context.WithTimeout(r.ctx, statusTimeout)
	defer cancel()

	removed := 0
	err := r.disp.Do(ctx, func() {
		removed = r.history.Compact(evict)
	})
	if err != nil {
		r.logger.Warn("history compaction skipped", logger.ErrAttr(err))
		return 0
	}
	r.logger.Info("history compacted", slog.Int("removed", removed))
	return removed
}

// onRecoveryFinished installs the last snapshot, replays every decided
// instance past it and switches the consensus core live.
// Runs on the dispatcher.
func (r *Replica) onRecoveryFinished() {
	if r.recoveredFlag.Load() {
		return
	}

	snap := r.consensus.LastSnapshot()
	if snap == nil && r.snapshots != nil {
		stored, err := r.snapshots.LastSnapshot()
		if err != nil {
			r.logger.Warn("failed to read stored snapshot", logger.ErrAttr(err))
		}
		snap = stored
	}
	switch {
	case snap == nil:
	case snap.NextInstanceID < r.executeUB:
		// Catch-up already executed past it; installing would rewind the cursor.
		r.logger.Debug("recovery snapshot behind execution, skipped",
			slog.Int64("next_instance", snap.NextInstanceID),
			slog.Int64("execute_ub", r.executeUB),
		)
	default:
		if err := r.installSnapshot(snap); err != nil {
			r.fatal(errors.Wrap(err, "failed to install snapshot during recovery"))
			return
		}
	}

	replayed := 0
	for _, inst := range r.consensus.DecidedInstances(r.executeUB) {
		r.executeDecided(inst.ID, inst.Batch)
		replayed++
	}

	if err := r.consensus.Start(); err != nil {
		r.fatal(errors.Wrap(err, "failed to start consensus"))
		return
	}

	r.recoveredFlag.Store(true)
	close(r.recovered)
	r.logger.Info("recovery finished",
		slog.Int("replayed", replayed),
		slog.Int64("execute_ub", r.executeUB),
	)
}

// handleInvariantViolation logs err and panics: continuing would let the
// replica diverge from its peers.
func (r *Replica) handleInvariantViolation(err error) {
	errMsg := fmt.Sprintf(
		"CRITICAL: replica #%d hit an invariant violation and cannot continue safely. Error: %v",
		r.me,
		err,
	)
	r.logger.Error(errMsg, logger.ErrAttr(err))
	panic(errMsg)
}
