/*
Package api defines the public interfaces of the replica execution and
recovery engine. It provides the contracts the engine relies on and the
primary interface for interacting with a replica.

# Mandatory User Implementations

  - StateMachine: the application. Decided client requests are executed on it
    exactly once, in log order.

  - Consensus: the Paxos core. It supplies decided batches, receives
    completion signals and snapshots, and answers recovery requests of
    restarting peers once this replica is live.

  - CatchUp: fetches decided instances from peers up to a target instance.

  - Transport: delivers Recovery requests to peers. A gRPC implementation is
    provided in the `github.com/shrtyk/replica-core/pkg/transport` package.

  - ViewStorage: stable storage of the current view. File and SQLite
    implementations are provided in `github.com/shrtyk/replica-core/pkg/storage`.
*/
package api

import (
	"context"
	"errors"
)

var (
	ErrNilSnapshotState        = errors.New("replica: snapshot has no application state")
	ErrStaleSnapshot           = errors.New("replica: snapshot is older than the previous one")
	ErrFutureSnapshot          = errors.New("replica: snapshot is ahead of the execution cursor")
	ErrUnknownRecoveryStrategy = errors.New("replica: unknown recovery strategy")
	ErrUnknownIDGenerator      = errors.New("replica: unknown client id generator")
	ErrReplicaStopped          = errors.New("replica: stopped")
	ErrRecoveryInProgress      = errors.New("replica: recovery in progress")
	ErrViewDecrease            = errors.New("replica: persisted view cannot decrease")
)

// Replica defines the public interface exposed by a single replica.
type Replica interface {
	// Start runs the configured recovery strategy. Once recovery completes
	// the replica replays decided instances and switches the consensus core
	// into live mode. Non blocking call.
	Start() error

	// Stop terminates the replica, closing all background goroutines.
	Stop() error

	// Recovered is closed once recovery has completed.
	Recovered() <-chan struct{}

	// ExecuteBatch schedules execution of a decided batch. Instances are
	// applied strictly in order; early ones are buffered.
	ExecuteBatch(id InstanceID, batch ClientBatch)

	// ExecuteNop schedules a no-op decided instance.
	ExecuteNop(id InstanceID)

	// ExecuteUnordered executes a single request outside the consensus order.
	ExecuteUnordered(req *ClientRequest)

	// OnInstanceExecuted registers a callback invoked after each instance is
	// fully executed.
	OnInstanceExecuted(fn func(id InstanceID))

	// OnSnapshotRequested asks the state machine for a snapshot at the
	// current execution cursor.
	OnSnapshotRequested()

	// OnSnapshotCreated attaches the reply cache to a snapshot produced by
	// the application and releases it for log compaction.
	OnSnapshotCreated(s *Snapshot) error

	// OnSnapshotReceived installs a snapshot obtained from a peer.
	OnSnapshotReceived(s *Snapshot) error

	// HandleRecovery answers a Recovery request from a restarting peer.
	HandleRecovery(ctx context.Context, req *Recovery) (*RecoveryAnswer, error)

	// NextClientID returns a fresh client id.
	NextClientID() int64

	// CompactHistory evicts reply cache entries for which evict returns true.
	CompactHistory(evict func(clientID int64, reply *Reply) bool) int
}
