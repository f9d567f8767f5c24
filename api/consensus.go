package api

import "context"

// Consensus is the part of the Paxos core the replica talks to.
type Consensus interface {
	// OnInstanceExecuted signals that every request of the instance has an
	// execution or dedup result recorded.
	OnInstanceExecuted(id InstanceID)

	// OnSnapshotMade hands a consistent snapshot over for log compaction.
	OnSnapshotMade(s *Snapshot)

	// LastSnapshot returns the most recent snapshot known to the core.
	LastSnapshot() *Snapshot

	// DecidedInstances returns decided instances with id >= from in log
	// order. Used to replay the log after recovery.
	DecidedInstances(from InstanceID) []DecidedInstance

	// HandleRecovery answers a Recovery request of a peer in steady state.
	HandleRecovery(ctx context.Context, req *Recovery) (*RecoveryAnswer, error)

	// Start switches the core into live mode.
	Start() error
}

// CatchUp fetches decided instances from peers.
type CatchUp interface {
	// Recover fetches and applies every decided instance below target, then
	// invokes onDone. Failures are retried internally; onDone may never be
	// called. Recover must return once ctx is done.
	Recover(ctx context.Context, target InstanceID, onDone func())
}
