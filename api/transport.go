package api

import (
	"context"
)

// Transport defines how a recovering replica reaches its peers.
// No ordering or delivery guarantees are assumed: calls may fail, and the
// same request may be delivered several times.
type Transport interface {
	// SendRecovery sends a Recovery request to a specific peer and returns
	// its answer.
	SendRecovery(ctx context.Context, to int, req *Recovery) (*RecoveryAnswer, error)

	// PeersCount returns the total number of replicas in the cluster.
	PeersCount() int

	// IsPeerAvailable return true if peer currently available to be called and false otherwise.
	IsPeerAvailable(peerID int) bool
}
