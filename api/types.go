package api

import "fmt"

// InstanceID identifies a decided slot of the replicated log.
type InstanceID = int64

// View is a leadership epoch. The replica owning view v is v mod numReplicas.
type View = int64

// RequestID identifies a client request. Sequence numbers are strictly
// increasing per client.
type RequestID struct {
	ClientID int64
	SeqNum   int32
}

func (id RequestID) String() string {
	return fmt.Sprintf("%d:%d", id.ClientID, id.SeqNum)
}

// ClientRequest is a command submitted by a client. Immutable once created.
type ClientRequest struct {
	ID      RequestID
	Payload []byte
}

// ClientBatch is an ordered sequence of requests agreed upon as the value of
// a single instance.
type ClientBatch []*ClientRequest

// Reply is the result of executing one client request.
type Reply struct {
	ID     RequestID
	Result []byte
}

// DecidedInstance is a log slot the consensus core reports as decided.
// A nil Batch denotes a no-op instance.
type DecidedInstance struct {
	ID    InstanceID
	Batch ClientBatch
}

// Snapshot is a compacted checkpoint: application state after executing every
// instance below NextInstanceID plus the reply cache needed to keep
// deduplicating requests after log truncation.
type Snapshot struct {
	NextInstanceID     InstanceID
	State              []byte
	LastReplyForClient map[int64]*Reply
}

// Recovery is broadcast by a restarting replica.
type Recovery struct {
	Sender         int32
	View           View
	NextInstanceID InstanceID
}

// RecoveryAnswer reports the answering replica's persisted progress.
type RecoveryAnswer struct {
	Sender         int32
	View           View
	NextInstanceID InstanceID
}

func (a *RecoveryAnswer) String() string {
	return fmt.Sprintf("RecoveryAnswer{sender=%d view=%d next=%d}", a.Sender, a.View, a.NextInstanceID)
}
