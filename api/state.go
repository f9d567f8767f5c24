package api

// StateMachine represents the replicated application.
// The application using the replica must implement this interface.
//
// Execute is invoked from the ordered pipeline only, unless parallel batch
// execution is enabled; in that mode it must tolerate concurrent calls for
// requests of distinct clients. Application level failures are expected to
// be encoded into the returned result.
type StateMachine interface {
	Execute(payload []byte, seqNum int32) []byte // Apply one client command
	MakeSnapshot() ([]byte, error)               // Serialize the current application state
	RestoreFromSnapshot(state []byte) error      // Replace application state with a snapshot
}

// ReplySink forwards results of executed requests to clients.
// It must tolerate being invoked several times with the same reply.
type ReplySink interface {
	OnRequestExecuted(req *ClientRequest, reply *Reply)
}

// ReplySinkFunc adapts a function to the ReplySink interface.
type ReplySinkFunc func(req *ClientRequest, reply *Reply)

func (f ReplySinkFunc) OnRequestExecuted(req *ClientRequest, reply *Reply) {
	f(req, reply)
}
