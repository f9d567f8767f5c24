package replica

import "time"

const (
	defaultRetransmitBase = 100 * time.Millisecond
	defaultRetransmitMax  = 2 * time.Second
	defaultRpcTimeout     = 100 * time.Millisecond
)

// Upper bound for monitoring and maintenance calls into the dispatcher.
const statusTimeout = time.Second
