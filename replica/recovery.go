package replica

import (
	"fmt"

	"github.com/shrtyk/replica-core/api"
)

// recoveryStrategy brings a restarted replica back to a state from which it
// can rejoin the protocol. Both methods run on the dispatcher; start calls
// onDone on the dispatcher once recovery is complete.
type recoveryStrategy interface {
	start(onDone func())
	stop()
}

func newRecoveryStrategy(r *Replica) (recoveryStrategy, error) {
	switch r.cfg.Recovery.Strategy {
	case api.CrashStop:
		return immediateRecovery{}, nil
	case api.FullSS:
		// Every consensus write is already on stable storage: replaying the
		// log is all there is to do.
		return immediateRecovery{}, nil
	case api.ViewSS:
		if r.transport == nil || r.catchUp == nil {
			return nil, fmt.Errorf("%w: %s requires a transport and a catch-up client",
				ErrInvalidConfig, api.ViewSS)
		}
		return newViewRecovery(r), nil
	default:
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownRecoveryStrategy, r.cfg.Recovery.Strategy)
	}
}

// immediateRecovery has nothing to recover.
type immediateRecovery struct{}

func (immediateRecovery) start(onDone func()) { onDone() }
func (immediateRecovery) stop()               {}
