package replica

import (
	"time"

	"github.com/shrtyk/replica-core/internal/dispatcher"
	"github.com/shrtyk/replica-core/internal/retry"
)

// retransmitter schedules dispatcher tasks after a per-key backoff. A task
// only runs if it is still the one registered for its key when the
// dispatcher picks it up, so cancel and reset also suppress timers that
// already fired.
//
// Only used from the dispatcher.
type retransmitter struct {
	submit  func(dispatcher.Task) bool
	backoff retry.DelayFunc
	delays  map[int]func() time.Duration
	pending map[int]*scheduled
}

type scheduled struct {
	timer *time.Timer
}

func newRetransmitter(submit func(dispatcher.Task) bool, base, ceiling time.Duration) *retransmitter {
	return &retransmitter{
		submit:  submit,
		backoff: retry.Backoff(base, ceiling),
		delays:  make(map[int]func() time.Duration),
		pending: make(map[int]*scheduled),
	}
}

// schedule runs task for key after the key's next backoff delay.
func (rt *retransmitter) schedule(key int, task func()) {
	next, ok := rt.delays[key]
	if !ok {
		next = rt.backoff()
		rt.delays[key] = next
	}
	rt.after(key, next(), task)
}

// after runs task for key after d, replacing whatever was scheduled for key.
func (rt *retransmitter) after(key int, d time.Duration, task func()) {
	rt.stop(key)
	s := &scheduled{}
	rt.pending[key] = s
	s.timer = time.AfterFunc(d, func() {
		rt.submit(func() {
			if rt.pending[key] != s {
				return
			}
			delete(rt.pending, key)
			task()
		})
	})
}

// cancel stops the pending task of key and forgets its backoff.
func (rt *retransmitter) cancel(key int) {
	rt.stop(key)
	delete(rt.delays, key)
}

// reset cancels everything scheduled so far.
func (rt *retransmitter) reset() {
	for key := range rt.pending {
		rt.stop(key)
	}
	clear(rt.delays)
}

func (rt *retransmitter) isPending(key int) bool {
	_, ok := rt.pending[key]
	return ok
}

func (rt *retransmitter) stop(key int) {
	if s, ok := rt.pending[key]; ok {
		s.timer.Stop()
		delete(rt.pending, key)
	}
}
