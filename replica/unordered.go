package replica

import (
	"log/slog"

	"github.com/shrtyk/replica-core/api"
)

// ExecuteUnordered executes req outside the consensus order on the
// unordered worker pool. Dedup is decided on the dispatcher before and
// after the state machine runs.
func (r *Replica) ExecuteUnordered(req *api.ClientRequest) {
	r.disp.Submit(func() {
		var stats instanceStats
		if !r.admit(req, &stats) {
			return
		}
		r.inflight[req.ID.ClientID] = req.ID.SeqNum

		r.wg.Go(func() {
			if err := r.unorderedSem.Acquire(r.ctx, 1); err != nil {
				return
			}
			result := r.sm.Execute(req.Payload, req.ID.SeqNum)
			r.unorderedSem.Release(1)

			reply := &api.Reply{ID: req.ID, Result: result}
			r.disp.Submit(func() { r.recordUnordered(req, reply) })
		})
	})
}

// recordUnordered files the reply at the cursor: the request took effect
// before that instance executes, so a snapshot taken now includes it.
func (r *Replica) recordUnordered(req *api.ClientRequest, reply *api.Reply) {
	if seq, ok := r.inflight[req.ID.ClientID]; ok && seq == req.ID.SeqNum {
		delete(r.inflight, req.ID.ClientID)
	}
	r.recordOutOfOrder(req, reply)

	r.logger.Debug("unordered request executed",
		slog.String("request", req.ID.String()),
		slog.Int64("execute_ub", r.executeUB),
	)

	if r.snapshotDeferred && len(r.inflight) == 0 {
		r.snapshotDeferred = false
		r.takeSnapshot()
	}
}
