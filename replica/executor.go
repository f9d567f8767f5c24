package replica

import (
	"log/slog"

	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/history"
	"golang.org/x/sync/errgroup"
)

// instanceStats counts what happened to the requests of one instance.
type instanceStats struct {
	executed int
	resent   int
	dropped  int
}

func (r *Replica) ExecuteBatch(id api.InstanceID, batch api.ClientBatch) {
	if batch == nil {
		batch = api.ClientBatch{}
	}
	if !r.disp.Submit(func() { r.executeDecided(id, batch) }) {
		r.logger.Debug("replica stopped, decided instance dropped", slog.Int64("instance", id))
	}
}

func (r *Replica) ExecuteNop(id api.InstanceID) {
	if !r.disp.Submit(func() { r.executeDecided(id, nil) }) {
		r.logger.Debug("replica stopped, no-op instance dropped", slog.Int64("instance", id))
	}
}

func (r *Replica) OnInstanceExecuted(fn func(id api.InstanceID)) {
	r.disp.Submit(func() { r.listeners = append(r.listeners, fn) })
}

// executeDecided applies instance id if it is the next one, buffers it if it
// arrived early and ignores it if it was already executed. A nil batch is a
// no-op. Runs on the dispatcher.
func (r *Replica) executeDecided(id api.InstanceID, batch api.ClientBatch) {
	switch {
	case id < r.executeUB:
		r.logger.Debug("ignoring already executed instance",
			slog.Int64("instance", id),
			slog.Int64("execute_ub", r.executeUB))
		return
	case id > r.executeUB:
		r.buffer[id] = batch
		return
	}

	r.applyInstance(id, batch)
	for {
		next, ok := r.buffer[r.executeUB]
		if !ok {
			return
		}
		delete(r.buffer, r.executeUB)
		r.applyInstance(r.executeUB, next)
	}
}

// applyInstance executes every request of the instance at the cursor, then
// moves the cursor and reports completion.
func (r *Replica) applyInstance(id api.InstanceID, batch api.ClientBatch) {
	var stats instanceStats
	switch {
	case batch == nil:
	case r.cfg.Execution.ParallelBatch && len(batch) > 1:
		stats = r.executeParallel(id, batch)
	default:
		for _, req := range batch {
			r.executeOrdered(id, req, &stats)
		}
	}

	r.executeUB = id + 1

	r.logger.Debug("instance executed",
		slog.Int64("instance", id),
		slog.Bool("nop", batch == nil),
		slog.Int("requests", len(batch)),
		slog.Int("executed", stats.executed),
		slog.Int("resent", stats.resent),
		slog.Int("dropped", stats.dropped),
	)

	r.consensus.OnInstanceExecuted(id)
	for _, fn := range r.listeners {
		fn(id)
	}
}

// admit runs the dedup rule for req. It returns true when req must be
// executed; duplicates are answered from the history or dropped.
func (r *Replica) admit(req *api.ClientRequest, stats *instanceStats) bool {
	verdict, cached := r.history.Check(req.ID)
	switch verdict {
	case history.Resend:
		stats.resent++
		r.sink.OnRequestExecuted(req, cached)
		return false
	case history.Drop:
		stats.dropped++
		return false
	}

	// The unordered pool is already running this request or a newer one
	// of the same client; it reports the reply itself.
	if seq, ok := r.inflight[req.ID.ClientID]; ok && seq >= req.ID.SeqNum {
		stats.dropped++
		return false
	}
	return true
}

func (r *Replica) executeOrdered(id api.InstanceID, req *api.ClientRequest, stats *instanceStats) {
	if !r.admit(req, stats) {
		return
	}
	reply := &api.Reply{ID: req.ID, Result: r.sm.Execute(req.Payload, req.ID.SeqNum)}
	r.record(id, req, reply)
	stats.executed++
}

// executeParallel runs the state machine for the requests of distinct
// clients concurrently. History is only read and written here, on the
// dispatcher, and the cursor is not moved before every worker is done.
func (r *Replica) executeParallel(id api.InstanceID, batch api.ClientBatch) instanceStats {
	var (
		stats    instanceStats
		replies  = make([]*api.Reply, len(batch))
		admitted = make([]bool, len(batch))
		deferred []int
		clients  = make(map[int64]struct{}, len(batch))
	)

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Execution.BatchWorkers)

	for i, req := range batch {
		// A second request of a client in the same batch has to observe the
		// first one's reply, so it runs after the parallel phase.
		if _, ok := clients[req.ID.ClientID]; ok {
			deferred = append(deferred, i)
			continue
		}
		if !r.admit(req, &stats) {
			continue
		}
		clients[req.ID.ClientID] = struct{}{}
		admitted[i] = true

		g.Go(func() error {
			replies[i] = &api.Reply{ID: req.ID, Result: r.sm.Execute(req.Payload, req.ID.SeqNum)}
			return nil
		})
	}
	_ = g.Wait()

	for i, req := range batch {
		if admitted[i] {
			r.record(id, req, replies[i])
			stats.executed++
		}
	}
	for _, i := range deferred {
		r.executeOrdered(id, batch[i], &stats)
	}
	return stats
}

// record makes reply the last one of its client, attaches it to the diff
// of instance id and hands it to the sink.
func (r *Replica) record(id api.InstanceID, req *api.ClientRequest, reply *api.Reply) {
	if r.history.Advance(reply) {
		r.diff.Record(id, reply)
	}
	r.sink.OnRequestExecuted(req, reply)
}

func (r *Replica) recordOutOfOrder(req *api.ClientRequest, reply *api.Reply) {
	if r.history.Advance(reply) {
		r.diff.RecordUnordered(r.executeUB, reply)
	}
	r.sink.OnRequestExecuted(req, reply)
}
