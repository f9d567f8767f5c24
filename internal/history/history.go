// Package history keeps the reply cache used to execute client requests
// exactly once, and the per-instance record of replies needed to rebuild
// that cache at snapshot boundaries.
//
// Neither type is safe for concurrent use: both are owned by the replica's
// dispatcher goroutine.
package history

import (
	"fmt"
	"maps"

	"github.com/shrtyk/replica-core/api"
)

// Verdict is the outcome of checking a request against the history.
type Verdict int

const (
	// Execute: the request was never executed.
	Execute Verdict = iota + 1
	// Resend: the request is the last one executed for its client.
	Resend
	// Drop: the client already moved past the request.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case Execute:
		return "execute"
	case Resend:
		return "resend"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Requests maps a client id to the last reply executed for it.
type Requests struct {
	replies map[int64]*api.Reply
}

func NewRequests() *Requests {
	return &Requests{replies: make(map[int64]*api.Reply, 1024)}
}

// Check classifies id. For Resend the cached reply is returned.
func (r *Requests) Check(id api.RequestID) (Verdict, *api.Reply) {
	last, ok := r.replies[id.ClientID]
	if !ok || id.SeqNum > last.ID.SeqNum {
		return Execute, nil
	}
	if id.SeqNum == last.ID.SeqNum {
		return Resend, last
	}
	return Drop, nil
}

// Advance stores reply unless a reply with a higher or equal sequence
// number is already recorded for the client.
func (r *Requests) Advance(reply *api.Reply) bool {
	last, ok := r.replies[reply.ID.ClientID]
	if ok && last.ID.SeqNum >= reply.ID.SeqNum {
		return false
	}
	r.replies[reply.ID.ClientID] = reply
	return true
}

func (r *Requests) Get(clientID int64) (*api.Reply, bool) {
	reply, ok := r.replies[clientID]
	return reply, ok
}

func (r *Requests) Len() int {
	return len(r.replies)
}

// Replace drops the current content in favour of a copy of m.
func (r *Requests) Replace(m map[int64]*api.Reply) {
	r.replies = make(map[int64]*api.Reply, max(len(m), 1024))
	maps.Copy(r.replies, m)
}

// Copy returns a copy of the whole history.
func (r *Requests) Copy() map[int64]*api.Reply {
	return maps.Clone(r.replies)
}

// Compact removes the entries evict selects and reports how many were removed.
// Nothing is ever evicted implicitly: a client whose entry is gone may get
// an old request executed again.
func (r *Requests) Compact(evict func(clientID int64, reply *api.Reply) bool) int {
	removed := 0
	for id, reply := range r.replies {
		if evict(id, reply) {
			delete(r.replies, id)
			removed++
		}
	}
	return removed
}

// Diff tracks the replies produced by every instance executed since the
// last snapshot, and the reply cache as of that snapshot. Unordered replies
// are kept apart: one filed at id took effect before instance id executed,
// so it belongs to a snapshot whose next instance is id.
type Diff struct {
	byInstance   map[api.InstanceID][]*api.Reply
	unordered    map[api.InstanceID][]*api.Reply
	baseline     map[int64]*api.Reply
	baselineNext api.InstanceID
}

func NewDiff() *Diff {
	return &Diff{
		byInstance: make(map[api.InstanceID][]*api.Reply),
		unordered:  make(map[api.InstanceID][]*api.Reply),
		baseline:   make(map[int64]*api.Reply),
	}
}

// Record appends reply to the entry of instance id.
func (d *Diff) Record(id api.InstanceID, reply *api.Reply) {
	d.byInstance[id] = append(d.byInstance[id], reply)
}

// RecordUnordered files reply as executed while the cursor was at.
func (d *Diff) RecordUnordered(at api.InstanceID, reply *api.Reply) {
	d.unordered[at] = append(d.unordered[at], reply)
}

// Fold builds the reply cache as of next executed instances: the previous
// baseline overwritten by every recorded reply of instances in
// [baselineNext, next) and every unordered reply filed at or below next, in
// execution order. Folded entries are discarded and the result becomes the
// new baseline. The returned map is owned by the caller.
func (d *Diff) Fold(next api.InstanceID) (map[int64]*api.Reply, error) {
	if next < d.baselineNext {
		return nil, fmt.Errorf("%w: next instance %d, previous %d", api.ErrStaleSnapshot, next, d.baselineNext)
	}

	folded := maps.Clone(d.baseline)
	apply := func(replies []*api.Reply) {
		for _, reply := range replies {
			folded[reply.ID.ClientID] = reply
		}
	}
	for id := d.baselineNext; id <= next; id++ {
		if replies, ok := d.unordered[id]; ok {
			apply(replies)
			delete(d.unordered, id)
		}
		if id == next {
			break
		}
		if replies, ok := d.byInstance[id]; ok {
			apply(replies)
			delete(d.byInstance, id)
		}
	}

	d.baseline = folded
	d.baselineNext = next
	return maps.Clone(folded), nil
}

// Reset installs baseline as the cache as of next and forgets every
// recorded instance.
func (d *Diff) Reset(baseline map[int64]*api.Reply, next api.InstanceID) {
	d.baseline = maps.Clone(baseline)
	if d.baseline == nil {
		d.baseline = make(map[int64]*api.Reply)
	}
	d.baselineNext = next
	clear(d.byInstance)
	clear(d.unordered)
}

// Pending returns the number of instances with recorded replies, counting
// ordered and unordered entries apart.
func (d *Diff) Pending() int {
	return len(d.byInstance) + len(d.unordered)
}

// BaselineNext returns the next instance id of the last fold or reset.
func (d *Diff) BaselineNext() api.InstanceID {
	return d.baselineNext
}
