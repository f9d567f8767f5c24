// Package idgen hands out client ids that are unique across the cluster:
// every id a replica generates is congruent to its id modulo the number of
// replicas.
package idgen

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shrtyk/replica-core/api"
)

const (
	Simple    = "Simple"
	TimeBased = "TimeBased"
)

type Generator interface {
	Next() int64
}

// New selects a generator by name.
func New(name string, localID, numReplicas int) (Generator, error) {
	switch name {
	case Simple:
		return NewSimple(localID, numReplicas), nil
	case TimeBased:
		return NewTimeBased(localID, numReplicas, time.Now()), nil
	default:
		return nil, fmt.Errorf("%w: %q, valid options: {%s, %s}", api.ErrUnknownIDGenerator, name, TimeBased, Simple)
	}
}

type stepGenerator struct {
	step int64
	last atomic.Int64
}

func (g *stepGenerator) Next() int64 {
	return g.last.Add(g.step)
}

// NewSimple returns localID, localID+n, localID+2n, ...
// Restarted replicas reuse ids; only suitable when clients never outlive a replica.
func NewSimple(localID, numReplicas int) Generator {
	g := &stepGenerator{step: int64(numReplicas)}
	g.last.Store(int64(localID - numReplicas))
	return g
}

// NewTimeBased seeds the sequence with the start time so ids do not repeat
// across restarts of the same replica.
func NewTimeBased(localID, numReplicas int, start time.Time) Generator {
	n := int64(numReplicas)
	seed := start.UnixMicro() * n
	seed -= seed % n
	g := &stepGenerator{step: n}
	g.last.Store(seed + int64(localID) - n)
	return g
}
