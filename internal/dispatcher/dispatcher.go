// Package dispatcher implements the single-consumer task queue every piece of
// mutable replica state is confined to.
//
// Tasks are executed one at a time, strictly in submission order, by a single
// goroutine. Submit is safe from any goroutine.
package dispatcher

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("dispatcher: stopped")

// Task is a unit of work executed on the dispatcher goroutine.
type Task func()

type Dispatcher struct {
	mu      sync.Mutex
	tasks   []Task
	closed  bool
	started bool
	signal  chan struct{} // buffered, size 1; closed on Stop
	done    chan struct{}
}

func New() *Dispatcher {
	return &Dispatcher{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.run()
}

// Submit appends a task to the queue. Returns false once the dispatcher is stopped.
func (d *Dispatcher) Submit(t Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.tasks = append(d.tasks, t)

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return true
}

// Do submits a task and waits until it has been executed.
// Must not be called from a task: the consumer would wait on itself.
func (d *Dispatcher) Do(ctx context.Context, t Task) error {
	executed := make(chan struct{})
	if !d.Submit(func() {
		defer close(executed)
		t()
	}) {
		return ErrStopped
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-executed:
		return nil
	}
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Stop rejects further submissions, lets queued tasks finish and waits for
// the consumer goroutine to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.done
		}
		return
	}
	d.closed = true
	close(d.signal)
	started := d.started
	d.mu.Unlock()

	if started {
		<-d.done
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		if t, ok := d.next(); ok {
			t()
			continue
		}

		d.mu.Lock()
		if d.closed && len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		<-d.signal
	}
}

func (d *Dispatcher) next() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.tasks) == 0 {
		return nil, false
	}
	t := d.tasks[0]
	d.tasks[0] = nil
	if len(d.tasks) == 1 {
		d.tasks = d.tasks[:0]
	} else {
		d.tasks = d.tasks[1:]
	}
	return t, true
}
