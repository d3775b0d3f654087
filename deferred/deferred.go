// Package deferred provides the "run later, outside the current call
// stack" primitive the virtualizers use to avoid reentrant client
// callbacks and to bound stack depth when continuing their queues.
package deferred

import (
	"context"
	"sync"
)

// Dispatcher collects scheduled calls and runs them one at a time from its
// own context, never from the stack that scheduled them. Handlers run
// strictly sequentially, so state touched only by handlers and completion
// paths needs no extra ordering between handler invocations.
type Dispatcher struct {
	mu       sync.Mutex
	started  bool
	handlers []func()
	pending  []bool

	wake chan struct{}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{wake: make(chan struct{}, 1)}
}

// Handle is one registered deferred call. Schedule marks it pending; the
// handler runs at the next service point. Scheduling an already-pending
// handle coalesces into a single run.
type Handle struct {
	d   *Dispatcher
	idx int
}

// Register installs fn and returns its handle. Registration is bring-up
// only: registering after Start is a configuration bug and panics.
func (d *Dispatcher) Register(fn func()) *Handle {
	if fn == nil {
		panic("deferred: nil handler")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		panic("deferred: register after start")
	}
	d.handlers = append(d.handlers, fn)
	d.pending = append(d.pending, false)
	return &Handle{d: d, idx: len(d.handlers) - 1}
}

func (h *Handle) Schedule() {
	d := h.d
	d.mu.Lock()
	d.pending[h.idx] = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Service runs every pending handler, including ones scheduled by the
// handlers themselves, until none remain. It reports whether anything ran.
// Boards without a service goroutine call this from their main loop; tests
// call it directly for deterministic bottom halves.
func (d *Dispatcher) Service() bool {
	ran := false
	for {
		fn := d.takePending()
		if fn == nil {
			return ran
		}
		ran = true
		fn()
	}
}

func (d *Dispatcher) takePending() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.pending {
		if p {
			d.pending[i] = false
			return d.handlers[i]
		}
	}
	return nil
}

// Start launches the service goroutine. All Register calls must have
// happened already.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				d.Service()
			}
		}
	}()
}
