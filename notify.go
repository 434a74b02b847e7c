package ticketsync

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Notifier
// ============================================================================

// notifier delivers observer callbacks in order on its own goroutine, so a
// callback may call back into the Connection without deadlocking the loop.
type notifier struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	running bool // a callback is executing

	wake chan struct{}
	done chan struct{}
}

func newNotifier(logger *slog.Logger) *notifier {
	n := &notifier{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) enqueue(fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, fn := range batch {
			n.setRunning(true)
			n.call(fn)
			n.setRunning(false)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

// call swallows panics in user callbacks.
func (n *notifier) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("observer panicked", "panic", r)
		}
	}()
	fn()
}

func (n *notifier) setRunning(v bool) {
	n.mu.Lock()
	n.running = v
	n.mu.Unlock()
}

// close drains pending callbacks and stops the goroutine. When called while
// a callback is executing, possibly from that callback, it returns without
// waiting; the goroutine still drains the queue and exits.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	inCallback := n.running
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	if inCallback {
		return
	}
	<-n.done
}

// ============================================================================
// Observers
// ============================================================================

// observers is a list of callbacks for one kind of change. When no
// notifier is attached, callbacks run synchronously.
type observers[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
	n   *notifier
}

func (o *observers[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.fns = append(o.fns, fn)
	o.mu.Unlock()
}

func (o *observers[T]) attach(n *notifier) {
	o.mu.Lock()
	o.n = n
	o.mu.Unlock()
}

func (o *observers[T]) publish(v T) {
	o.mu.RLock()
	fns := append([]func(T){}, o.fns...)
	n := o.n
	o.mu.RUnlock()
	if len(fns) == 0 {
		return
	}
	if n == nil {
		for _, fn := range fns {
			fn(v)
		}
		return
	}
	// One queue entry per callback so a panic only loses that callback.
	for _, fn := range fns {
		n.enqueue(func() { fn(v) })
	}
}
