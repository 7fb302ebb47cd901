package store

import (
	"sync"
	"time"
)

// streamEvent is what a publish hands to a blocked waiter: the key that
// received a new record and the id it was assigned.
type streamEvent struct {
	key string
	id  StreamRecordID
}

// notifier is the (mutex-protected slot, condition variable) pair a blocked
// XREAD waits on. The store holds only a weak.Pointer to it (see
// Store.AddListener); the waiter keeps the sole strong reference alive on
// its own goroutine stack for the duration of the wait.
type notifier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	event    *streamEvent
	timedOut bool
}

func newNotifier() *notifier {
	n := &notifier{}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// publish deposits ev in the slot and wakes every waiter blocked on this
// notifier. A waiter whose predicate doesn't match goes back to sleep.
func (n *notifier) publish(ev streamEvent) {
	n.mu.Lock()
	n.event = &ev
	n.cond.Broadcast()
	n.mu.Unlock()
}

// wait blocks until a published event satisfies accept, or until timeout
// elapses (timeout == 0 means wait forever). Returns false on timeout.
func (n *notifier) wait(timeout time.Duration, accept func(streamEvent) bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			n.mu.Lock()
			n.timedOut = true
			n.cond.Broadcast()
			n.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		if n.event != nil {
			ev := *n.event
			n.event = nil
			if accept(ev) {
				return true
			}
		}
		if n.timedOut {
			return false
		}
		n.cond.Wait()
	}
}

// Listener is the public handle a caller blocked in XREAD BLOCK holds. Its
// lifetime IS the wait: once Wait returns and the Listener is dropped, the
// store's weak reference to it resolves to nil and is pruned on the next
// publish to any of its registered keys.
type Listener struct{ n *notifier }

// NewListener creates a listener not yet registered against any stream key.
func NewListener() *Listener { return &Listener{n: newNotifier()} }

// Wait blocks until a publish on one of this listener's registered keys
// satisfies accept, or until timeout elapses (0 = forever).
func (l *Listener) Wait(timeout time.Duration, accept func(key string, id StreamRecordID) bool) bool {
	return l.n.wait(timeout, func(ev streamEvent) bool { return accept(ev.key, ev.id) })
}
