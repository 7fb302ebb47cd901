package store

import "weak"

// weakPointerHandle wraps a weak.Pointer[notifier] so the rest of the
// package doesn't need to spell out the generic instantiation. The store
// holds only this weak reference; the corresponding Listener holds the sole
// strong reference (listeners are pruned by the GC, not
// by an explicit unsubscribe call).
type weakPointerHandle struct {
	p weak.Pointer[notifier]
}

func newWeakPointerHandle(n *notifier) weakPointerHandle {
	return weakPointerHandle{p: weak.Make(n)}
}

// upgrade returns the notifier if it is still reachable elsewhere, or nil
// if the garbage collector has already reclaimed it.
func (h weakPointerHandle) upgrade() *notifier {
	return h.p.Value()
}
