// Package scheduler runs reconciliation passes at startup, on database change
// notifications and on a periodic resync.
package scheduler

// Trigger is a single-slot wakeup. Any number of Fire calls made while a
// wakeup is pending collapse into that one wakeup.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger creates an idle trigger
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Fire requests a wakeup. It never blocks.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C delivers pending wakeups
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}

// Pending reports whether a wakeup is waiting to be consumed
func (t *Trigger) Pending() bool {
	return len(t.ch) > 0
}
