package state

// Notifier is a single-slot wakeup signal. Multiple pending Notify calls
// collapse into one pending wake, matching the health-cache refresh
// notifier and the health-change notifier described in the design: readers
// never need more than "something changed since I last looked".
type Notifier struct {
	ch chan struct{}
}

// NewNotifier returns a ready-to-use Notifier with capacity for one pending wake.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify wakes a subscriber. It never blocks: if a wake is already pending,
// this call is a no-op.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on.
func (n *Notifier) C() <-chan struct{} { return n.ch }
