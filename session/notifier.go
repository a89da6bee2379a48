package session

import (
	"sync"
	"time"
)

// Reason says why a session became unrecoverable.
type Reason string

const (
	// ReasonRenewalFailed means the refresh exchange was rejected, failed in
	// transit, or returned an unusable payload.
	ReasonRenewalFailed Reason = "renewal_failed"
	// ReasonRejectedAfterRenewal means a request still got 401 with a freshly
	// renewed access credential.
	ReasonRejectedAfterRenewal Reason = "rejected_after_renewal"
	// ReasonNoRenewalCredential means a request got 401 and no refresh
	// credential was stored to renew with.
	ReasonNoRenewalCredential Reason = "no_renewal_credential"
)

// Event is published once each time a stored session is dropped because it
// can no longer be used.
type Event struct {
	Reason Reason
	At     time.Time
}

// Listener receives session events. It runs on the goroutine that detected
// the failure and must not block for long.
type Listener func(Event)

// Notifier fans session events out to any number of listeners.
type Notifier struct {
	mu        sync.Mutex
	next      int
	listeners map[int]Listener
}

// NewNotifier returns a Notifier with no listeners.
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[int]Listener)}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn Listener) (cancel func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// Channel subscribes a buffered channel. Events that arrive while the
// buffer is full are dropped.
func (n *Notifier) Channel(size int) (<-chan Event, func()) {
	ch := make(chan Event, size)
	cancel := n.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch, cancel
}

func (n *Notifier) publish(e Event) {
	n.mu.Lock()
	fns := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
