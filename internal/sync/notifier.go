package sync

import "sync"

type EventType string

const (
	EventSynced            EventType = "synced"
	EventRetrying          EventType = "retrying"
	EventConflict          EventType = "conflict"
	EventPermanentlyFailed EventType = "permanently_failed"
)

// Event describes a state change of one outbox entry.
type Event struct {
	Type        EventType
	ClientID    string
	CanonicalID string
	Reason      string
}

// Notifier fans coordinator events out to subscribers. Delivery is
// best-effort: a subscriber that stops draining its channel loses events
// rather than stalling the drain.
type Notifier struct {
	mu   sync.Mutex
	subs []chan Event
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe returns a channel of coordinator events.
func (n *Notifier) Subscribe() <-chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Event, 16)
	n.subs = append(n.subs, ch)
	return ch
}

func (n *Notifier) publish(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
