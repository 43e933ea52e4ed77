package manager

import (
	"sync"

	"github.com/tejzpr/vetlink/internal/metrics"
)

// Broker fans notifications out to every open stream of a user. Delivery
// is best-effort: a full stream buffer drops the event.
type Broker struct {
	mu      sync.RWMutex
	clients map[string]map[chan Event]struct{}
	buffer  int
}

// NewBroker creates a broker whose streams buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		clients: make(map[string]map[chan Event]struct{}),
		buffer:  buffer,
	}
}

// Subscribe opens a new stream for userID. It reports whether this is the
// user's first open stream.
func (b *Broker) Subscribe(userID string) (chan Event, bool) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	streams, ok := b.clients[userID]
	if !ok {
		streams = make(map[chan Event]struct{})
		b.clients[userID] = streams
	}
	streams[ch] = struct{}{}
	return ch, len(streams) == 1
}

// Unsubscribe closes ch and reports whether userID has no streams left.
func (b *Broker) Unsubscribe(userID string, ch chan Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	streams, ok := b.clients[userID]
	if !ok {
		return true
	}
	if _, ok := streams[ch]; ok {
		delete(streams, ch)
		close(ch)
	}
	if len(streams) == 0 {
		delete(b.clients, userID)
		return true
	}
	return false
}

// Publish delivers ev to every stream of userID and returns how many
// streams accepted it.
func (b *Broker) Publish(userID string, ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for ch := range b.clients[userID] {
		select {
		case ch <- ev:
			n++
		default:
			metrics.NotificationsDropped.Inc()
		}
	}
	return n
}
